package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"surveycast/internal/stats"
)

// CountyGroups holds one day's per-county observation sets for a single
// signal: county id -> contributing (value, weight) pairs.
type CountyGroups map[string][]stats.Observation

// MegacountyRow is the pooled pseudo-region produced for one day. Its
// identity is day-scoped: the same constituent set is never carried to
// another day.
type MegacountyRow struct {
	GeoID        string
	Constituents []string
	Bundle       stats.Bundle
}

// MergeMegacounty partitions one day's counties at the sample-size threshold
// and pools the below-threshold counties' raw contributions into a single
// recomputed pseudo-region.
//
// Retained counties come back unchanged (by id, sorted). A day with no
// below-threshold county yields a nil megacounty. A day where every county
// is below threshold still yields exactly one megacounty row covering them
// all. Pooling happens on the underlying observations, so the result is
// identical to computing directly over the union of the constituents' data.
func MergeMegacounty(groups CountyGroups, threshold int) (retained []string, mega *MegacountyRow, err error) {
	counties := make([]string, 0, len(groups))
	for county := range groups {
		counties = append(counties, county)
	}
	sort.Strings(counties)

	var below []string
	var pooled []stats.Observation
	for _, county := range counties {
		obs := groups[county]
		if len(obs) >= threshold {
			retained = append(retained, county)
			continue
		}
		below = append(below, county)
		pooled = append(pooled, obs...)
	}

	if len(below) == 0 {
		return retained, nil, nil
	}

	bundle, err := stats.Compute(pooled)
	if err != nil {
		return nil, nil, fmt.Errorf("megacounty pooling over %d counties: %w", len(below), err)
	}

	return retained, &MegacountyRow{
		GeoID:        megacountyID(below),
		Constituents: below,
		Bundle:       bundle,
	}, nil
}

// megacountyID derives the pseudo-region identifier from the constituent
// counties: the shared two-digit state prefix followed by 000 when all
// constituents sit in one state, the generic 000000 otherwise.
func megacountyID(constituents []string) string {
	prefix := ""
	for _, county := range constituents {
		if len(county) < 2 {
			return "000000"
		}
		p := county[:2]
		if prefix == "" {
			prefix = p
		} else if p != prefix {
			return "000000"
		}
	}
	if prefix == "" {
		return "000000"
	}
	return prefix + strings.Repeat("0", 3)
}
