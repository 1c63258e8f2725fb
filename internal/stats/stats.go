// Package stats computes weighted point estimates and standard errors for
// groups of survey responses using inverse-probability weighting.
package stats

import (
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientData is returned when a group has no contributing responses.
// The caller skips the group; no output row is emitted for it.
var ErrInsufficientData = errors.New("insufficient data: no contributing responses")

// InsufficientDataError wraps ErrInsufficientData with group context.
type InsufficientDataError struct {
	Group string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for group %s: no contributing responses", e.Group)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// Observation is a single weighted response value contributing to a group.
// Weight is a positive sampling weight, already scaled by any crosswalk
// membership weight.
type Observation struct {
	Value  float64
	Weight float64
}

// Bundle holds the summary statistics for one group of weighted responses.
//
// StdErr is only meaningful when StdErrDefined is true. Groups of a single
// response produce an estimate but no standard error; the undefined state is
// carried explicitly and must never be serialized as a numeric zero.
type Bundle struct {
	Estimate            float64
	StdErr              float64
	StdErrDefined       bool
	SampleSize          int
	EffectiveSampleSize float64

	// Weighted sums retained for downstream pooling checks.
	SumWeights float64
}

// Compute calculates the weighted mean, its standard error, the raw sample
// size, and the effective sample size for a group of observations.
//
// The point estimate is the weighted mean sum(w*x)/sum(w). The effective
// sample size deflates the raw count by the weight design effect,
// (sum w)^2 / sum(w^2), and the standard error divides the Bessel-corrected
// weighted sample variance by that effective size.
//
// An empty group returns ErrInsufficientData. A single observation returns a
// defined estimate with StdErrDefined false and StdErr NaN.
func Compute(obs []Observation) (Bundle, error) {
	n := len(obs)
	if n == 0 {
		return Bundle{}, ErrInsufficientData
	}

	var sumW, sumW2, sumWX float64
	for _, o := range obs {
		sumW += o.Weight
		sumW2 += o.Weight * o.Weight
		sumWX += o.Weight * o.Value
	}
	if sumW <= 0 {
		return Bundle{}, fmt.Errorf("non-positive total weight %g: %w", sumW, ErrInsufficientData)
	}

	mean := sumWX / sumW
	neff := sumW * sumW / sumW2

	b := Bundle{
		Estimate:            mean,
		SampleSize:          n,
		EffectiveSampleSize: neff,
		SumWeights:          sumW,
	}

	if n < 2 {
		b.StdErr = math.NaN()
		b.StdErrDefined = false
		return b, nil
	}

	var sumWD2 float64
	for _, o := range obs {
		d := o.Value - mean
		sumWD2 += o.Weight * d * d
	}
	variance := (sumWD2 / sumW) * (float64(n) / float64(n-1))
	b.StdErr = math.Sqrt(variance / neff)
	b.StdErrDefined = true
	return b, nil
}

// BinomialStdErr returns the standard error of a weighted proportion p under
// the effective sample size neff. Used for binary and multiselect signals
// where the per-response values are 0/1 indicators.
func BinomialStdErr(p, neff float64) float64 {
	if neff <= 0 {
		return math.NaN()
	}
	return math.Sqrt(p * (1 - p) / neff)
}

// Pool concatenates the observation sets of several groups. Pooling then
// computing is equivalent to computing over the union directly, which is what
// makes megacounty aggregation associative with direct computation.
func Pool(groups ...[]Observation) []Observation {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	pooled := make([]Observation, 0, total)
	for _, g := range groups {
		pooled = append(pooled, g...)
	}
	return pooled
}
