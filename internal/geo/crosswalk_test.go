package geo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const countyTable = `fine,coarse,weight
90210,06037,1.0
10001,36061,1.0
55555,01001,0.3
55555,01003,0.7
`

func TestReadCrosswalk(t *testing.T) {
	cw, err := ReadCrosswalk(strings.NewReader(countyTable), LevelCounty)
	require.NoError(t, err)
	assert.Equal(t, LevelCounty, cw.Level())
	assert.Equal(t, 3, cw.Size())
}

func TestReadCrosswalkErrors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		reason string
	}{
		{"empty file", "", "missing header"},
		{"wrong columns", "zip,fips,w\n1,2,0.5\n", "unexpected columns"},
		{"bad weight", "fine,coarse,weight\n1,2,abc\n", "bad weight"},
		{"zero weight", "fine,coarse,weight\n1,2,0\n", "out of (0,1]"},
		{"weight above one", "fine,coarse,weight\n1,2,1.5\n", "out of (0,1]"},
		{"empty key", "fine,coarse,weight\n,2,0.5\n", "empty key"},
		{"no entries", "fine,coarse,weight\n", "no entries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCrosswalk(strings.NewReader(tt.input), LevelCounty)
			require.Error(t, err)
			var loadErr *CrosswalkLoadError
			require.ErrorAs(t, err, &loadErr)
			assert.Contains(t, loadErr.Reason, tt.reason)
		})
	}
}

func TestLoadCrosswalkFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "county.csv")
	require.NoError(t, os.WriteFile(path, []byte(countyTable), 0644))

	cw, err := LoadCrosswalk(path, LevelCounty)
	require.NoError(t, err)
	assert.Equal(t, 3, cw.Size())

	_, err = LoadCrosswalk(filepath.Join(dir, "missing.csv"), LevelCounty)
	var loadErr *CrosswalkLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.Reason, "open failed")
}

func TestResolverResolve(t *testing.T) {
	county, err := ReadCrosswalk(strings.NewReader(countyTable), LevelCounty)
	require.NoError(t, err)
	state, err := ReadCrosswalk(strings.NewReader("fine,coarse,weight\n90210,CA,1.0\n"), LevelState)
	require.NoError(t, err)

	r := NewResolver(county, state)
	assert.Equal(t, []Level{LevelCounty, LevelState}, r.Levels())

	t.Run("single mapping", func(t *testing.T) {
		mappings, err := r.Resolve("90210", LevelCounty)
		require.NoError(t, err)
		require.Len(t, mappings, 1)
		assert.Equal(t, Mapping{Coarse: "06037", Weight: 1.0}, mappings[0])
	})

	t.Run("split mapping ordered by coarse key", func(t *testing.T) {
		mappings, err := r.Resolve("55555", LevelCounty)
		require.NoError(t, err)
		require.Len(t, mappings, 2)
		assert.Equal(t, "01001", mappings[0].Coarse)
		assert.InDelta(t, 0.3, mappings[0].Weight, 1e-12)
		assert.Equal(t, "01003", mappings[1].Coarse)
		assert.InDelta(t, 0.7, mappings[1].Weight, 1e-12)

		// Membership weights of a split key preserve the original total.
		total := mappings[0].Weight + mappings[1].Weight
		assert.InDelta(t, 1.0, total, 1e-12)
	})

	t.Run("levels resolve independently", func(t *testing.T) {
		mappings, err := r.Resolve("90210", LevelState)
		require.NoError(t, err)
		assert.Equal(t, "CA", mappings[0].Coarse)

		_, err = r.Resolve("10001", LevelState)
		var unmapped *UnmappedGeographyError
		require.ErrorAs(t, err, &unmapped)
		assert.Equal(t, "10001", unmapped.Key)
		assert.Equal(t, LevelState, unmapped.Level)
	})

	t.Run("unknown level", func(t *testing.T) {
		_, err := r.Resolve("90210", LevelMSA)
		var unmapped *UnmappedGeographyError
		require.ErrorAs(t, err, &unmapped)
	})
}
