package exporter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surveycast/internal/aggregate"
	"surveycast/internal/geo"
)

func sampleRows() []aggregate.Row {
	d1 := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2020, 5, 2, 0, 0, 0, 0, time.UTC)
	return []aggregate.Row{
		{
			Indicator: "smoothed_cli", Signal: "smoothed_cli", Level: geo.LevelCounty,
			GeoID: "01003", Day: d1,
			Estimate: 12.3456789, StdErr: 0.25, StdErrDefined: true,
			SampleSize: 120, EffectiveSampleSize: 98.7654,
		},
		{
			Indicator: "smoothed_cli", Signal: "smoothed_cli", Level: geo.LevelCounty,
			GeoID: "01001", Day: d1,
			Estimate: 1.5, StdErr: 0, StdErrDefined: false,
			SampleSize: 1, EffectiveSampleSize: 1,
		},
		{
			Indicator: "smoothed_cli", Signal: "smoothed_cli", Level: geo.LevelState,
			GeoID: "al", Day: d1,
			Estimate: 8.25, StdErr: 0.5, StdErrDefined: true,
			SampleSize: 500, EffectiveSampleSize: 430.5,
		},
		{
			Indicator: "smoothed_cli", Signal: "smoothed_cli", Level: geo.LevelCounty,
			GeoID: "01001", Day: d2,
			Estimate: 3.5, StdErr: 0.125, StdErrDefined: true,
			SampleSize: 40, EffectiveSampleSize: 36,
		},
	}
}

func TestWritePublishesPerDayPerLevelFiles(t *testing.T) {
	exportDir := filepath.Join(t.TempDir(), "export")
	stagingDir := filepath.Join(t.TempDir(), "staging")
	w := NewWriter(exportDir, stagingDir, nil)

	n, err := w.Write(context.Background(), sampleRows())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	entries, err := os.ReadDir(exportDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		"20200501_county_smoothed_cli.csv",
		"20200501_state_smoothed_cli.csv",
		"20200502_county_smoothed_cli.csv",
	}, names)

	// Nothing lingers in staging after a successful publish.
	_, err = os.Stat(stagingDir)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFileContents(t *testing.T) {
	exportDir := filepath.Join(t.TempDir(), "export")
	w := NewWriter(exportDir, filepath.Join(t.TempDir(), "staging"), nil)

	_, err := w.Write(context.Background(), sampleRows())
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(exportDir, "20200501_county_smoothed_cli.csv"))
	require.NoError(t, err)

	// Rows sorted by geo_id, undefined SE serialized as NA, fixed numeric
	// formatting throughout.
	want := "geo_id,val,se,sample_size,effective_sample_size\n" +
		"01001,1.5000000,NA,1,1.00\n" +
		"01003,12.3456789,0.2500000,120,98.77\n"
	assert.Equal(t, want, string(raw))
}

func TestWriteDeterministicBytes(t *testing.T) {
	w1 := NewWriter(filepath.Join(t.TempDir(), "export"), filepath.Join(t.TempDir(), "staging"), nil)
	w2 := NewWriter(filepath.Join(t.TempDir(), "export"), filepath.Join(t.TempDir(), "staging"), nil)

	// Same rows in a different input order produce identical files.
	rows := sampleRows()
	reversed := make([]aggregate.Row, len(rows))
	for i, r := range rows {
		reversed[len(rows)-1-i] = r
	}

	_, err := w1.Write(context.Background(), rows)
	require.NoError(t, err)
	_, err = w2.Write(context.Background(), reversed)
	require.NoError(t, err)

	for _, name := range []string{
		"20200501_county_smoothed_cli.csv",
		"20200501_state_smoothed_cli.csv",
		"20200502_county_smoothed_cli.csv",
	} {
		a, err := os.ReadFile(filepath.Join(w1.exportDir, name))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(w2.exportDir, name))
		require.NoError(t, err)
		assert.Equal(t, a, b, name)
	}
}

func TestWriteEmptyRowSet(t *testing.T) {
	exportDir := filepath.Join(t.TempDir(), "export")
	w := NewWriter(exportDir, filepath.Join(t.TempDir(), "staging"), nil)

	n, err := w.Write(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteFailureLeavesNoPartialOutput(t *testing.T) {
	base := t.TempDir()
	exportDir := filepath.Join(base, "export")

	// Export dir creation fails because a regular file occupies the path.
	require.NoError(t, os.WriteFile(exportDir, []byte("in the way"), 0644))

	stagingDir := filepath.Join(base, "staging")
	w := NewWriter(exportDir, stagingDir, nil)

	_, err := w.Write(context.Background(), sampleRows())
	require.Error(t, err)

	_, err = os.Stat(stagingDir)
	assert.True(t, os.IsNotExist(err), "failed run cleans up staging")
}

func TestWriteFailedPublishRetractsEarlierFiles(t *testing.T) {
	exportDir := filepath.Join(t.TempDir(), "export")
	stagingDir := filepath.Join(t.TempDir(), "staging")
	w := NewWriter(exportDir, stagingDir, nil)

	// Block the second file's destination with a non-empty directory so its
	// rename fails after the first file has already been published.
	blocked := filepath.Join(exportDir, "20200501_state_smoothed_cli.csv")
	require.NoError(t, os.MkdirAll(blocked, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(blocked, "occupant"), []byte("x"), 0644))

	_, err := w.Write(context.Background(), sampleRows())
	require.Error(t, err)

	entries, err := os.ReadDir(exportDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "20200501_state_smoothed_cli.csv", e.Name(),
			"failed run left partial file %s in the export directory", e.Name())
	}
	_, err = os.Stat(stagingDir)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteCancelledContext(t *testing.T) {
	stagingDir := filepath.Join(t.TempDir(), "staging")
	w := NewWriter(filepath.Join(t.TempDir(), "export"), stagingDir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Write(ctx, sampleRows())
	require.ErrorIs(t, err, context.Canceled)
	_, err = os.Stat(stagingDir)
	assert.True(t, os.IsNotExist(err))
}

func TestFileName(t *testing.T) {
	row := aggregate.Row{
		Signal: "smoothed_cli_weekday",
		Level:  geo.LevelMSA,
		Day:    time.Date(2021, 1, 9, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, "20210109_msa_smoothed_cli_weekday.csv", FileName(row))
}
