// Package exporter serializes finished aggregate rows to per-day,
// per-geography-level CSV files. Files are written to a staging directory
// and moved into the export directory only when the whole run succeeded, so
// a failed run leaves no partial output behind.
package exporter

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"surveycast/internal/aggregate"
)

// UndefinedSE is the serialized marker for a standard error that cannot be
// computed. It is never coerced to a numeric zero.
const UndefinedSE = "NA"

// suspiciousEstimate triggers a warning for implausibly high percentage
// estimates. Warning only; values are never mutated.
const suspiciousEstimate = 90.0

var header = []string{"geo_id", "val", "se", "sample_size", "effective_sample_size"}

// Writer writes one CSV per (day, geography level, signal).
type Writer struct {
	exportDir  string
	stagingDir string
	logger     *slog.Logger
}

// NewWriter creates a writer staging into stagingDir and publishing into
// exportDir.
func NewWriter(exportDir, stagingDir string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{exportDir: exportDir, stagingDir: stagingDir, logger: logger}
}

// Write serializes rows and atomically publishes the resulting files,
// returning the number of rows written. On any error the staging directory
// is removed and nothing reaches the export directory.
func (w *Writer) Write(ctx context.Context, rows []aggregate.Row) (int, error) {
	if err := os.RemoveAll(w.stagingDir); err != nil {
		return 0, fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(w.stagingDir, 0755); err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}

	names, byFile := groupRows(rows)
	written := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(w.stagingDir)
			return 0, err
		}
		n, err := w.writeFile(name, byFile[name])
		if err != nil {
			os.RemoveAll(w.stagingDir)
			return 0, err
		}
		written += n
	}

	if err := os.MkdirAll(w.exportDir, 0755); err != nil {
		os.RemoveAll(w.stagingDir)
		return 0, fmt.Errorf("create export dir: %w", err)
	}
	published := make([]string, 0, len(names))
	for _, name := range names {
		if err := os.Rename(filepath.Join(w.stagingDir, name), filepath.Join(w.exportDir, name)); err != nil {
			// Retract anything already published this run so a failed
			// run leaves no partial output behind.
			for _, p := range published {
				os.Remove(filepath.Join(w.exportDir, p))
			}
			os.RemoveAll(w.stagingDir)
			return 0, fmt.Errorf("publish %s: %w", name, err)
		}
		published = append(published, name)
	}
	os.Remove(w.stagingDir)

	w.logger.InfoContext(ctx, "published aggregate files",
		"files", len(names),
		"rows", written,
		"export_dir", w.exportDir,
	)
	return written, nil
}

// FileName returns the export file name for one (day, level, signal) slice.
func FileName(row aggregate.Row) string {
	return fmt.Sprintf("%s_%s_%s.csv", row.Day.Format("20060102"), row.Level, row.Signal)
}

func groupRows(rows []aggregate.Row) ([]string, map[string][]aggregate.Row) {
	byFile := make(map[string][]aggregate.Row)
	for _, row := range rows {
		name := FileName(row)
		byFile[name] = append(byFile[name], row)
	}
	names := make([]string, 0, len(byFile))
	for name := range byFile {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, byFile
}

func (w *Writer) writeFile(name string, rows []aggregate.Row) (int, error) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].GeoID < rows[j].GeoID })

	f, err := os.Create(filepath.Join(w.stagingDir, name))
	if err != nil {
		return 0, fmt.Errorf("create staging file %s: %w", name, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return 0, fmt.Errorf("write header of %s: %w", name, err)
	}
	for _, row := range rows {
		se := UndefinedSE
		if row.StdErrDefined {
			se = strconv.FormatFloat(row.StdErr, 'f', 7, 64)
		}
		if row.Estimate > suspiciousEstimate {
			w.logger.Warn("estimate suspiciously high",
				"signal", row.Signal,
				"geo_id", row.GeoID,
				"day", row.Day.Format("2006-01-02"),
				"val", row.Estimate,
			)
		}
		record := []string{
			row.GeoID,
			strconv.FormatFloat(row.Estimate, 'f', 7, 64),
			se,
			strconv.Itoa(row.SampleSize),
			strconv.FormatFloat(row.EffectiveSampleSize, 'f', 2, 64),
		}
		if err := cw.Write(record); err != nil {
			return 0, fmt.Errorf("write row of %s: %w", name, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("flush %s: %w", name, err)
	}
	return len(rows), nil
}
