// Package survey loads and models the response table the aggregation engine
// consumes. Vendor-specific export parsing, deduplication, and PII filtering
// happen upstream; the loaders here read already-clean generic tables.
package survey

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Identity columns every response table must carry. All remaining columns
// are treated as numeric value columns (signals and weights).
const (
	ColRespondentID = "respondent_id"
	ColGeoKey       = "geo_key"
	ColDay          = "day"
)

// LoadTable reads a response table from path, dispatching on extension:
// .xlsx via excelize, anything else as CSV.
func LoadTable(path string, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.HasSuffix(strings.ToLower(path), ".xlsx") {
		return loadXLSX(path, logger)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open response table: %w", err)
	}
	defer f.Close()
	t, err := ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("read response table %s: %w", path, err)
	}
	logger.Info("loaded response table",
		"path", path,
		"rows", len(t.Rows),
		"columns", len(t.Columns()),
	)
	return t, nil
}

// ReadTable parses a CSV response table from r.
func ReadTable(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("missing header row: %w", err)
	}
	records := [][]string{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse response row: %w", err)
		}
		records = append(records, record)
	}
	return buildTable(header, records)
}

func loadXLSX(path string, logger *slog.Logger) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open response workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("response workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("response sheet %q is empty", sheets[0])
	}

	t, err := buildTable(rows[0], rows[1:])
	if err != nil {
		return nil, fmt.Errorf("read response workbook %s: %w", path, err)
	}
	logger.Info("loaded response table",
		"path", path,
		"sheet", sheets[0],
		"rows", len(t.Rows),
		"columns", len(t.Columns()),
	)
	return t, nil
}

func buildTable(header []string, records [][]string) (*Table, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{ColRespondentID, ColGeoKey, ColDay} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("response table missing required column %q", required)
		}
	}

	valueCols := []string{}
	for _, name := range header {
		name = strings.TrimSpace(name)
		if name == ColRespondentID || name == ColGeoKey || name == ColDay {
			continue
		}
		valueCols = append(valueCols, name)
	}

	rows := make([]Row, 0, len(records))
	for i, record := range records {
		line := i + 2
		if len(record) > len(header) {
			return nil, fmt.Errorf("row at line %d has %d fields, want %d", line, len(record), len(header))
		}
		// Sheet readers drop trailing empty cells; pad them back.
		for len(record) < len(header) {
			record = append(record, "")
		}
		day, err := ParseDay(record[idx[ColDay]])
		if err != nil {
			return nil, fmt.Errorf("row at line %d: %w", line, err)
		}
		row := Row{
			RespondentID: record[idx[ColRespondentID]],
			GeoKey:       record[idx[ColGeoKey]],
			Day:          day,
			Values:       make(map[string]float64, len(valueCols)),
		}
		if row.RespondentID == "" || row.GeoKey == "" {
			return nil, fmt.Errorf("row at line %d has empty identity column", line)
		}
		for _, col := range valueCols {
			cell := strings.TrimSpace(record[idx[col]])
			if cell == "" || cell == "NA" {
				continue // skipped item
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("row at line %d: column %q value %q is not numeric", line, col, cell)
			}
			row.Values[col] = v
		}
		rows = append(rows, row)
	}
	return NewTable(rows), nil
}
