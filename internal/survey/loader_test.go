package survey

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const sampleTable = `respondent_id,geo_key,day,weight,cli,fever,cough
r1,90210,2020-05-01,1.5,1,1,0
r2,90210,2020-05-01,0.8,0,,1
r3,10001,2020-05-02,2.0,1,1,1
r4,10001,2020-05-03,1.0,0,0,NA
`

func TestReadTable(t *testing.T) {
	table, err := ReadTable(strings.NewReader(sampleTable))
	require.NoError(t, err)
	require.Len(t, table.Rows, 4)

	assert.Equal(t, []string{"cli", "cough", "fever", "weight"}, table.Columns())
	assert.True(t, table.HasColumn("cli"))
	assert.False(t, table.HasColumn("nonexistent"))

	assert.Equal(t, time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC), table.MinDay())
	assert.Equal(t, time.Date(2020, 5, 3, 0, 0, 0, 0, time.UTC), table.MaxDay())

	r2 := table.Rows[1]
	assert.Equal(t, "r2", r2.RespondentID)
	_, answered := r2.Value("fever")
	assert.False(t, answered, "blank cell is a skipped item, not a zero")
	v, answered := r2.Value("cough")
	assert.True(t, answered)
	assert.Equal(t, 1.0, v)

	_, answered = table.Rows[3].Value("cough")
	assert.False(t, answered, "NA cell is a skipped item")
}

func TestReadTableErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "missing header"},
		{"missing geo column", "respondent_id,day,weight\nr1,2020-05-01,1\n", "missing required column"},
		{"bad day", "respondent_id,geo_key,day,weight\nr1,90210,05/01/2020,1\n", "parse day"},
		{"non numeric value", "respondent_id,geo_key,day,weight\nr1,90210,2020-05-01,abc\n", "not numeric"},
		{"empty identity", "respondent_id,geo_key,day,weight\n,90210,2020-05-01,1\n", "empty identity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadTable(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadTableCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "responses.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleTable), 0644))

	table, err := LoadTable(path, nil)
	require.NoError(t, err)
	assert.Len(t, table.Rows, 4)
}

func TestLoadTableXLSX(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "responses.xlsx")

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]interface{}{
		{"respondent_id", "geo_key", "day", "weight", "cli"},
		{"r1", "90210", "2020-05-01", 1.5, 1},
		{"r2", "10001", "2020-05-02", 2.0, ""},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	table, err := LoadTable(path, nil)
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)

	v, ok := table.Rows[0].Value("cli")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
	_, ok = table.Rows[1].Value("cli")
	assert.False(t, ok)
}

func TestParseDay(t *testing.T) {
	day, err := ParseDay("2020-05-01")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, day.Location())

	_, err = ParseDay("20200501")
	assert.Error(t, err)
}
