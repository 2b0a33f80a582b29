package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"roomexpenses/internal/core"
)

func sample() []core.Record {
	return []core.Record{
		{ID: "1", Description: "Groceries", Amount: decimal.RequireFromString("50"), Person: "Alice", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "2", Description: "Internet", Amount: decimal.RequireFromString("30.5"), Person: "Bob", CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func TestSpreadsheet_TwoRecords(t *testing.T) {
	records := sample()
	before := append([]core.Record(nil), records...)

	data, err := Spreadsheet(records)
	require.NoError(t, err)
	assert.Equal(t, before, records, "input untouched")

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetName}, f.GetSheetList())

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus two data rows")
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{"Groceries", "50", "Alice", "2024-01-01T00:00:00Z"}, rows[1])
	assert.Equal(t, []string{"Internet", "30.5", "Bob", "2024-02-01T00:00:00Z"}, rows[2])

	typ, err := f.GetCellType(SheetName, "B2")
	require.NoError(t, err)
	assert.NotEqual(t, excelize.CellTypeSharedString, typ, "amount is numeric")
}

func TestSpreadsheet_Empty(t *testing.T) {
	data, err := Spreadsheet(nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRows(t *testing.T) {
	rows := Rows(sample())
	require.Len(t, rows, 3)
	assert.Equal(t, []any{"Description", "Amount", "Person", "Created At"}, rows[0])
	assert.Equal(t, 30.5, rows[2][1])
}

func TestSpreadsheet_Layout(t *testing.T) {
	data, err := Spreadsheet(sample())
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	width, err := f.GetColWidth(SheetName, "A")
	require.NoError(t, err)
	assert.Equal(t, 40.0, width)

	idx, err := f.GetCellStyle(SheetName, "A1")
	require.NoError(t, err)
	style, err := f.GetStyle(idx)
	require.NoError(t, err)
	require.NotNil(t, style.Font)
	assert.True(t, style.Font.Bold, "header row is bold")
}

func TestLayout_ReportsMissingSheet(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	assert.Error(t, layout(f), "layout runs after the sheet is renamed")
}
