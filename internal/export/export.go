// Package export renders expense records as a spreadsheet table.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"roomexpenses/internal/core"
)

const (
	// Filename is offered to the browser for every download.
	Filename = "room-expenses.xlsx"
	// ContentType of the xlsx payload.
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	SheetName   = "Expenses"
)

// Header matches the column order of the ledger table.
var Header = []string{"Description", "Amount", "Person", "Created At"}

// Rows converts records to table rows, header first. Amounts are numbers and
// timestamps RFC 3339 text in UTC.
func Rows(records []core.Record) [][]any {
	rows := make([][]any, 0, len(records)+1)
	head := make([]any, len(Header))
	for i, h := range Header {
		head[i] = h
	}
	rows = append(rows, head)
	for _, r := range records {
		rows = append(rows, []any{
			r.Description,
			r.Amount.InexactFloat64(),
			r.Person,
			r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return rows
}

// Spreadsheet encodes records as an xlsx workbook with a single sheet.
func Spreadsheet(records []core.Record) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	for i, row := range Rows(records) {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	if err := layout(f); err != nil {
		return nil, fmt.Errorf("format sheet: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// layout bolds the header row and widens the text columns.
func layout(f *excelize.File) error {
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetRowStyle(SheetName, 1, 1, bold); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetName, "A", "A", 40); err != nil {
		return err
	}
	return f.SetColWidth(SheetName, "D", "D", 24)
}
