package export

import (
	"encoding/json"
	"fmt"

	"github.com/xuri/excelize/v2"
)

const sheetName = "概算表"

// TableRow is one table.json row, keyed by the export column names so the
// cached table reads the same as the spreadsheet.
type TableRow map[string]string

// Table is the cached generated table persisted as table.json.
type Table struct {
	Status string     `json:"status"`
	Table  []TableRow `json:"table"`
}

// TableFromBudget projects a budget document into table rows.
func TableFromBudget(raw json.RawMessage) (*Table, error) {
	bt, err := ParseBudget(raw)
	if err != nil {
		return nil, err
	}
	rows := bt.Rows()
	out := &Table{Status: "ok", Table: make([]TableRow, 0, len(rows))}
	for _, row := range rows {
		tr := make(TableRow, len(Columns))
		for i, col := range Columns {
			tr[col] = row[i]
		}
		out.Table = append(out.Table, tr)
	}
	return out, nil
}

// XLSX renders the table as a single-sheet workbook with the fixed column
// header in row one.
func (t *Table) XLSX() ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	for i, col := range Columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheetName, cell, col); err != nil {
			return nil, fmt.Errorf("writing header %s: %w", col, err)
		}
	}

	for r, row := range t.Table {
		for c, col := range Columns {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(sheetName, cell, row[col]); err != nil {
				return nil, fmt.Errorf("writing row %d: %w", r+1, err)
			}
		}
	}

	_ = f.SetColWidth(sheetName, "A", "B", 22)
	_ = f.SetColWidth(sheetName, "C", "H", 12)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serializing workbook: %w", err)
	}
	return buf.Bytes(), nil
}
