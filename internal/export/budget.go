// Package export turns a mapped budget document into its download formats:
// CSV, table rows (table.json) and an XLSX workbook.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// BudgetTable is the subset of the mapped budget document the exporters
// consume. Values stay loosely typed: the model may emit numbers or strings
// for quantities and prices.
type BudgetTable struct {
	Subprojects []Subproject `json:"subprojects"`
}

type Subproject struct {
	Major string `json:"major"`
	Items []Item `json:"items"`
}

type Item struct {
	Name          any `json:"name"`
	Quantity      any `json:"quantity"`
	Unit          any `json:"unit"`
	UnitPrice     any `json:"unit_price"`
	TotalPrice    any `json:"total_price"`
	LaborRatio    any `json:"labor_ratio"`
	MaterialRatio any `json:"material_ratio"`
}

// Columns is the fixed export column order shared by CSV, table.json and the
// XLSX workbook.
var Columns = []string{"专业", "名称", "数量", "单位", "单价", "合价", "人工占比", "材料占比"}

// ParseBudget decodes a budget document, preserving number formatting.
func ParseBudget(raw json.RawMessage) (*BudgetTable, error) {
	var bt BudgetTable
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&bt); err != nil {
		return nil, fmt.Errorf("decoding budget table: %w", err)
	}
	return &bt, nil
}

// Rows flattens the subproject items into export rows in column order.
func (bt *BudgetTable) Rows() [][]string {
	var rows [][]string
	for _, sp := range bt.Subprojects {
		for _, item := range sp.Items {
			rows = append(rows, []string{
				sp.Major,
				Cell(item.Name),
				Cell(item.Quantity),
				Cell(item.Unit),
				Cell(item.UnitPrice),
				Cell(item.TotalPrice),
				Cell(item.LaborRatio),
				Cell(item.MaterialRatio),
			})
		}
	}
	return rows
}

// Cell renders a loosely typed budget value for an export cell. Missing
// values become empty strings.
func Cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
