package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
)

// CSV renders a budget document as UTF-8 CSV: the fixed column header
// followed by one row per subproject item.
func CSV(raw json.RawMessage) ([]byte, error) {
	bt, err := ParseBudget(raw)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	for _, row := range bt.Rows() {
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("writing csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
