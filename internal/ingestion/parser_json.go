package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/wakala/settlement/internal/domain"
)

// rowsFile is the wrapped upload shape: {"rows": [...]}.
type rowsFile struct {
	Rows []domain.RawRow `json:"rows"`
}

// ParseJSON accepts either {"rows": [...]} or a bare array of row objects.
// Numbers are kept as json.Number so no precision is lost before the
// calculator parses them.
func ParseJSON(data []byte) ([]domain.RawRow, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, domain.ErrEmptyBatch
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if data[0] == '[' {
		var rows []domain.RawRow
		if err := dec.Decode(&rows); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		return rows, nil
	}

	var file rowsFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return file.Rows, nil
}
