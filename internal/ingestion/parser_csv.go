package ingestion

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/wakala/settlement/internal/domain"
)

// ParseCSV reads a delimited file whose first line names the columns. Each
// following line becomes one row keyed by those names. Cells stay strings;
// numbers are parsed later by the calculator. Blank cells are left out so
// they count as absent, and blank lines are skipped.
func ParseCSV(data []byte, comma rune) ([]domain.RawRow, error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = comma
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, domain.ErrEmptyBatch
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
		if header[i] == "" {
			return nil, fmt.Errorf("header column %d is empty", i+1)
		}
	}

	var rows []domain.RawRow
	lineNum := 1

	for {
		lineNum++
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if blank(record) {
			continue
		}
		if len(record) > len(header) {
			return nil, fmt.Errorf("line %d: expected at most %d columns, got %d", lineNum, len(header), len(record))
		}

		row := make(domain.RawRow, len(record))
		for i, cell := range record {
			if cell = strings.TrimSpace(cell); cell != "" {
				row[header[i]] = cell
			}
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func blank(record []string) bool {
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
