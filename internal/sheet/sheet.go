// Package sheet turns uploaded recipient lists into dispatch rows.
//
// Spreadsheets (.xlsx) and CSV files use their first row as the header;
// every following non-blank row becomes one record. Empty cells are left
// out of the record, so column fallbacks in dispatch see them as missing.
package sheet

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/markus-barta/bulkrelay/internal/dispatch"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for files that are neither xlsx nor csv.
var ErrUnsupportedFormat = errors.New("unsupported recipients file format")

var zipMagic = []byte("PK\x03\x04")

// Parse reads a recipients file. The format is taken from the extension,
// falling back to content sniffing for xlsx.
func Parse(name string, data []byte) ([]dispatch.Row, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return parseXLSX(data)
	case ".csv":
		return parseCSV(data)
	}
	if bytes.HasPrefix(data, zipMagic) {
		return parseXLSX(data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

func parseXLSX(data []byte) ([]dispatch.Row, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}

	// Raw values keep long phone numbers out of scientific notation.
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return records(rows), nil
}

func parseCSV(data []byte) ([]dispatch.Row, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		rows = append(rows, rec)
	}
	return records(rows), nil
}

// records maps the rows after the header to column-keyed rows.
func records(rows [][]string) []dispatch.Row {
	var header []string
	out := make([]dispatch.Row, 0, len(rows))

	for _, cells := range rows {
		if blank(cells) {
			continue
		}
		if header == nil {
			header = make([]string, len(cells))
			for i, c := range cells {
				header[i] = strings.TrimSpace(c)
			}
			continue
		}

		row := make(dispatch.Row, len(header))
		for i, c := range cells {
			if i >= len(header) || header[i] == "" || c == "" {
				continue
			}
			row[header[i]] = c
		}
		out = append(out, row)
	}
	return out
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// FromJSON decodes a JSON array of objects, or a JSON string that itself
// holds such an array. Scalar values are rendered as text; numbers never
// use exponent notation.
func FromJSON(raw []byte) ([]dispatch.Row, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty recipients")
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode recipients string: %w", err)
		}
		raw = []byte(inner)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var objs []map[string]any
	if err := dec.Decode(&objs); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}

	out := make([]dispatch.Row, 0, len(objs))
	for _, obj := range objs {
		row := make(dispatch.Row, len(obj))
		for k, v := range obj {
			if s, ok := text(v); ok {
				row[k] = s
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func text(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		if f, err := t.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64), true
		}
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprint(t), true
	}
}
