package sheet

import (
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestParse_CSV(t *testing.T) {
	data := []byte("\xef\xbb\xbfWhatsApp Number(with country code),First Name,Last Name\n" +
		"+4915112345678,Ann,Lee\n" +
		",,\n" +
		"+4366412345678,Bob\n")

	rows, err := Parse("recipients.csv", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0]["WhatsApp Number(with country code)"] != "+4915112345678" || rows[0]["Last Name"] != "Lee" {
		t.Errorf("Unexpected first row %v", rows[0])
	}
	if _, ok := rows[1]["Last Name"]; ok {
		t.Errorf("Expected missing cell to be absent, got %v", rows[1])
	}
}

func TestParse_XLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	cells := map[string]any{
		"A1": "number", "B1": "firstName",
		"A2": "+4915112345678", "B2": "Ann",
		"A4": int64(4915112345678), "B4": "NoPlus",
	}
	for cell, v := range cells {
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			t.Fatalf("set %s: %v", cell, err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	// No extension: detected from the zip header.
	rows, err := Parse("upload", buf.Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows (blank row skipped), got %d: %v", len(rows), rows)
	}
	if rows[0]["number"] != "+4915112345678" || rows[0]["firstName"] != "Ann" {
		t.Errorf("Unexpected first row %v", rows[0])
	}
	if rows[1]["number"] != "4915112345678" {
		t.Errorf("Expected raw numeric cell, got %q", rows[1]["number"])
	}
}

func TestParse_Unsupported(t *testing.T) {
	_, err := Parse("recipients.pdf", []byte("%PDF-1.7"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestFromJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []map[string]string
		wantErr bool
	}{
		{
			name: "array",
			raw:  `[{"number":"+1234567","firstName":"Ann"}]`,
			want: []map[string]string{{"number": "+1234567", "firstName": "Ann"}},
		},
		{
			name: "stringified array",
			raw:  `"[{\"number\":\"+1234567\"}]"`,
			want: []map[string]string{{"number": "+1234567"}},
		},
		{
			name: "numbers without exponent",
			raw:  `[{"number":4915112345678,"lastName":null,"score":1.5}]`,
			want: []map[string]string{{"number": "4915112345678", "score": "1.5"}},
		},
		{name: "object", raw: `{"number":"+1"}`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := FromJSON([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromJSON() err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(rows) != len(tt.want) {
				t.Fatalf("Expected %d rows, got %d", len(tt.want), len(rows))
			}
			for i := range rows {
				if len(rows[i]) != len(tt.want[i]) {
					t.Errorf("row %d: expected %v, got %v", i, tt.want[i], rows[i])
				}
				for k, v := range tt.want[i] {
					if rows[i][k] != v {
						t.Errorf("row %d key %s: expected %q, got %q", i, k, v, rows[i][k])
					}
				}
			}
		})
	}
}
