package upload

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported upload format")
	ErrInvalidHeader     = errors.New("invalid header row")
	ErrEmptyUpload       = errors.New("upload has no header row")
)

// Parse reads an uploaded file into an untyped dataset, choosing the
// decoder from the file extension. Every column is text; empty cells are nil.
func Parse(filename string, r io.Reader) (*dataset.Dataset, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return ParseCSV(r)
	case ".xlsx":
		return ParseXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// ParseCSV accepts UTF-8 (with or without a byte order mark) or CP949/EUC-KR
// encoded CSV.
func ParseCSV(r io.Reader) (*dataset.Dataset, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	var text io.Reader
	if utf8.Valid(data) {
		text = transform.NewReader(bytes.NewReader(data), unicode.UTF8BOM.NewDecoder())
	} else {
		text = transform.NewReader(bytes.NewReader(data), korean.EUCKR.NewDecoder())
	}

	cr := csv.NewReader(text)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	return fromRecords(records)
}

// ParseXLSX reads the first sheet of a workbook.
func ParseXLSX(r io.Reader) (*dataset.Dataset, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, ErrEmptyUpload
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return fromRecords(rows)
}

func fromRecords(records [][]string) (*dataset.Dataset, error) {
	if len(records) == 0 {
		return nil, ErrEmptyUpload
	}

	header := records[0]
	columns := make([]dataset.Column, len(header))
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			return nil, fmt.Errorf("%w: column %d has no name", ErrInvalidHeader, i+1)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidHeader, name)
		}
		seen[name] = struct{}{}
		columns[i] = dataset.Column{Name: name, Type: dataset.TypeText}
	}

	ds := dataset.New("upload", columns)
	for _, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		values := make(map[string]any, len(columns))
		for i, c := range columns {
			var v any
			if i < len(rec) && strings.TrimSpace(rec[i]) != "" {
				v = rec[i]
			}
			values[c.Name] = v
		}
		ds.Append(values)
	}
	return ds, nil
}

func blank(rec []string) bool {
	for _, s := range rec {
		if strings.TrimSpace(s) != "" {
			return false
		}
	}
	return true
}
