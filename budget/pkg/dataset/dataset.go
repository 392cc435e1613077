package dataset

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the canonical text form of a date value.
const DateLayout = "2006-01-02"

var (
	ErrUnknownDataset = errors.New("unknown dataset")
	ErrUnknownColumn  = errors.New("unknown column")
)

// ColumnType is the declared type tag of a column.
type ColumnType string

const (
	TypeText   ColumnType = "text"
	TypeNumber ColumnType = "number"
	TypeBool   ColumnType = "bool"
	TypeDate   ColumnType = "date"
)

func (t ColumnType) Valid() bool {
	switch t {
	case TypeText, TypeNumber, TypeBool, TypeDate:
		return true
	}
	return false
}

type Column struct {
	Name string     `json:"name" yaml:"name"`
	Type ColumnType `json:"type" yaml:"type"`
}

// Row is one record. Values holds string, float64, bool, time.Time or nil.
type Row struct {
	ID     uuid.UUID      `json:"id"`
	Values map[string]any `json:"values"`
}

func (r Row) Get(column string) any {
	return r.Values[column]
}

func (r Row) Clone() Row {
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	return Row{ID: r.ID, Values: values}
}

// Dataset is an ordered table of rows with a typed column list.
//
// Datasets handed out by the loader are shared between requests and must be
// treated as read-only; use Clone before mutating.
type Dataset struct {
	Key     string
	Columns []Column
	Rows    []Row
}

func New(key string, columns []Column) *Dataset {
	return &Dataset{Key: key, Columns: columns}
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

func (d *Dataset) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (d *Dataset) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Append adds a row built from values keyed by column name.
func (d *Dataset) Append(values map[string]any) {
	d.Rows = append(d.Rows, Row{Values: values})
}

func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		Key:     d.Key,
		Columns: append([]Column(nil), d.Columns...),
		Rows:    make([]Row, len(d.Rows)),
	}
	for i, r := range d.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

// WithRows returns a dataset sharing d's columns with the given rows.
func (d *Dataset) WithRows(rows []Row) *Dataset {
	return &Dataset{Key: d.Key, Columns: d.Columns, Rows: rows}
}

// EnsureIDs assigns a fresh identifier to every row that has none.
func (d *Dataset) EnsureIDs() {
	for i := range d.Rows {
		if d.Rows[i].ID == uuid.Nil {
			d.Rows[i].ID = uuid.New()
		}
	}
}

// WithIDColumn returns a copy whose rows carry their identifier in a text
// column named idColumn, ready to be persisted.
func (d *Dataset) WithIDColumn(idColumn string) *Dataset {
	if idColumn == "" {
		return d
	}
	out := &Dataset{
		Key:     d.Key,
		Columns: append([]Column{{Name: idColumn, Type: TypeText}}, d.Columns...),
		Rows:    make([]Row, len(d.Rows)),
	}
	for i, r := range d.Rows {
		row := r.Clone()
		row.Values[idColumn] = r.ID.String()
		out.Rows[i] = row
	}
	return out
}

// FormatValue renders a value as text. nil renders as the empty string.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if math.IsNaN(x) {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(DateLayout)
	default:
		return fmt.Sprint(x)
	}
}

// Date returns the calendar date of t as midnight UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
