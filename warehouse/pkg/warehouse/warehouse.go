package warehouse

import (
	"context"
	"strings"
	"time"

	"github.com/kkwann/midoproject2/budget/pkg/dataset"
)

// Warehouse reads and writes whole tables addressed by (group, table).
type Warehouse interface {
	// FetchAll returns every row of the table.
	FetchAll(ctx context.Context, ref dataset.TableRef) (*dataset.Dataset, error)
	// FetchByDateRange returns rows whose dateColumn falls within
	// [start, end], compared as calendar dates.
	FetchByDateRange(ctx context.Context, ref dataset.TableRef, dateColumn string, start, end time.Time) (*dataset.Dataset, error)
	// ReplaceAll replaces the table contents with ds.
	ReplaceAll(ctx context.Context, ref dataset.TableRef, ds *dataset.Dataset) error
	// Append inserts ds without touching existing rows.
	Append(ctx context.Context, ref dataset.TableRef, ds *dataset.Dataset) error
	// Copy creates dst with src's structure and copies every row.
	Copy(ctx context.Context, src, dst dataset.TableRef) error
}

// SerializeValue renders a non-bool column value for storage. nil and the
// textual missing markers "None" and "nan" become the empty string.
func SerializeValue(v any) string {
	s := dataset.FormatValue(v)
	switch strings.TrimSpace(s) {
	case "None", "nan", "NaN":
		return ""
	}
	return s
}

// serializeRow orders a row's values by columns. Bool columns stay bool
// with nil stored as false; every other column is written as text.
func serializeRow(columns []dataset.Column, row dataset.Row) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		v := row.Values[c.Name]
		if c.Type == dataset.TypeBool {
			b, _ := v.(bool)
			out[i] = b
			continue
		}
		out[i] = SerializeValue(v)
	}
	return out
}
