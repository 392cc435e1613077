package normalize

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
)

var ErrMissingColumn = errors.New("missing column")

// RegionLookup resolves coordinates for a province/city pair.
type RegionLookup interface {
	Lookup(province, city string) (lat, long float64, ok bool)
}

type Options struct {
	// Regions is optional; without it region coordinates stay nil.
	Regions RegionLookup
	// Now anchors the recency window. Zero disables the window.
	Now time.Time
}

// Apply coerces, derives, projects and sorts raw into the shape described
// by def. The input is not modified.
func Apply(raw *dataset.Dataset, def *dataset.Definition, opts Options) (*dataset.Dataset, error) {
	derived := derivedColumns(def)
	available := make(map[string]struct{}, len(raw.Columns))
	for _, c := range raw.Columns {
		available[c.Name] = struct{}{}
	}
	for _, c := range def.Columns {
		if _, ok := available[c.Name]; ok {
			continue
		}
		if _, ok := derived[c.Name]; ok {
			continue
		}
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingColumn, def.Key, c.Name)
	}

	out := dataset.New(def.Key, append([]dataset.Column(nil), def.Columns...))
	out.Rows = make([]dataset.Row, 0, len(raw.Rows))
	for _, r := range raw.Rows {
		row := dataset.Row{ID: RowID(r, def.IDColumn), Values: make(map[string]any, len(def.Columns))}
		for _, c := range def.Columns {
			row.Values[c.Name] = Coerce(c.Type, r.Values[c.Name])
		}
		if def.Regions != nil {
			enrichRegion(row.Values, def.Regions, opts.Regions)
		}
		out.Rows = append(out.Rows, row)
	}

	SortRows(out.Rows, def.SortKeys)

	if def.Recency != nil && !opts.Now.IsZero() {
		out.Rows = applyRecency(out.Rows, def.Recency, opts.Now)
	}
	if def.KeywordRank != nil {
		rankByKeyword(out.Rows, def.KeywordRank)
	}
	return out, nil
}

func derivedColumns(def *dataset.Definition) map[string]struct{} {
	out := make(map[string]struct{})
	if r := def.Regions; r != nil {
		for _, c := range []string{r.ProvinceColumn, r.CityColumn, r.LatColumn, r.LongColumn} {
			out[c] = struct{}{}
		}
	}
	return out
}

// RowID keeps an identifier the row already carries, falling back to the
// stored id column.
func RowID(r dataset.Row, idColumn string) uuid.UUID {
	if r.ID != uuid.Nil || idColumn == "" {
		return r.ID
	}
	s, ok := coerceText(r.Values[idColumn]).(string)
	if !ok {
		return uuid.Nil
	}
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// SortRows stable-sorts rows by keys. nil values sort last regardless of
// direction.
func SortRows(rows []dataset.Row, keys []dataset.SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			a, b := rows[i].Values[k.Column], rows[j].Values[k.Column]
			switch {
			case a == nil && b == nil:
				continue
			case a == nil:
				return false
			case b == nil:
				return true
			}
			c := compare(a, b)
			if c == 0 {
				continue
			}
			if k.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compare(a, b any) int {
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(dataset.FormatValue(a), dataset.FormatValue(b))
}

func applyRecency(rows []dataset.Row, r *dataset.Recency, now time.Time) []dataset.Row {
	cutoff := dataset.Date(now).AddDate(0, 0, -r.Days)
	out := rows[:0:0]
	for _, row := range rows {
		t, ok := row.Values[r.Column].(time.Time)
		if ok && !t.Before(cutoff) {
			out = append(out, row)
		}
	}
	return out
}

func rankByKeyword(rows []dataset.Row, k *dataset.KeywordRank) {
	rank := func(row dataset.Row) int {
		s, _ := row.Values[k.Column].(string)
		for i, kw := range k.Keywords {
			if s != "" && strings.Contains(s, kw) {
				return i
			}
		}
		return len(k.Keywords)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rank(rows[i]) < rank(rows[j])
	})
}
