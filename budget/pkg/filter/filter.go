package filter

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"golang.org/x/text/cases"
)

var (
	ErrInvalidRange  = errors.New("invalid range")
	ErrUnknownColumn = dataset.ErrUnknownColumn
)

// Range is an inclusive numeric interval.
type Range struct {
	Lo float64
	Hi float64
}

// Spec selects rows by one column. Range applies to number columns and
// Term to every other type; a nil Range or empty Term keeps every row.
type Spec struct {
	Column string
	Range  *Range
	Term   string
}

type Result struct {
	Dataset    *dataset.Dataset
	MatchCount int
}

// Apply returns the rows of ds matching spec, in their original order.
// ds is never modified; an unfiltered result shares its rows.
func Apply(ds *dataset.Dataset, spec Spec) (Result, error) {
	col, ok := ds.Column(spec.Column)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownColumn, spec.Column)
	}

	var keep func(v any) bool
	if col.Type == dataset.TypeNumber {
		if spec.Range == nil {
			return unfiltered(ds), nil
		}
		r := *spec.Range
		if math.IsNaN(r.Lo) || math.IsNaN(r.Hi) || r.Lo > r.Hi {
			return Result{}, fmt.Errorf("%w: %v > %v", ErrInvalidRange, r.Lo, r.Hi)
		}
		keep = func(v any) bool {
			f, ok := v.(float64)
			return ok && f >= r.Lo && f <= r.Hi
		}
	} else {
		if spec.Term == "" {
			return unfiltered(ds), nil
		}
		folder := cases.Fold()
		needle := folder.String(spec.Term)
		keep = func(v any) bool {
			if v == nil {
				return false
			}
			return strings.Contains(folder.String(dataset.FormatValue(v)), needle)
		}
	}

	rows := make([]dataset.Row, 0)
	for _, r := range ds.Rows {
		if keep(r.Values[col.Name]) {
			rows = append(rows, r)
		}
	}
	return Result{Dataset: ds.WithRows(rows), MatchCount: len(rows)}, nil
}

func unfiltered(ds *dataset.Dataset) Result {
	return Result{Dataset: ds, MatchCount: ds.Len()}
}

// Bounds returns slider bounds for a number column: (min, max) when they
// differ, (0, 0) when every value is nil, and for a constant column c the
// pair (0, c) when c >= 0 or (c, c) when c < 0.
func Bounds(ds *dataset.Dataset, column string) (lo, hi float64, err error) {
	col, ok := ds.Column(column)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownColumn, column)
	}
	if col.Type != dataset.TypeNumber {
		return 0, 0, fmt.Errorf("%w: %s is not a number column", ErrUnknownColumn, column)
	}

	seen := false
	for _, r := range ds.Rows {
		f, ok := r.Values[column].(float64)
		if !ok {
			continue
		}
		if !seen {
			lo, hi, seen = f, f, true
			continue
		}
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}

	switch {
	case !seen:
		return 0, 0, nil
	case lo < hi:
		return lo, hi, nil
	case hi >= 0:
		return 0, hi, nil
	default:
		return hi, hi, nil
	}
}
