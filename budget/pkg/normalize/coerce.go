package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
)

// dateLayouts are tried in order when parsing date text.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006/01/02",
	"2006.01.02",
	"2006. 1. 2.",
	"2006. 1. 2",
	"20060102",
}

// isMissing reports whether s is one of the textual spellings of a missing value.
func isMissing(s string) bool {
	switch strings.ToLower(s) {
	case "", "none", "nan", "nat", "null":
		return true
	}
	return false
}

// Coerce converts v to the canonical Go kind for typ. It never fails;
// values that cannot be interpreted become nil.
func Coerce(typ dataset.ColumnType, v any) any {
	switch typ {
	case dataset.TypeNumber:
		return coerceNumber(v)
	case dataset.TypeDate:
		return coerceDate(v)
	case dataset.TypeBool:
		return coerceBool(v)
	default:
		return coerceText(v)
	}
}

func coerceNumber(v any) any {
	var f float64
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(x, ",", ""))
		if isMissing(s) {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func coerceDate(v any) any {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return nil
		}
		return dataset.Date(x)
	case string:
		s := strings.TrimSpace(x)
		if isMissing(s) {
			return nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return dataset.Date(t)
			}
		}
		return nil
	default:
		return nil
	}
}

func coerceBool(v any) any {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		s := strings.TrimSpace(x)
		if isMissing(s) {
			return nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil
		}
		return b
	case nil:
		return nil
	default:
		if f, ok := coerceNumber(x).(float64); ok {
			return f != 0
		}
		return nil
	}
}

func coerceText(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case uuid.UUID:
		return x.String()
	case time.Time:
		return x.Format(dataset.DateLayout)
	case float64, bool:
		return dataset.FormatValue(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
