package clickhouse

import (
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
)

// scanTarget pairs a pointer handed to rows.Scan with a reader that turns
// the scanned value into a dataset value.
type scanTarget struct {
	ptr  any
	read func() any
}

func newTarget[T any](nullable bool, conv func(T) any) scanTarget {
	if nullable {
		var p *T
		return scanTarget{ptr: &p, read: func() any {
			if p == nil {
				return nil
			}
			return conv(*p)
		}}
	}
	var v T
	return scanTarget{ptr: &v, read: func() any { return conv(v) }}
}

func toFloat[T int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64](v T) any {
	return float64(v)
}

func asIs[T any](v T) any { return v }

// baseType strips LowCardinality and Nullable wrappers from a ClickHouse
// type name and reports whether the column is nullable.
func baseType(dbType string) (string, bool) {
	t := dbType
	if strings.HasPrefix(t, "LowCardinality(") {
		t = strings.TrimSuffix(strings.TrimPrefix(t, "LowCardinality("), ")")
	}
	nullable := strings.HasPrefix(t, "Nullable(")
	if nullable {
		t = strings.TrimSuffix(strings.TrimPrefix(t, "Nullable("), ")")
	}
	return t, nullable
}

// ColumnType maps a ClickHouse type name onto a dataset column type.
func ColumnType(dbType string) dataset.ColumnType {
	t, _ := baseType(dbType)
	switch {
	case t == "Bool":
		return dataset.TypeBool
	case strings.HasPrefix(t, "Date"):
		return dataset.TypeDate
	case strings.HasPrefix(t, "Int"), strings.HasPrefix(t, "UInt"), strings.HasPrefix(t, "Float"):
		return dataset.TypeNumber
	default:
		return dataset.TypeText
	}
}

func newScanTarget(dbType string) scanTarget {
	t, nullable := baseType(dbType)
	switch {
	case t == "Bool":
		return newTarget(nullable, asIs[bool])
	case strings.HasPrefix(t, "Date"):
		return newTarget(nullable, asIs[time.Time])
	case t == "UUID":
		return newTarget(nullable, func(v uuid.UUID) any { return v.String() })
	case t == "Int8":
		return newTarget(nullable, toFloat[int8])
	case t == "Int16":
		return newTarget(nullable, toFloat[int16])
	case t == "Int32":
		return newTarget(nullable, toFloat[int32])
	case t == "Int64":
		return newTarget(nullable, toFloat[int64])
	case t == "UInt8":
		return newTarget(nullable, toFloat[uint8])
	case t == "UInt16":
		return newTarget(nullable, toFloat[uint16])
	case t == "UInt32":
		return newTarget(nullable, toFloat[uint32])
	case t == "UInt64":
		return newTarget(nullable, toFloat[uint64])
	case t == "Float32":
		return newTarget(nullable, toFloat[float32])
	case t == "Float64":
		return newTarget(nullable, toFloat[float64])
	default:
		return newTarget(nullable, asIs[string])
	}
}

// ScanDataset reads every row of rows into a dataset keyed by key. Column
// type tags reflect the warehouse types; normalization re-types them.
func ScanDataset(rows driver.Rows, key string) (*dataset.Dataset, error) {
	columnTypes := rows.ColumnTypes()
	columns := make([]dataset.Column, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = dataset.Column{Name: ct.Name(), Type: ColumnType(ct.DatabaseTypeName())}
	}
	ds := dataset.New(key, columns)

	for rows.Next() {
		targets := make([]scanTarget, len(columnTypes))
		ptrs := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			targets[i] = newScanTarget(ct.DatabaseTypeName())
			ptrs[i] = targets[i].ptr
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		values := make(map[string]any, len(columns))
		for i, c := range columns {
			values[c.Name] = targets[i].read()
		}
		ds.Append(values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return ds, nil
}
