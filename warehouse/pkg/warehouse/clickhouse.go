package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/budget/pkg/metrics"
	"github.com/kkwann/midoproject2/warehouse/pkg/clickhouse"
)

type Config struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	return nil
}

// ClickHouse implements Warehouse over a ClickHouse server, mapping each
// dataset group to a database.
type ClickHouse struct {
	log *slog.Logger
	cfg Config
}

var _ Warehouse = (*ClickHouse)(nil)

func NewClickHouse(cfg Config) (*ClickHouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &ClickHouse{log: cfg.Logger, cfg: cfg}, nil
}

func tableName(ref dataset.TableRef) string {
	return clickhouse.QuoteIdent(ref.Group) + "." + clickhouse.QuoteIdent(ref.Table)
}

func (w *ClickHouse) conn(ctx context.Context) (clickhouse.Connection, error) {
	conn, err := w.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWarehouseUnavailable, err)
	}
	return conn, nil
}

// observe records the outcome of op and classifies err.
func observe(op string, ref dataset.TableRef, start time.Time, err error) error {
	err = classify(op, ref, err)
	metrics.RecordWarehouseQuery(op, time.Since(start), err)
	return err
}

func (w *ClickHouse) FetchAll(ctx context.Context, ref dataset.TableRef) (ds *dataset.Dataset, err error) {
	start := time.Now()
	defer func() { err = observe("fetch", ref, start, err) }()

	return w.query(ctx, ref, fmt.Sprintf("SELECT * FROM %s", tableName(ref)))
}

func (w *ClickHouse) FetchByDateRange(ctx context.Context, ref dataset.TableRef, dateColumn string, startDate, endDate time.Time) (ds *dataset.Dataset, err error) {
	startDate, endDate = dataset.Date(startDate), dataset.Date(endDate)
	if startDate.After(endDate) {
		return nil, fmt.Errorf("%w: %s after %s", ErrInvalidDateRange,
			startDate.Format(dataset.DateLayout), endDate.Format(dataset.DateLayout))
	}

	start := time.Now()
	defer func() { err = observe("fetch_range", ref, start, err) }()

	query := fmt.Sprintf("SELECT * FROM %s WHERE toDate(%s) BETWEEN toDate(?) AND toDate(?)",
		tableName(ref), clickhouse.QuoteIdent(dateColumn))
	return w.query(ctx, ref, query,
		startDate.Format(dataset.DateLayout), endDate.Format(dataset.DateLayout))
}

func (w *ClickHouse) query(ctx context.Context, ref dataset.TableRef, query string, args ...any) (*dataset.Dataset, error) {
	conn, err := w.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ds, err := clickhouse.ScanDataset(rows, ref.String())
	if err != nil {
		return nil, err
	}
	w.log.Debug("warehouse: fetched rows", "table", ref.String(), "rows", ds.Len())
	return ds, nil
}

// ReplaceAll loads ds into a staging copy of the table and swaps it in with
// EXCHANGE TABLES. If the exchange itself fails the target may or may not
// hold the new rows.
func (w *ClickHouse) ReplaceAll(ctx context.Context, ref dataset.TableRef, ds *dataset.Dataset) (err error) {
	start := time.Now()
	defer func() { err = observe("replace", ref, start, err) }()

	conn, err := w.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := w.checkColumns(ctx, conn, ref, ds.Columns); err != nil {
		return err
	}

	staging := dataset.TableRef{
		Group: ref.Group,
		Table: fmt.Sprintf("%s_staging_%s", ref.Table, strings.ReplaceAll(uuid.NewString(), "-", "")[:12]),
	}
	if err := conn.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", tableName(staging), tableName(ref))); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}
	defer func() {
		// Best effort; after a successful exchange this holds the old rows.
		dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if dropErr := conn.Exec(dropCtx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tableName(staging))); dropErr != nil {
			w.log.Warn("warehouse: failed to drop staging table", "table", staging.String(), "error", dropErr)
		}
	}()

	if err := w.insert(ctx, conn, staging, ds); err != nil {
		return err
	}

	if err := conn.Exec(ctx, fmt.Sprintf("EXCHANGE TABLES %s AND %s", tableName(staging), tableName(ref))); err != nil {
		w.log.Error("warehouse: table exchange failed, target state unverified", "table", ref.String(), "error", err)
		return fmt.Errorf("failed to exchange staging table: %w", err)
	}

	w.log.Info("warehouse: replaced table", "table", ref.String(), "rows", ds.Len(), "duration", time.Since(start))
	return nil
}

func (w *ClickHouse) Append(ctx context.Context, ref dataset.TableRef, ds *dataset.Dataset) (err error) {
	start := time.Now()
	defer func() { err = observe("append", ref, start, err) }()

	conn, err := w.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return w.insert(ctx, conn, ref, ds)
}

func (w *ClickHouse) insert(ctx context.Context, conn clickhouse.Connection, ref dataset.TableRef, ds *dataset.Dataset) error {
	if ds.Len() == 0 {
		return nil
	}
	cols := make([]string, len(ds.Columns))
	for i, c := range ds.Columns {
		cols[i] = clickhouse.QuoteIdent(c.Name)
	}

	ctx = clickhouse.ContextWithSyncInsert(ctx)
	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", tableName(ref), strings.Join(cols, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	for i, row := range ds.Rows {
		if err := batch.Append(serializeRow(ds.Columns, row)...); err != nil {
			return fmt.Errorf("%w: row %d: %w", ErrSchemaMismatch, i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// checkColumns verifies every dataset column exists in the target table.
func (w *ClickHouse) checkColumns(ctx context.Context, conn clickhouse.Connection, ref dataset.TableRef, columns []dataset.Column) error {
	rows, err := conn.Query(ctx,
		"SELECT name FROM system.columns WHERE database = ? AND table = ?", ref.Group, ref.Table)
	if err != nil {
		return fmt.Errorf("failed to describe table: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan column name: %w", err)
		}
		existing[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to describe table: %w", err)
	}
	if len(existing) == 0 {
		return fmt.Errorf("%w: %s", ErrTableNotFound, ref)
	}

	var missing []string
	for _, c := range columns {
		if _, ok := existing[c.Name]; !ok {
			missing = append(missing, c.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s has no column %s", ErrSchemaMismatch, ref, strings.Join(missing, ", "))
	}
	return nil
}

func (w *ClickHouse) Copy(ctx context.Context, src, dst dataset.TableRef) (err error) {
	start := time.Now()
	defer func() { err = observe("copy", src, start, err) }()

	conn, err := w.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := clickhouse.CreateDatabase(ctx, w.log, conn, dst.Group); err != nil {
		return fmt.Errorf("failed to create backup database: %w", err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", tableName(dst), tableName(src))); err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if err := conn.Exec(clickhouse.ContextWithSyncInsert(ctx),
		fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", tableName(dst), tableName(src))); err != nil {
		return fmt.Errorf("failed to copy rows into %s: %w", dst, err)
	}
	w.log.Info("warehouse: copied table", "src", src.String(), "dst", dst.String())
	return nil
}

// TableInfo describes a table in a group.
type TableInfo struct {
	Name      string
	CreatedAt time.Time
	Rows      uint64
}

// ListTables returns the tables in group whose name starts with prefix.
func (w *ClickHouse) ListTables(ctx context.Context, group, prefix string) (tables []TableInfo, err error) {
	ref := dataset.TableRef{Group: group, Table: prefix + "*"}
	start := time.Now()
	defer func() { err = observe("list", ref, start, err) }()

	conn, err := w.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT name, metadata_modification_time, ifNull(total_rows, 0)
		FROM system.tables
		WHERE database = ? AND startsWith(name, ?)
		ORDER BY name
	`, group, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t TableInfo
		if err := rows.Scan(&t.Name, &t.CreatedAt, &t.Rows); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (w *ClickHouse) Drop(ctx context.Context, ref dataset.TableRef) (err error) {
	start := time.Now()
	defer func() { err = observe("drop", ref, start, err) }()

	conn, err := w.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tableName(ref)))
}
