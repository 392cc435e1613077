package warehouse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/stretchr/testify/require"
)

func createListUpTable(t *testing.T, w *ClickHouse, ref dataset.TableRef) {
	t.Helper()
	conn, err := w.cfg.ClickHouse.Conn(t.Context())
	require.NoError(t, err)
	err = conn.Exec(t.Context(), fmt.Sprintf(`
		CREATE TABLE %s (
			row_id String,
			`+"`지역명`"+` String,
			`+"`예산현액`"+` String,
			`+"`삭제`"+` Bool DEFAULT false
		) ENGINE = MergeTree ORDER BY tuple()
	`, tableName(ref)))
	require.NoError(t, err)
}

func listUpDataset(rows ...[]any) *dataset.Dataset {
	ds := dataset.New("list_up_budget", []dataset.Column{
		{Name: "지역명", Type: dataset.TypeText},
		{Name: "예산현액", Type: dataset.TypeNumber},
		{Name: "삭제", Type: dataset.TypeBool},
	})
	for _, r := range rows {
		ds.Rows = append(ds.Rows, dataset.Row{
			ID:     uuid.New(),
			Values: map[string]any{"지역명": r[0], "예산현액": r[1], "삭제": r[2]},
		})
	}
	return ds
}

func TestWarehouse_ClickHouse_ReplaceAll(t *testing.T) {
	t.Parallel()
	w, info := testWarehouse(t)
	ctx := t.Context()
	ref := dataset.TableRef{Group: info.Database, Table: "list_up_budget_data"}
	createListUpTable(t, w, ref)

	first := listUpDataset(
		[]any{"서울", 1500.0, false},
		[]any{"부산", nil, true},
	)
	require.NoError(t, w.ReplaceAll(ctx, ref, first.WithIDColumn("row_id")))

	got, err := w.FetchAll(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, 2, got.Len())
	byRegion := map[any]dataset.Row{}
	for _, r := range got.Rows {
		byRegion[r.Get("지역명")] = r
	}
	require.Equal(t, "1500", byRegion["서울"].Get("예산현액"))
	require.Equal(t, "", byRegion["부산"].Get("예산현액"))
	require.Equal(t, true, byRegion["부산"].Get("삭제"))
	require.Equal(t, first.Rows[0].ID.String(), byRegion["서울"].Get("row_id"))

	t.Run("replaces rather than appends", func(t *testing.T) {
		second := listUpDataset([]any{"대구", 10.0, false})
		require.NoError(t, w.ReplaceAll(ctx, ref, second.WithIDColumn("row_id")))
		got, err := w.FetchAll(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, 1, got.Len())
		require.Equal(t, "대구", got.Rows[0].Get("지역명"))
	})

	t.Run("unknown column is a schema mismatch and leaves table intact", func(t *testing.T) {
		bad := listUpDataset([]any{"광주", 1.0, false})
		bad.Columns = append(bad.Columns, dataset.Column{Name: "없는열", Type: dataset.TypeText})
		err := w.ReplaceAll(ctx, ref, bad)
		require.ErrorIs(t, err, ErrSchemaMismatch)

		got, err := w.FetchAll(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, 1, got.Len())
		require.Equal(t, "대구", got.Rows[0].Get("지역명"))
	})

	t.Run("missing table", func(t *testing.T) {
		err := w.ReplaceAll(ctx, dataset.TableRef{Group: info.Database, Table: "nope"}, listUpDataset())
		require.ErrorIs(t, err, ErrTableNotFound)
	})

	t.Run("no staging tables left behind", func(t *testing.T) {
		tables, err := w.ListTables(ctx, info.Database, "list_up_budget_data_staging_")
		require.NoError(t, err)
		require.Empty(t, tables)
	})
}

func TestWarehouse_ClickHouse_FetchByDateRange(t *testing.T) {
	t.Parallel()
	w, info := testWarehouse(t)
	ctx := t.Context()
	ref := dataset.TableRef{Group: info.Database, Table: "budget_data"}

	conn, err := w.cfg.ClickHouse.Conn(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE %s (`+"`자치단체명`"+` String, `+"`예산현액`"+` String, collection_Date Date)
		ENGINE = MergeTree ORDER BY collection_Date
	`, tableName(ref))))
	require.NoError(t, conn.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s VALUES ('서울', '1,000', '2024-04-30'), ('부산', '2,000', '2024-05-01'), ('대구', '3,000', '2024-05-02')
	`, tableName(ref))))

	day := func(d int) time.Time { return time.Date(2024, 5, d, 15, 0, 0, 0, time.UTC) }

	got, err := w.FetchByDateRange(ctx, ref, "collection_Date", day(1), day(1))
	require.NoError(t, err)
	require.Equal(t, 1, got.Len())
	require.Equal(t, "부산", got.Rows[0].Get("자치단체명"))
	col, ok := got.Column("collection_Date")
	require.True(t, ok)
	require.Equal(t, dataset.TypeDate, col.Type)

	got, err = w.FetchByDateRange(ctx, ref, "collection_Date", day(1), day(2))
	require.NoError(t, err)
	require.Equal(t, 2, got.Len())

	_, err = w.FetchByDateRange(ctx, ref, "collection_Date", day(2), day(1))
	require.ErrorIs(t, err, ErrInvalidDateRange)

	_, err = w.FetchAll(ctx, dataset.TableRef{Group: info.Database, Table: "missing"})
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestWarehouse_ClickHouse_CopyAndAppend(t *testing.T) {
	t.Parallel()
	w, info := testWarehouse(t)
	ctx := t.Context()
	ref := dataset.TableRef{Group: info.Database, Table: "list_up_budget_data"}
	createListUpTable(t, w, ref)

	require.NoError(t, w.Append(ctx, ref, listUpDataset([]any{"서울", 1.0, false}).WithIDColumn("row_id")))
	require.NoError(t, w.Append(ctx, ref, listUpDataset([]any{"부산", 2.0, true}).WithIDColumn("row_id")))

	backupGroup := info.Database + "_backup"
	t.Cleanup(func() {
		conn, err := w.cfg.ClickHouse.Conn(context.Background())
		if err == nil {
			_ = conn.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", backupGroup))
		}
	})
	dst := dataset.TableRef{Group: backupGroup, Table: "list_up_budget_data_20240501_120000"}
	require.NoError(t, w.Copy(ctx, ref, dst))

	got, err := w.FetchAll(ctx, dst)
	require.NoError(t, err)
	require.Equal(t, 2, got.Len())

	tables, err := w.ListTables(ctx, backupGroup, "list_up_budget_data_")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, dst.Table, tables[0].Name)

	require.NoError(t, w.Drop(ctx, dst))
	tables, err = w.ListTables(ctx, backupGroup, "list_up_budget_data_")
	require.NoError(t, err)
	require.Empty(t, tables)
}
