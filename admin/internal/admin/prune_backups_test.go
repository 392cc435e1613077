package admin

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/warehouse/pkg/warehouse"
	laketesting "github.com/kkwann/midoproject2/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type fakeBackupStore struct {
	tables  map[string][]warehouse.TableInfo
	dropped []string
	dropErr error
}

func (f *fakeBackupStore) ListTables(_ context.Context, group, prefix string) ([]warehouse.TableInfo, error) {
	var out []warehouse.TableInfo
	for _, t := range f.tables[group] {
		if strings.HasPrefix(t.Name, prefix) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeBackupStore) Drop(_ context.Context, ref dataset.TableRef) error {
	if f.dropErr != nil {
		return f.dropErr
	}
	f.dropped = append(f.dropped, ref.String())
	return nil
}

func newBackupStore() *fakeBackupStore {
	return &fakeBackupStore{tables: map[string][]warehouse.TableInfo{
		"list_up_data_backup": {
			{Name: "list_up_budget_data_20240101_090000"},
			{Name: "list_up_budget_data_20240428_090000"},
			{Name: "list_up_edu_budget_data_20240301_120000"},
			{Name: "list_up_edu_budget_data_legacy", CreatedAt: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)},
			{Name: "unrelated_20200101_000000"},
		},
	}}
}

func pruneConfig(in string, out *bytes.Buffer) PruneBackupsConfig {
	return PruneBackupsConfig{
		KeepDays: 7,
		Tables:   []string{"list_up_budget_data", "list_up_edu_budget_data"},
		Now:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		In:       strings.NewReader(in),
		Out:      out,
	}
}

func TestAdmin_PruneBackups(t *testing.T) {
	t.Parallel()

	t.Run("drops stale backups after confirmation", func(t *testing.T) {
		t.Parallel()
		store := newBackupStore()
		var out bytes.Buffer
		n, err := PruneBackups(t.Context(), laketesting.NewLogger(), store, pruneConfig("yes\n", &out))
		require.NoError(t, err)
		require.Equal(t, 3, n)
		require.ElementsMatch(t, []string{
			"list_up_data_backup.list_up_budget_data_20240101_090000",
			"list_up_data_backup.list_up_edu_budget_data_20240301_120000",
			"list_up_data_backup.list_up_edu_budget_data_legacy",
		}, store.dropped)
	})

	t.Run("dry run drops nothing", func(t *testing.T) {
		t.Parallel()
		store := newBackupStore()
		var out bytes.Buffer
		cfg := pruneConfig("", &out)
		cfg.DryRun = true
		n, err := PruneBackups(t.Context(), laketesting.NewLogger(), store, cfg)
		require.NoError(t, err)
		require.Zero(t, n)
		require.Empty(t, store.dropped)
		require.Contains(t, out.String(), "[DRY RUN]")
		require.Contains(t, out.String(), "list_up_budget_data_20240101_090000")
		require.NotContains(t, out.String(), "20240428")
	})

	t.Run("declined confirmation", func(t *testing.T) {
		t.Parallel()
		store := newBackupStore()
		var out bytes.Buffer
		n, err := PruneBackups(t.Context(), laketesting.NewLogger(), store, pruneConfig("no\n", &out))
		require.NoError(t, err)
		require.Zero(t, n)
		require.Empty(t, store.dropped)
	})

	t.Run("skip confirm", func(t *testing.T) {
		t.Parallel()
		store := newBackupStore()
		var out bytes.Buffer
		cfg := pruneConfig("", &out)
		cfg.SkipConfirm = true
		cfg.Tables = []string{"list_up_budget_data"}
		n, err := PruneBackups(t.Context(), laketesting.NewLogger(), store, cfg)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("drop failure", func(t *testing.T) {
		t.Parallel()
		store := newBackupStore()
		store.dropErr = errors.New("boom")
		var out bytes.Buffer
		cfg := pruneConfig("", &out)
		cfg.SkipConfirm = true
		_, err := PruneBackups(t.Context(), laketesting.NewLogger(), store, cfg)
		require.ErrorContains(t, err, "boom")
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		cfg := pruneConfig("", &out)
		cfg.KeepDays = -1
		_, err := PruneBackups(t.Context(), laketesting.NewLogger(), newBackupStore(), cfg)
		require.ErrorContains(t, err, "keep-days")
	})
}

func TestAdmin_EditableTables(t *testing.T) {
	t.Parallel()

	reg, err := dataset.DefaultRegistry()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"list_up_budget_data", "list_up_edu_budget_data"}, EditableTables(reg))
}
