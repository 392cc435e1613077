package loader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	laketesting "github.com/kkwann/midoproject2/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

const testDefinitions = `
datasets:
  - key: users
    group: SERVICE_DATA
    table: users
    cache: forever
    columns:
      - {name: employeeNumber, type: number}
      - {name: employeeName, type: text}
    sort: [{column: employeeNumber}]
  - key: budget
    group: DATA_WAREHOUSE
    table: budget_data
    cache: 5m
    source: {mode: date_window, date_column: collection_Date, window_days: 0}
    columns:
      - {name: 자치단체명, type: text}
      - {name: 예산현액, type: number}
    sort: [{column: 자치단체명}]
  - key: broken
    group: DATA_MARTS
    table: broken
    cache: 1h
    columns:
      - {name: 없는열, type: text}
`

type rangeCall struct {
	ref        dataset.TableRef
	column     string
	start, end time.Time
}

type fakeFetcher struct {
	mu         sync.Mutex
	fetchAll   map[string]int
	rangeCalls []rangeCall
	err        error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{fetchAll: make(map[string]int)}
}

func (f *fakeFetcher) FetchAll(_ context.Context, ref dataset.TableRef) (*dataset.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchAll[ref.Table]++
	if f.err != nil {
		return nil, f.err
	}
	ds := dataset.New(ref.String(), []dataset.Column{
		{Name: "employeeNumber", Type: dataset.TypeText},
		{Name: "employeeName", Type: dataset.TypeText},
	})
	ds.Append(map[string]any{"employeeNumber": "1002", "employeeName": "이영희"})
	ds.Append(map[string]any{"employeeNumber": "1001", "employeeName": "김철수"})
	return ds, nil
}

func (f *fakeFetcher) FetchByDateRange(_ context.Context, ref dataset.TableRef, column string, start, end time.Time) (*dataset.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeCalls = append(f.rangeCalls, rangeCall{ref: ref, column: column, start: start, end: end})
	if f.err != nil {
		return nil, f.err
	}
	ds := dataset.New(ref.String(), []dataset.Column{
		{Name: "자치단체명", Type: dataset.TypeText},
		{Name: "예산현액", Type: dataset.TypeText},
	})
	ds.Append(map[string]any{"자치단체명": "서울", "예산현액": "1,000"})
	return ds, nil
}

func newTestLoader(t *testing.T, clock clockwork.Clock, fetcher *fakeFetcher) *Loader {
	t.Helper()
	reg, err := dataset.ParseRegistry([]byte(testDefinitions))
	require.NoError(t, err)
	l, err := New(Config{
		Logger:    laketesting.NewLogger(),
		Registry:  reg,
		Warehouse: fetcher,
		Clock:     clock,
	})
	require.NoError(t, err)
	return l
}

func TestBudget_Loader_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: laketesting.NewLogger()})
	require.ErrorContains(t, err, "registry is required")
}

func TestBudget_Loader_Load(t *testing.T) {
	t.Parallel()

	t.Run("date window uses today in Seoul", func(t *testing.T) {
		t.Parallel()
		// 2024-05-01 16:30 UTC is already 2024-05-02 in Seoul.
		clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 16, 30, 0, 0, time.UTC))
		fetcher := newFakeFetcher()
		l := newTestLoader(t, clock, fetcher)

		ds, err := l.Load(t.Context(), "budget")
		require.NoError(t, err)
		require.Equal(t, 1000.0, ds.Rows[0].Get("예산현액"))

		want := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
		require.Len(t, fetcher.rangeCalls, 1)
		call := fetcher.rangeCalls[0]
		require.Equal(t, dataset.TableRef{Group: "DATA_WAREHOUSE", Table: "budget_data"}, call.ref)
		require.Equal(t, "collection_Date", call.column)
		require.Equal(t, want, call.start)
		require.Equal(t, want, call.end)
	})

	t.Run("ttl expiry refetches", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		fetcher := newFakeFetcher()
		l := newTestLoader(t, clock, fetcher)

		first, err := l.Load(t.Context(), "budget")
		require.NoError(t, err)
		clock.Advance(4 * time.Minute)
		second, err := l.Load(t.Context(), "budget")
		require.NoError(t, err)
		require.Same(t, first, second)
		require.Len(t, fetcher.rangeCalls, 1)

		clock.Advance(2 * time.Minute)
		_, err = l.Load(t.Context(), "budget")
		require.NoError(t, err)
		require.Len(t, fetcher.rangeCalls, 2)
	})

	t.Run("forever policy never refetches", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		fetcher := newFakeFetcher()
		l := newTestLoader(t, clock, fetcher)

		for i := 0; i < 3; i++ {
			ds, err := l.Load(t.Context(), "users")
			require.NoError(t, err)
			require.Equal(t, "김철수", ds.Rows[0].Get("employeeName"))
			clock.Advance(48 * time.Hour)
		}
		require.Equal(t, 1, fetcher.fetchAll["users"])
	})

	t.Run("rows get stable ids while cached", func(t *testing.T) {
		t.Parallel()
		l := newTestLoader(t, clockwork.NewFakeClock(), newFakeFetcher())
		a, err := l.Load(t.Context(), "users")
		require.NoError(t, err)
		b, err := l.Load(t.Context(), "users")
		require.NoError(t, err)
		require.NotEqual(t, a.Rows[0].ID, a.Rows[1].ID)
		require.Equal(t, a.Rows[0].ID, b.Rows[0].ID)
	})

	t.Run("failed fetch is not cached", func(t *testing.T) {
		t.Parallel()
		fetcher := newFakeFetcher()
		boom := errors.New("warehouse down")
		fetcher.err = boom
		l := newTestLoader(t, clockwork.NewFakeClock(), fetcher)

		_, err := l.Load(t.Context(), "users")
		require.ErrorIs(t, err, boom)

		fetcher.mu.Lock()
		fetcher.err = nil
		fetcher.mu.Unlock()
		_, err = l.Load(t.Context(), "users")
		require.NoError(t, err)
		require.Equal(t, 2, fetcher.fetchAll["users"])
	})

	t.Run("invalidate forces refetch", func(t *testing.T) {
		t.Parallel()
		fetcher := newFakeFetcher()
		l := newTestLoader(t, clockwork.NewFakeClock(), fetcher)
		_, err := l.Load(t.Context(), "users")
		require.NoError(t, err)
		l.Invalidate("users")
		_, err = l.Load(t.Context(), "users")
		require.NoError(t, err)
		require.Equal(t, 2, fetcher.fetchAll["users"])
	})

	t.Run("unknown dataset", func(t *testing.T) {
		t.Parallel()
		l := newTestLoader(t, clockwork.NewFakeClock(), newFakeFetcher())
		_, err := l.Load(t.Context(), "nope")
		require.ErrorIs(t, err, dataset.ErrUnknownDataset)
	})
}

func TestBudget_Loader_Warm(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	l := newTestLoader(t, clockwork.NewFakeClock(), fetcher)
	require.False(t, l.Ready())

	// The broken definition fails normalization but does not block readiness.
	l.Warm(t.Context())
	require.True(t, l.Ready())
	require.Equal(t, 1, fetcher.fetchAll["users"])
	require.Equal(t, 1, fetcher.fetchAll["broken"])
	require.Len(t, fetcher.rangeCalls, 1)
}
