package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/budget/pkg/session"
	"github.com/kkwann/midoproject2/utils/pkg/retry"
	laketesting "github.com/kkwann/midoproject2/utils/pkg/testing"
	"github.com/kkwann/midoproject2/warehouse/pkg/warehouse"
	"github.com/stretchr/testify/require"
)

type fakeAppender struct {
	mu       sync.Mutex
	ref      dataset.TableRef
	rows     []dataset.Row
	failures int
	err      error
	calls    int
	// block, when set, holds every Append until it is closed.
	block chan struct{}
}

func (f *fakeAppender) Append(ctx context.Context, ref dataset.TableRef, ds *dataset.Dataset) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.ref = ref
	f.rows = append(f.rows, ds.Rows...)
	return nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func seoul(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return loc
}

func TestBudget_Audit_WarehouseSink(t *testing.T) {
	t.Parallel()

	app := &fakeAppender{}
	sink := NewWarehouseSink(app, DefaultTable, seoul(t))

	err := sink.Write(t.Context(), Entry{
		Username:  "김철수",
		Action:    "login",
		Timestamp: time.Date(2024, 5, 1, 15, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, DefaultTable, app.ref)
	require.Len(t, app.rows, 1)
	require.Equal(t, map[string]any{
		"username":  "김철수",
		"timestamp": "2024-05-02 00:30:00",
		"action":    "login",
	}, app.rows[0].Values)
}

func TestBudget_Audit_Recorder(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	sess := &session.Session{Username: "이영희"}

	newRecorder := func(t *testing.T, app *fakeAppender, queueSize int) *Recorder {
		r, err := NewRecorder(Config{
			Logger:    laketesting.NewLogger(),
			Sink:      NewWarehouseSink(app, DefaultTable, time.UTC),
			Clock:     clock,
			Retry:     fastRetry(),
			QueueSize: queueSize,
		})
		require.NoError(t, err)
		return r
	}
	drain := func(t *testing.T, r *Recorder) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, r.Close(ctx))
	}

	t.Run("records", func(t *testing.T) {
		t.Parallel()
		app := &fakeAppender{}
		r := newRecorder(t, app, 0)
		r.Record(t.Context(), sess, "viewed 오늘의 예산")
		drain(t, r)
		require.Len(t, app.rows, 1)
		require.Equal(t, "이영희", app.rows[0].Get("username"))
		require.Equal(t, "2024-05-01 00:00:00", app.rows[0].Get("timestamp"))
		require.Equal(t, "viewed 오늘의 예산", app.rows[0].Get("action"))
	})

	t.Run("retries unavailable warehouse", func(t *testing.T) {
		t.Parallel()
		app := &fakeAppender{failures: 2, err: fmt.Errorf("%w: dial", warehouse.ErrWarehouseUnavailable)}
		r := newRecorder(t, app, 0)
		r.Record(t.Context(), sess, "login")
		drain(t, r)
		require.Equal(t, 3, app.calls)
		require.Len(t, app.rows, 1)
	})

	t.Run("gives up without surfacing the error", func(t *testing.T) {
		t.Parallel()
		app := &fakeAppender{failures: 10, err: fmt.Errorf("%w: dial", warehouse.ErrWarehouseUnavailable)}
		r := newRecorder(t, app, 0)
		r.Record(t.Context(), sess, "login")
		drain(t, r)
		require.Equal(t, 3, app.calls)
		require.Empty(t, app.rows)
	})

	t.Run("does not retry schema errors", func(t *testing.T) {
		t.Parallel()
		app := &fakeAppender{failures: 10, err: fmt.Errorf("%w: bad column", warehouse.ErrSchemaMismatch)}
		r := newRecorder(t, app, 0)
		r.Record(t.Context(), sess, "login")
		drain(t, r)
		require.Equal(t, 1, app.calls)
	})

	t.Run("survives canceled request context", func(t *testing.T) {
		t.Parallel()
		app := &fakeAppender{}
		r := newRecorder(t, app, 0)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		r.Record(ctx, sess, "logout")
		drain(t, r)
		require.Len(t, app.rows, 1)
	})

	t.Run("does not block on a stalled sink", func(t *testing.T) {
		t.Parallel()
		release := make(chan struct{})
		app := &fakeAppender{block: release}
		r := newRecorder(t, app, 2)

		start := time.Now()
		for range 5 {
			r.Record(t.Context(), sess, "login")
		}
		require.Less(t, time.Since(start), time.Second)

		close(release)
		drain(t, r)
		// One entry is held by the worker, two wait in the queue, two are dropped.
		require.GreaterOrEqual(t, len(app.rows), 2)
		require.LessOrEqual(t, len(app.rows), 3)
	})

	t.Run("close gives up when the sink stalls", func(t *testing.T) {
		t.Parallel()
		release := make(chan struct{})
		defer close(release)
		app := &fakeAppender{block: release}
		r := newRecorder(t, app, 0)
		r.Record(t.Context(), sess, "login")

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
	})

	t.Run("drops entries after close", func(t *testing.T) {
		t.Parallel()
		app := &fakeAppender{}
		r := newRecorder(t, app, 0)
		drain(t, r)
		r.Record(t.Context(), sess, "login")
		drain(t, r)
		require.Zero(t, app.calls)
	})

	t.Run("nil recorder and session", func(t *testing.T) {
		t.Parallel()
		var nilRecorder *Recorder
		nilRecorder.Record(t.Context(), sess, "login")
		require.NoError(t, nilRecorder.Close(t.Context()))

		app := &fakeAppender{}
		r := newRecorder(t, app, 0)
		r.Record(t.Context(), nil, "login")
		drain(t, r)
		require.Equal(t, "", app.rows[0].Get("username"))
	})

	t.Run("config validation", func(t *testing.T) {
		t.Parallel()
		_, err := NewRecorder(Config{Logger: laketesting.NewLogger()})
		require.ErrorContains(t, err, "sink is required")
		_, err = NewRecorder(Config{Sink: NewWarehouseSink(&fakeAppender{}, DefaultTable, nil)})
		require.ErrorContains(t, err, "logger is required")
	})
}
