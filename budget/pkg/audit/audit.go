package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/budget/pkg/metrics"
	"github.com/kkwann/midoproject2/budget/pkg/session"
	"github.com/kkwann/midoproject2/utils/pkg/retry"
	"github.com/kkwann/midoproject2/warehouse/pkg/warehouse"
)

// TimestampLayout is how entries are stamped in the logs table.
const TimestampLayout = "2006-01-02 15:04:05"

// DefaultTable is where entries land unless configured otherwise.
var DefaultTable = dataset.TableRef{Group: "SERVICE_DATA", Table: "logs"}

type Entry struct {
	Username  string
	Action    string
	Timestamp time.Time
}

// Sink stores audit entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Appender is the write side of the warehouse used by WarehouseSink.
type Appender interface {
	Append(ctx context.Context, ref dataset.TableRef, ds *dataset.Dataset) error
}

// WarehouseSink appends one row per entry to the logs table.
type WarehouseSink struct {
	w     Appender
	table dataset.TableRef
	loc   *time.Location
}

func NewWarehouseSink(w Appender, table dataset.TableRef, loc *time.Location) *WarehouseSink {
	if loc == nil {
		loc = time.UTC
	}
	return &WarehouseSink{w: w, table: table, loc: loc}
}

var logColumns = []dataset.Column{
	{Name: "username", Type: dataset.TypeText},
	{Name: "timestamp", Type: dataset.TypeText},
	{Name: "action", Type: dataset.TypeText},
}

func (s *WarehouseSink) Write(ctx context.Context, e Entry) error {
	ds := dataset.New(s.table.Table, logColumns)
	ds.Append(map[string]any{
		"username":  e.Username,
		"timestamp": e.Timestamp.In(s.loc).Format(TimestampLayout),
		"action":    e.Action,
	})
	return s.w.Append(ctx, s.table, ds)
}

type Config struct {
	Logger *slog.Logger
	Sink   Sink
	Clock  clockwork.Clock
	Retry  retry.Config
	// Timeout bounds one write including retries.
	Timeout time.Duration
	// QueueSize is how many entries may wait for the worker. Entries
	// recorded while the queue is full are dropped.
	QueueSize int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Sink == nil {
		return errors.New("sink is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = func(err error) bool {
			return errors.Is(err, warehouse.ErrWarehouseUnavailable) || retry.IsRetryable(err)
		}
	}
	return nil
}

// Recorder queues audit entries for user actions and writes them from a
// background worker. Failures are retried, then logged and counted; they
// never reach the caller.
type Recorder struct {
	log *slog.Logger
	cfg Config

	queue chan Entry
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts the write worker. Close stops it.
func NewRecorder(cfg Config) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	r := &Recorder{
		log:   cfg.Logger,
		cfg:   cfg,
		queue: make(chan Entry, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Record stamps action with the current time and the session's username
// and queues it. It never blocks on the sink.
func (r *Recorder) Record(_ context.Context, sess *session.Session, action string) {
	if r == nil {
		return
	}
	e := Entry{Action: action, Timestamp: r.cfg.Clock.Now()}
	if sess != nil {
		e.Username = sess.Username
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.log.Warn("audit: recorder closed, dropping action", "username", e.Username, "action", action)
		metrics.RecordAuditDropped()
		return
	}
	select {
	case r.queue <- e:
	default:
		r.log.Warn("audit: queue full, dropping action", "username", e.Username, "action", action)
		metrics.RecordAuditDropped()
	}
}

// Close stops accepting entries and waits until the queued ones are
// written or ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain audit queue: %w", ctx.Err())
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		r.write(e)
	}
}

func (r *Recorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	retryCfg := r.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error) {
		r.log.Debug("audit: retrying write", "attempt", attempt, "action", e.Action, "error", err)
	}
	err := retry.Do(ctx, retryCfg, func() error {
		return r.cfg.Sink.Write(ctx, e)
	})
	metrics.RecordAudit(err)
	if err != nil {
		r.log.Error("audit: failed to record action", "username", e.Username, "action", e.Action, "error", err)
		return
	}
	r.log.Debug("audit: recorded action", "username", e.Username, "action", e.Action)
}
