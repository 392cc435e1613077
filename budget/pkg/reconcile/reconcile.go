package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/budget/pkg/metrics"
	"github.com/kkwann/midoproject2/budget/pkg/normalize"
	"github.com/kkwann/midoproject2/budget/pkg/session"
)

const (
	DefaultBackupGroup = "list_up_data_backup"
	// BackupSuffixLayout timestamps backup table names.
	BackupSuffixLayout = "20060102_150405"
)

var (
	ErrUnknownRow  = errors.New("unknown row")
	ErrRowDeleted  = errors.New("row is deleted")
	ErrNotEditable = errors.New("dataset is not editable")
)

// Loader serves and invalidates canonical datasets.
type Loader interface {
	Load(ctx context.Context, key string) (*dataset.Dataset, error)
	Invalidate(key string)
}

// Writer is the write side of the warehouse.
type Writer interface {
	ReplaceAll(ctx context.Context, ref dataset.TableRef, ds *dataset.Dataset) error
	Copy(ctx context.Context, src, dst dataset.TableRef) error
}

// Auditor records user actions. *audit.Recorder satisfies it.
type Auditor interface {
	Record(ctx context.Context, sess *session.Session, action string)
}

type Config struct {
	Logger      *slog.Logger
	Registry    *dataset.Registry
	Loader      Loader
	Warehouse   Writer
	Audit       Auditor
	Clock       clockwork.Clock
	Location    *time.Location
	BackupGroup string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Loader == nil {
		return errors.New("loader is required")
	}
	if cfg.Warehouse == nil {
		return errors.New("warehouse is required")
	}
	if cfg.Audit == nil {
		return errors.New("audit is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation("Asia/Seoul")
		if err != nil {
			return fmt.Errorf("failed to load Asia/Seoul location: %w", err)
		}
		cfg.Location = loc
	}
	if cfg.BackupGroup == "" {
		cfg.BackupGroup = DefaultBackupGroup
	}
	return nil
}

// Edit sets column values on the row identified by ID.
type Edit struct {
	ID     uuid.UUID      `json:"id"`
	Values map[string]any `json:"values"`
}

// Service writes user uploads and grid edits back to editable datasets.
// Every write snapshots the current table, replaces it whole and drops the
// cached copy. Writes from this process are serialized; concurrent writers
// elsewhere are last-writer-wins.
type Service struct {
	log     *slog.Logger
	cfg     Config
	writeMu sync.Mutex
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Service) editable(sess *session.Session, key string) (*dataset.Definition, error) {
	if sess == nil || !sess.Authenticated {
		return nil, session.ErrNotAuthenticated
	}
	def, err := s.cfg.Registry.Get(key)
	if err != nil {
		return nil, err
	}
	if !def.Editable {
		return nil, fmt.Errorf("%w: %s", ErrNotEditable, key)
	}
	return def, nil
}

// UploadReplace replaces the whole dataset with an uploaded table. The
// upload must carry every view column except the soft-delete flag, which
// defaults to false.
func (s *Service) UploadReplace(ctx context.Context, sess *session.Session, key string, upload *dataset.Dataset) (*dataset.Dataset, error) {
	def, err := s.editable(sess, key)
	if err != nil {
		return nil, err
	}

	upload = upload.Clone()
	if def.DeletedColumn != "" {
		if _, ok := upload.Column(def.DeletedColumn); !ok {
			upload.Columns = append(upload.Columns, dataset.Column{Name: def.DeletedColumn, Type: dataset.TypeBool})
		}
	}
	// Ids are resolved in file order, before any sorting.
	resolveIDs(upload, def.IDColumn)
	ds, err := normalize.Apply(upload, def, normalize.Options{})
	if err != nil {
		return nil, err
	}
	if def.DeletedColumn != "" {
		for _, r := range ds.Rows {
			if r.Values[def.DeletedColumn] == nil {
				r.Values[def.DeletedColumn] = false
			}
		}
	}
	normalize.SortRows(ds.Rows, def.GroupSortKeys())

	err = s.persist(ctx, def, ds)
	metrics.RecordDatasetWrite(key, "upload", err)
	if err != nil {
		return nil, err
	}
	s.log.Info("reconcile: upload replaced dataset", "dataset", key, "rows", ds.Len(), "username", sess.Username)
	s.cfg.Audit.Record(ctx, sess, fmt.Sprintf("save list %s csv uploaded", def.Title))
	return ds, nil
}

// MergeEdits applies edits to the canonical dataset and persists all of
// it, soft-deleted rows included. Edits are validated before anything is
// written; an empty edit list writes nothing.
func (s *Service) MergeEdits(ctx context.Context, sess *session.Session, key string, edits []Edit) (*dataset.Dataset, error) {
	def, err := s.editable(sess, key)
	if err != nil {
		return nil, err
	}

	canonical, err := s.cfg.Loader.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(edits) == 0 {
		return canonical, nil
	}

	ds := canonical.Clone()
	index := make(map[uuid.UUID]int, len(ds.Rows))
	for i, r := range ds.Rows {
		index[r.ID] = i
	}
	for _, e := range edits {
		i, ok := index[e.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRow, e.ID)
		}
		row := ds.Rows[i]
		if isDeleted(row, def) {
			return nil, fmt.Errorf("%w: %s", ErrRowDeleted, e.ID)
		}
		for name, v := range e.Values {
			col, ok := def.Column(name)
			if !ok {
				return nil, fmt.Errorf("%w: %s", dataset.ErrUnknownColumn, name)
			}
			row.Values[name] = normalize.Coerce(col.Type, v)
		}
	}

	err = s.persist(ctx, def, ds)
	metrics.RecordDatasetWrite(key, "edit", err)
	if err != nil {
		return nil, err
	}
	s.log.Info("reconcile: merged edits", "dataset", key, "edits", len(edits), "rows", ds.Len(), "username", sess.Username)
	s.cfg.Audit.Record(ctx, sess, fmt.Sprintf("save list %s", def.Title))
	return ds, nil
}

// persist backs up the current table, replaces it with ds and invalidates
// the cached copy. A failed backup aborts the write.
func (s *Service) persist(ctx context.Context, def *dataset.Definition, ds *dataset.Dataset) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	backup := BackupRef(s.cfg.BackupGroup, def.Table, s.cfg.Clock.Now().In(s.cfg.Location))
	if err := s.cfg.Warehouse.Copy(ctx, def.Ref(), backup); err != nil {
		s.log.Error("reconcile: failed to back up table", "dataset", def.Key, "backup", backup.String(), "error", err)
		return fmt.Errorf("failed to back up %s: %w", def.Ref(), err)
	}
	s.log.Debug("reconcile: backed up table", "dataset", def.Key, "backup", backup.String())

	if err := s.cfg.Warehouse.ReplaceAll(ctx, def.Ref(), ds.WithIDColumn(def.IDColumn)); err != nil {
		s.log.Error("reconcile: failed to replace table", "dataset", def.Key, "error", err)
		return fmt.Errorf("failed to replace %s: %w", def.Ref(), err)
	}
	s.cfg.Loader.Invalidate(def.Key)
	return nil
}

// BackupRef names the snapshot of table taken at t.
func BackupRef(group, table string, t time.Time) dataset.TableRef {
	return dataset.TableRef{Group: group, Table: table + "_" + t.Format(BackupSuffixLayout)}
}

// EditableView returns the rows whose soft-delete flag is not true.
func EditableView(ds *dataset.Dataset, def *dataset.Definition) *dataset.Dataset {
	if def.DeletedColumn == "" {
		return ds
	}
	rows := make([]dataset.Row, 0, len(ds.Rows))
	for _, r := range ds.Rows {
		if !isDeleted(r, def) {
			rows = append(rows, r)
		}
	}
	return ds.WithRows(rows)
}

func isDeleted(r dataset.Row, def *dataset.Definition) bool {
	if def.DeletedColumn == "" {
		return false
	}
	deleted, _ := r.Values[def.DeletedColumn].(bool)
	return deleted
}

// resolveIDs reads each row's stored id and gives repeated or missing ids a
// fresh identifier. The first row carrying an id keeps it.
func resolveIDs(ds *dataset.Dataset, idColumn string) {
	seen := make(map[uuid.UUID]struct{}, len(ds.Rows))
	for i := range ds.Rows {
		id := normalize.RowID(ds.Rows[i], idColumn)
		if _, dup := seen[id]; dup || id == uuid.Nil {
			id = uuid.New()
		}
		ds.Rows[i].ID = id
		seen[id] = struct{}{}
	}
}
