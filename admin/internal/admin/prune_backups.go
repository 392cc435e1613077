package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/budget/pkg/reconcile"
	"github.com/kkwann/midoproject2/warehouse/pkg/warehouse"
)

// BackupStore lists and drops backup tables. *warehouse.ClickHouse
// satisfies it.
type BackupStore interface {
	ListTables(ctx context.Context, group, prefix string) ([]warehouse.TableInfo, error)
	Drop(ctx context.Context, ref dataset.TableRef) error
}

type PruneBackupsConfig struct {
	Group    string
	KeepDays int
	// Tables are the source tables whose backups are considered.
	Tables      []string
	Now         time.Time
	Location    *time.Location
	DryRun      bool
	SkipConfirm bool
	In          io.Reader
	Out         io.Writer
}

func (cfg *PruneBackupsConfig) Validate() error {
	if cfg.KeepDays < 0 {
		return errors.New("keep-days must not be negative")
	}
	if len(cfg.Tables) == 0 {
		return errors.New("at least one table is required")
	}
	if cfg.Group == "" {
		cfg.Group = reconcile.DefaultBackupGroup
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}
	if cfg.In == nil {
		return errors.New("input is required")
	}
	if cfg.Out == nil {
		return errors.New("output is required")
	}
	return nil
}

// backupTime reads the timestamp suffix of a backup table name, falling
// back to the table's metadata time.
func backupTime(t warehouse.TableInfo, source string, loc *time.Location) time.Time {
	suffix := strings.TrimPrefix(t.Name, source+"_")
	if ts, err := time.ParseInLocation(reconcile.BackupSuffixLayout, suffix, loc); err == nil {
		return ts
	}
	return t.CreatedAt
}

// PruneBackups drops backup tables older than KeepDays, after listing them
// and asking for confirmation.
func PruneBackups(ctx context.Context, log *slog.Logger, store BackupStore, cfg PruneBackupsConfig) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	cutoff := cfg.Now.In(cfg.Location).AddDate(0, 0, -cfg.KeepDays)

	var stale []dataset.TableRef
	for _, source := range cfg.Tables {
		tables, err := store.ListTables(ctx, cfg.Group, source+"_")
		if err != nil {
			return 0, fmt.Errorf("failed to list backups of %s: %w", source, err)
		}
		for _, t := range tables {
			if backupTime(t, source, cfg.Location).Before(cutoff) {
				stale = append(stale, dataset.TableRef{Group: cfg.Group, Table: t.Name})
			}
		}
	}

	if len(stale) == 0 {
		fmt.Fprintf(cfg.Out, "No backups older than %d day(s) in %s\n", cfg.KeepDays, cfg.Group)
		return 0, nil
	}

	fmt.Fprintf(cfg.Out, "⚠️  WARNING: This will DROP %d backup table(s) older than %s:\n\n", len(stale), cutoff.Format(time.DateTime))
	for _, ref := range stale {
		fmt.Fprintf(cfg.Out, "  - %s\n", ref)
	}

	if cfg.DryRun {
		fmt.Fprintln(cfg.Out, "\n[DRY RUN] Would drop the above tables")
		return 0, nil
	}

	if !cfg.SkipConfirm {
		fmt.Fprintf(cfg.Out, "\nType 'yes' to confirm: ")
		response, err := bufio.NewReader(cfg.In).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(strings.ToLower(response)) != "yes" {
			fmt.Fprintln(cfg.Out, "\nConfirmation failed. Operation cancelled.")
			return 0, nil
		}
	}

	dropped := 0
	for _, ref := range stale {
		if err := store.Drop(ctx, ref); err != nil {
			return dropped, fmt.Errorf("failed to drop %s: %w", ref, err)
		}
		dropped++
		log.Info("admin: dropped backup", "table", ref.String())
		fmt.Fprintf(cfg.Out, "  ✓ Dropped %s\n", ref)
	}
	fmt.Fprintf(cfg.Out, "\nSuccessfully dropped %d backup table(s)\n", dropped)
	return dropped, nil
}

// EditableTables returns the source tables of every editable dataset.
func EditableTables(reg *dataset.Registry) []string {
	var tables []string
	for _, def := range reg.All() {
		if def.Editable {
			tables = append(tables, def.Table)
		}
	}
	return tables
}
