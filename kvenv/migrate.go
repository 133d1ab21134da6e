package kvenv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultMigrateBatchSize is the number of keys committed per write
// transaction during migration.
const DefaultMigrateBatchSize = 10_000

// badgerKeyRegistry is present only in BadgerDB directories.
const badgerKeyRegistry = "KEYREGISTRY"

// pebbleCurrent is present only in Pebble directories.
const pebbleCurrent = "CURRENT"

// MigrateOptions configures Migrate.
type MigrateOptions struct {
	Source    Env
	Target    Env
	BatchSize int
	Logger    *logrus.Logger
}

// Migrate copies every key byte-for-byte from Source to Target: data
// sections, the scope registry, and its bookkeeping all survive unchanged. A
// reader goroutine streams one consistent snapshot of the source while the
// writer commits batches to the target. Returns the number of keys copied.
func Migrate(ctx context.Context, opts MigrateOptions) (int64, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultMigrateBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	type kvPair struct {
		key []byte
		val []byte
	}

	g, ctx := errgroup.WithContext(ctx)
	pairs := make(chan kvPair, opts.BatchSize)

	g.Go(func() error {
		defer close(pairs)
		return View(opts.Source, func(txn Txn) error {
			it := txn.NewIterator(IterOptions{PrefetchValues: true})
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				val, err := it.Value()
				if err != nil {
					return fmt.Errorf("failed to read source value for key %q: %w", it.Key(), err)
				}
				select {
				case pairs <- kvPair{key: it.Key(), val: val}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return it.Close()
		})
	})

	var total int64
	g.Go(func() error {
		batch := make([]kvPair, 0, opts.BatchSize)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			err := Update(opts.Target, func(txn Txn) error {
				for _, p := range batch {
					if err := txn.Set(p.key, p.val); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to commit migration batch at key %d: %w", total, err)
			}
			total += int64(len(batch))
			opts.Logger.WithField("keys_migrated", total).Info("Migration progress")
			batch = batch[:0]
			return nil
		}

		for p := range pairs {
			batch = append(batch, p)
			if len(batch) >= opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}

// DetectEngine inspects dir and reports which engine's files live there.
// Empty or missing directories report the empty string with no error.
func DetectEngine(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, badgerKeyRegistry)); err == nil {
		return EngineBadger, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to inspect %s: %w", dir, err)
	}

	if _, err := os.Stat(filepath.Join(dir, pebbleCurrent)); err == nil {
		return EnginePebble, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to inspect %s: %w", dir, err)
	}

	return "", nil
}

// SwitchOptions configures SwitchEngine.
type SwitchOptions struct {
	Dir        string
	FromEngine string
	ToEngine   string
	BatchSize  int // 0 means DefaultMigrateBatchSize
	Logger     *logrus.Logger
}

// SwitchEngine migrates the environment at opts.Dir from one engine to
// another in place. The copy is built in a sibling directory, then swapped in
// with the original kept as a timestamped backup:
//
//  1. Open the directory with the source engine and a scratch directory with
//     the target.
//  2. Copy all keys (Migrate).
//  3. Close both, rename dir → dir.backup-<engine>-<ts>, scratch → dir.
//
// On failure the original directory is left untouched so the switch can be
// retried. Returns the number of keys migrated.
func SwitchEngine(ctx context.Context, opts SwitchOptions) (int64, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	logger := opts.Logger
	dir := opts.Dir
	if opts.FromEngine == opts.ToEngine {
		return 0, fmt.Errorf("source and target engine are both %q", opts.FromEngine)
	}

	scratch := dir + ".migrate-" + opts.ToEngine
	if err := os.RemoveAll(scratch); err != nil {
		return 0, fmt.Errorf("failed to clean up previous migration attempt: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"path": dir,
		"from": opts.FromEngine,
		"to":   opts.ToEngine,
	}).Info("Starting engine migration")

	migrated, err := runSwitch(ctx, scratch, opts)
	if err != nil {
		_ = os.RemoveAll(scratch)
		return migrated, fmt.Errorf("migration failed after %d keys: %w", migrated, err)
	}

	backup := fmt.Sprintf("%s.backup-%s-%s", dir, opts.FromEngine, time.Now().Format("20060102_150405"))
	if _, err := os.Stat(backup); err == nil {
		backup += "_2"
	}

	if err := os.Rename(dir, backup); err != nil {
		_ = os.RemoveAll(scratch)
		return migrated, fmt.Errorf("failed to move source directory aside: %w", err)
	}
	if err := os.Rename(scratch, dir); err != nil {
		// Undo: put the source directory back.
		_ = os.Rename(backup, dir)
		return migrated, fmt.Errorf("failed to move migrated directory into place: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"migrated_keys": migrated,
		"backup_dir":    backup,
	}).Info("Engine migration complete")

	return migrated, nil
}

func runSwitch(ctx context.Context, scratch string, opts SwitchOptions) (int64, error) {
	source, err := Open(Options{Engine: opts.FromEngine, Dir: opts.Dir, Logger: opts.Logger})
	if err != nil {
		return 0, fmt.Errorf("failed to open source environment: %w", err)
	}
	defer source.Close() //nolint:errcheck

	target, err := Open(Options{Engine: opts.ToEngine, Dir: scratch, SyncWrites: true, Logger: opts.Logger})
	if err != nil {
		return 0, fmt.Errorf("failed to open target environment: %w", err)
	}

	migrated, err := Migrate(ctx, MigrateOptions{
		Source:    source,
		Target:    target,
		BatchSize: opts.BatchSize,
		Logger:    opts.Logger,
	})
	if err != nil {
		_ = target.Close()
		return migrated, err
	}

	if err := target.Close(); err != nil {
		return migrated, fmt.Errorf("failed to close target environment: %w", err)
	}
	if err := source.Close(); err != nil {
		return migrated, fmt.Errorf("failed to close source environment: %w", err)
	}
	return migrated, nil
}
