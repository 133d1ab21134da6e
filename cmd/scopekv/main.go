package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/scopekv/scopekv/internal/config"
	"github.com/scopekv/scopekv/internal/metrics"
	"github.com/scopekv/scopekv/kvenv"
	"github.com/scopekv/scopekv/scope"
	"github.com/scopekv/scopekv/scopedb"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scopekv",
		Short: "scopekv - scope-isolated key-value storage over embedded engines",
		Long: `scopekv manages namespaced key-value databases built on embedded storage
engines. Each scope owns a slice of the shared keyspace, and a registry
tracks scope names alongside their hashed identifiers.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	// Add configuration flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Data directory path")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().String("engine", "badger", "Storage engine (badger, pebble)")

	rootCmd.AddCommand(newScopesCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newMigrateCmd())

	return rootCmd
}

func newScopesCmd() *cobra.Command {
	scopesCmd := &cobra.Command{
		Use:   "scopes",
		Short: "Inspect and manage the scope registry",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered scopes",
		Args:  cobra.NoArgs,
		RunE:  runScopesList,
	}

	registerCmd := &cobra.Command{
		Use:   "register <name>...",
		Short: "Register one or more scopes",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runScopesRegister,
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove scopes that hold no data in any of the given stores",
		Args:  cobra.NoArgs,
		RunE:  runScopesPrune,
	}
	pruneCmd.Flags().StringArray("store", nil, "Store to check for scope data (repeatable)")

	scopesCmd.AddCommand(listCmd, registerCmd, pruneCmd)
	return scopesCmd
}

func runScopesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	env, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer env.Close() //nolint:errcheck

	registry, err := openRegistry(env, metrics.NewManager(cfg.Metrics))
	if err != nil {
		return err
	}

	var entries []scopedb.Entry
	err = kvenv.View(env, func(txn kvenv.Txn) error {
		var viewErr error
		entries, viewErr = registry.Entries(txn)
		return viewErr
	})
	if err != nil {
		return fmt.Errorf("failed to list scopes: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tID\tREGISTERED")
	fmt.Fprintln(w, "default\t-\t-")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%08x\t%s\n", entry.Name, entry.ID, humanize.Time(entry.RegisteredAt))
	}
	return w.Flush()
}

func runScopesRegister(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	env, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer env.Close() //nolint:errcheck

	registry, err := openRegistry(env, metrics.NewManager(cfg.Metrics))
	if err != nil {
		return err
	}

	for _, name := range args {
		sc, err := scope.Named(name)
		if err != nil {
			return fmt.Errorf("invalid scope name %q: %w", name, err)
		}
		err = kvenv.UpdateWithRetry(cmd.Context(), env, func(txn kvenv.Txn) error {
			_, registerErr := registry.Register(txn, sc)
			return registerErr
		})
		if err != nil {
			return fmt.Errorf("failed to register scope %q: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s (id %08x)\n", sc.Name(), sc.ID())
	}
	return nil
}

func runScopesPrune(cmd *cobra.Command, args []string) error {
	storeNames, err := cmd.Flags().GetStringArray("store")
	if err != nil {
		return err
	}
	if len(storeNames) == 0 {
		return fmt.Errorf("at least one --store is required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	env, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer env.Close() //nolint:errcheck

	manager := metrics.NewManager(cfg.Metrics)
	registry, err := openRegistry(env, manager)
	if err != nil {
		return err
	}

	checkers := make([]scopedb.EmptinessChecker, 0, len(storeNames))
	for _, name := range storeNames {
		store, err := scopedb.NewBytesStore(scopedb.Options{
			Env:      env,
			Registry: registry,
			Name:     name,
			Logger:   logrus.StandardLogger(),
			Metrics:  manager,
		})
		if err != nil {
			return fmt.Errorf("failed to open store %q: %w", name, err)
		}
		checkers = append(checkers, store)
	}

	var pruned int
	err = kvenv.UpdateWithRetry(cmd.Context(), env, func(txn kvenv.Txn) error {
		var pruneErr error
		pruned, pruneErr = registry.PruneUnused(txn, checkers)
		return pruneErr
	})
	if err != nil {
		return fmt.Errorf("failed to prune scopes: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pruned %s scope(s)\n", humanize.Comma(int64(pruned)))
	return nil
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show database and system information",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	env, err := openEnv(cfg)
	if err != nil {
		return err
	}
	defer env.Close() //nolint:errcheck

	registry, err := openRegistry(env, metrics.NewManager(cfg.Metrics))
	if err != nil {
		return err
	}

	var entries []scopedb.Entry
	err = kvenv.View(env, func(txn kvenv.Txn) error {
		var viewErr error
		entries, viewErr = registry.Entries(txn)
		return viewErr
	})
	if err != nil {
		return fmt.Errorf("failed to read scope registry: %w", err)
	}

	size, err := dirSize(env.Path())
	if err != nil {
		return fmt.Errorf("failed to measure database size: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "Engine:\t%s\n", env.Engine())
	fmt.Fprintf(w, "Path:\t%s\n", env.Path())
	fmt.Fprintf(w, "Size:\t%s\n", humanize.Bytes(uint64(size)))
	fmt.Fprintf(w, "Scopes:\t%d (including default)\n", len(entries)+1)
	fmt.Fprintf(w, "Fingerprint:\t%s\n", registry.Fingerprint())

	collector := metrics.NewSystemCollector(cfg.DataDir)
	if du, diskErr := collector.DiskUsage(); diskErr == nil {
		fmt.Fprintf(w, "Disk:\t%s of %s used (%.1f%%)\n",
			humanize.Bytes(du.UsedBytes), humanize.Bytes(du.TotalBytes), du.UsedPercent)
	}
	ru := collector.RuntimeUsage()
	fmt.Fprintf(w, "Go:\t%s\n", ru.GoVersion)
	fmt.Fprintf(w, "Goroutines:\t%d\n", ru.GoRoutines)
	fmt.Fprintf(w, "Heap:\t%s\n", humanize.Bytes(uint64(ru.HeapAllocBytes)))

	return w.Flush()
}

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the database to a different storage engine",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}
	migrateCmd.Flags().String("to", "", "Target engine (badger, pebble)")
	return migrateCmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	to, err := cmd.Flags().GetString("to")
	if err != nil {
		return err
	}
	if to != kvenv.EngineBadger && to != kvenv.EnginePebble {
		return fmt.Errorf("unknown target engine %q (expected %q or %q)",
			to, kvenv.EngineBadger, kvenv.EnginePebble)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dir := dbDir(cfg)
	from, err := kvenv.DetectEngine(dir)
	if err != nil {
		return fmt.Errorf("failed to detect storage engine: %w", err)
	}
	if from == "" {
		return fmt.Errorf("no database found in %s", dir)
	}

	migrated, err := kvenv.SwitchEngine(cmd.Context(), kvenv.SwitchOptions{
		Dir:        dir,
		FromEngine: from,
		ToEngine:   to,
		BatchSize:  cfg.Migration.BatchSize,
		Logger:     logrus.StandardLogger(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "migrated %s key(s) from %s to %s\n",
		humanize.Comma(migrated), from, to)
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func dbDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "db")
}

func openEnv(cfg *config.Config) (kvenv.Env, error) {
	dir := dbDir(cfg)
	engine := cfg.Database.Engine
	if detected, err := kvenv.DetectEngine(dir); err == nil && detected != "" && detected != engine {
		logrus.WithFields(logrus.Fields{
			"configured": engine,
			"detected":   detected,
		}).Warn("Configured engine differs from on-disk data, using detected engine")
		engine = detected
	}

	env, err := kvenv.Open(kvenv.Options{
		Engine:     engine,
		Dir:        dir,
		SyncWrites: cfg.Database.SyncWrites,
		Logger:     logrus.StandardLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return env, nil
}

func openRegistry(env kvenv.Env, manager metrics.Manager) (*scopedb.Registry, error) {
	var registry *scopedb.Registry
	err := kvenv.Update(env, func(txn kvenv.Txn) error {
		var openErr error
		registry, openErr = scopedb.OpenRegistry(txn, scopedb.RegistryOptions{
			Env:     env,
			Logger:  logrus.StandardLogger(),
			Metrics: manager,
		})
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open scope registry: %w", err)
	}
	return registry, nil
}

func setupLogging(level, format string) {
	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
