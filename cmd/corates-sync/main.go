// Package main is the entry point for the corates sync daemon.
//
// corates-sync keeps a local copy of the projects, reviews and checklists the
// user can see. Remote tables are mirrored through the shape stream and merged
// into a store persisted as JSON; local changes queued by other tools are
// replayed from the write journal. Configuration is read from CLI flags, a
// .env file (for the access token), and corates.yaml.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/maruel/corates/internal/apiclient"
	"github.com/maruel/corates/internal/appstate"
	"github.com/maruel/corates/internal/config"
	"github.com/maruel/corates/internal/localcache"
	"github.com/maruel/corates/internal/shape"
	"github.com/maruel/corates/internal/speculative"
	"github.com/maruel/corates/internal/syncer"
	"github.com/maruel/corates/internal/tablestore"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "corates-sync: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides corates.yaml")
	apiURL := flag.String("api", "", "Write API base URL; overrides corates.yaml")
	shapeURL := flag.String("shape-url", "", "Shape stream endpoint; overrides corates.yaml")
	token := flag.String("token", "", "Access token; defaults to ACCESS_TOKEN in .env")
	strict := flag.Bool("strict", false, "Reject rows with unknown or mistyped columns")
	example := flag.Bool("example", false, "Create an example project on startup")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case uint64:
				skip = t == 0
			case int64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg, err := config.Load(*dataDir)
	if err != nil {
		return err
	}
	env, err := config.LoadEnv(*dataDir)
	if err != nil {
		return err
	}

	// Flags win over .env, which wins over corates.yaml.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	overlay := func(name string, dst *string, flagVal, envKey string) {
		if set[name] {
			*dst = flagVal
		} else if v := env[envKey]; v != "" {
			*dst = v
		}
	}
	overlay("log-level", &cfg.LogLevel, *logLevel, "LOG_LEVEL")
	overlay("api", &cfg.APIBaseURL, *apiURL, "API_BASE_URL")
	overlay("shape-url", &cfg.ShapeURL, *shapeURL, "SHAPE_URL")
	accessToken := ""
	overlay("token", &accessToken, *token, "ACCESS_TOKEN")
	if set["strict"] {
		cfg.StrictSchema = *strict
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	switch cfg.LogLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	}
	if accessToken == "" {
		return errors.New("an access token is required; pass -token or set ACCESS_TOKEN in .env")
	}
	userID, err := apiclient.UserIDFromToken(accessToken)
	if err != nil {
		return err
	}

	dbDir := filepath.Join(*dataDir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create db directory: %w", err)
	}
	store, err := tablestore.New(tablestore.DefaultSchema(), tablestore.WithStrict(cfg.StrictSchema))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	persister := tablestore.NewPersister(store, filepath.Join(dbDir, "store.json"))
	if err := persister.Load(); err != nil {
		return err
	}
	journal, err := speculative.OpenJournal(filepath.Join(dbDir, "journal.jsonl"), store)
	if err != nil {
		return err
	}
	cache, err := localcache.Open(ctx, filepath.Join(dbDir, "cache.db"))
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	hc := apiclient.NewHTTPClient(ctx, accessToken)
	api, err := apiclient.New(cfg.APIBaseURL, hc, store)
	if err != nil {
		return err
	}
	gate := syncer.NewGate()
	defer persister.SetGate(gate)()
	app := appstate.New(store, gate, api, appstate.Options{
		UserID: userID,
		Cache:  cache,
		Runner: speculative.RunnerOptions{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     cfg.Retry.Backoff,
			Journal:     journal,
		},
	})
	defer app.Close()
	if n, err := app.Runner().Replay(); err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "Replaying queued writes", "jobs", n)
	}
	if *example {
		id, _, err := app.CreateExampleProject()
		if err != nil {
			return fmt.Errorf("failed to create example project: %w", err)
		}
		slog.InfoContext(ctx, "Created example project", "id", id)
	}

	syn := syncer.New(store, gate)
	shapes := shape.NewCache(shape.MirrorOptions{Client: hc, RetryEvery: cfg.StreamRetry, LiveTimeout: cfg.LiveTimeout})
	defer shapes.Close()
	for _, table := range cfg.MirroredTables() {
		h, err := shapes.Acquire(ctx, shape.Options{URL: cfg.ShapeURL, Params: map[string]string{"table": string(table)}})
		if err != nil {
			return fmt.Errorf("failed to mirror %s: %w", table, err)
		}
		defer h.Release()
		defer syn.Watch(table, h)()
	}

	if err := watchExecutable(ctx, stop); err != nil {
		slog.WarnContext(ctx, "Could not watch executable", "err", err)
	}

	slog.InfoContext(ctx, "Syncing", "user", userID, "api", cfg.APIBaseURL, "shapes", cfg.ShapeURL, "rows", store.Snapshot().Count())
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, run := range []func(context.Context) error{persister.AutoSave, persister.Watch, syn.Run, app.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				errs <- err
				stop()
			}
		}()
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}
	st := syn.Status()
	slog.Info("Stopped", "pending_writes", app.Runner().Len(), "pending_tables", st.Pending)
	return nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("corates-sync %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}

// watchExecutable stops the daemon when its binary is replaced, so a
// supervisor restarts the new version.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}
