// Command adactad runs the archiving daemon: it watches an inbox for new
// documents, drives them through the processing pipeline and keeps the
// search index reconciled with the registry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fooker/adacta/pkg/archive"
	"github.com/fooker/adacta/pkg/blob"
	"github.com/fooker/adacta/pkg/config"
	"github.com/fooker/adacta/pkg/executor"
	"github.com/fooker/adacta/pkg/index"
	"github.com/fooker/adacta/pkg/observability"
	"github.com/fooker/adacta/pkg/pipeline"
	"github.com/fooker/adacta/pkg/registry"
	rt "github.com/fooker/adacta/pkg/runtime"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run parses flags, loads configuration and runs the daemon until a
// termination signal arrives. It is the whole program minus os.Exit.
func Run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("adactad", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the configuration file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger := cfg.Log.Logger(stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon failed", "error", err)
		return 1
	}
	return 0
}

// run wires the daemon together and blocks until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	obs, err := observability.New(ctx, cfg.Observability.Provider(), logger)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", "error", err)
		}
	}()

	blobs, err := blob.NewStore(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	reg, err := registry.New(cfg.Registry)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer reg.Close()

	steps := cfg.Steps()
	graph, err := pipeline.NewGraph(steps)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	classifier, err := pipeline.NewClassifier()
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	for _, step := range steps {
		if step.Classifier == "" {
			continue
		}
		if err := classifier.Compile(step.Classifier); err != nil {
			return fmt.Errorf("step %s classifier: %w", step.Name, err)
		}
	}

	runtimes, err := buildRuntimes(steps, cfg.Runtime, blobs, logger)
	if err != nil {
		return err
	}
	defer func() {
		for kind, r := range runtimes {
			if err := r.Close(); err != nil {
				logger.Warn("runtime close", "runtime", kind, "error", err)
			}
		}
	}()

	pool := executor.NewPool(cfg.Executor, blobs, runtimes, logger)
	orch := pipeline.NewOrchestrator(graph, pool, reg, blobs, classifier, obs, logger)

	engine, err := index.NewEngine(cfg.Index.Engine(), logger)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	defer engine.Close()
	sync := index.NewSynchronizer(reg, blobs, engine, obs, logger)

	arc := archive.New(blobs, reg, orch, sync, obs, logger)
	defer arc.Close()

	// Catch up before accepting new work: re-project documents the index
	// missed and restart pipelines a previous process left unfinished.
	if synced, err := sync.Reconcile(ctx); err != nil {
		logger.Warn("index reconcile incomplete", "synced", synced, "error", err)
	} else if synced > 0 {
		logger.Info("index reconciled", "synced", synced)
	}
	resumed, err := arc.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if resumed > 0 {
		logger.Info("resumed interrupted documents", "count", resumed)
	}

	go sync.Loop(ctx, cfg.Index.ReconcileEvery.Std())

	if !cfg.Inbox.Disabled {
		go watchInbox(ctx, arc, cfg.Inbox, logger)
	}

	logger.Info("adacta ready",
		"data_dir", cfg.DataDir,
		"blob", cfg.Blob.Type,
		"registry", cfg.Registry.Type,
		"index", cfg.Index.Type,
		"steps", len(steps))

	<-ctx.Done()
	return ctx.Err()
}

// buildRuntimes constructs only the runtimes the configured pipeline refers
// to, so a wasi-only setup does not require a Docker daemon.
func buildRuntimes(steps []pipeline.Step, cfg rt.Config, blobs blob.Store, logger *slog.Logger) (map[string]rt.Runtime, error) {
	need := make(map[string]bool)
	for _, step := range steps {
		kind := step.Runtime
		if kind == "" {
			kind = rt.KindDocker
		}
		need[kind] = true
	}

	runtimes := make(map[string]rt.Runtime)
	if need[rt.KindDocker] {
		docker, err := rt.NewDockerRuntime(cfg.Docker, logger)
		if err != nil {
			return nil, fmt.Errorf("docker runtime: %w", err)
		}
		runtimes[rt.KindDocker] = docker
	}
	if need[rt.KindWasi] {
		runtimes[rt.KindWasi] = rt.NewWasiRuntime(blobs, cfg.Wasi, logger)
	}
	return runtimes, nil
}

// watchInbox polls the inbox directory and ingests every file that appears
// there, deleting it afterwards. Failures are logged and retried on the
// next tick; the file stays put until ingestion succeeds.
func watchInbox(ctx context.Context, arc *archive.Archive, cfg config.InboxConfig, logger *slog.Logger) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		logger.Error("inbox unavailable", "path", cfg.Path, "error", err)
		return
	}

	poll := cfg.Poll.Std()
	if poll <= 0 {
		poll = 2 * time.Second
	}
	logger.Info("watching inbox", "path", cfg.Path, "poll", poll)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scanInbox(ctx, arc, cfg.Path, poll, logger)
		}
	}
}

// scanInbox ingests every settled regular file in dir. Files modified less
// than settle ago are skipped; they may still be written to.
func scanInbox(ctx context.Context, arc *archive.Archive, dir string, settle time.Duration, logger *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("inbox scan failed", "path", dir, "error", err)
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) < settle {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("inbox read failed", "file", name, "error", err)
			continue
		}
		if len(data) == 0 {
			continue
		}

		doc, err := arc.Ingest(ctx, data, archive.IngestOptions{Title: title(name)})
		if err != nil {
			logger.Warn("inbox ingest failed", "file", name, "error", err)
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("inbox cleanup failed", "file", name, "error", err)
		}
		logger.Info("ingested from inbox", "file", name, "document", doc.ID)
	}
}

// title derives a document title from an inbox filename.
func title(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
