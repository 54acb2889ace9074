package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cxxkb/internal/api"
	"cxxkb/internal/auth"
	"cxxkb/internal/compiledb"
	"cxxkb/internal/contexts"
	"cxxkb/internal/engine"
	"cxxkb/internal/extract"
	"cxxkb/internal/gitsync"
	"cxxkb/internal/logging"
	"cxxkb/internal/metrics"
	"cxxkb/internal/recall"
	"cxxkb/internal/storage"
	"cxxkb/internal/summaries"
	"cxxkb/internal/syncjobs"
	"cxxkb/internal/watcher"
	"cxxkb/internal/webhooks"
	"cxxkb/internal/workspace"
	"cxxkb/internal/writer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cxxkb HTTP service",
	Long: `Start the HTTP service: symbol queries, exploration primitives,
workspace and context lifecycle, sync jobs, webhook ingest, and metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "Host to bind (overrides config)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, root, err := loadConfig()
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}

	logger := newLogger(cfg)

	dbPath := cfg.DBPath()
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(root, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return err
	}
	db, err := storage.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	wr := writer.New(logger, writer.Options{
		QueueSize:     cfg.Writer.QueueSize,
		BatchSize:     cfg.Writer.BatchSize,
		BatchWindow:   time.Duration(cfg.Writer.BatchWindowMs) * time.Millisecond,
		RetryAttempts: cfg.Writer.RetryAttempts,
		RetryDelay:    time.Duration(cfg.Writer.RetryDelayMs) * time.Millisecond,
	})
	wr.Start()

	wsMgr, err := workspace.NewManager(logger, db, wr)
	if err != nil {
		return err
	}

	m := metrics.New()
	compileDBs := compiledb.NewCache(logger)

	ctxMgr := contexts.NewManager(logger, db, wr, contexts.Options{
		MaxOverlayFiles: cfg.Overlay.MaxFiles,
		MaxOverlayRows:  cfg.Overlay.MaxRows,
		TTL:             time.Duration(cfg.Overlay.TTLHours) * time.Hour,
		DiskBudgetBytes: cfg.Overlay.DiskBudgetBytes,
		GCInterval:      time.Duration(cfg.Overlay.GCIntervalSec) * time.Second,
	})

	rg := recall.NewRunner(logger, cfg.Tools.RgBinary,
		time.Duration(cfg.Recall.TimeoutSeconds)*time.Second, cfg.Recall.MaxHitsPerFile)
	recaller := recall.NewService(logger, storage.NewRecallRepository(db), rg, recall.Options{
		MaxFiles:        cfg.Recall.MaxFiles,
		SourceGlobs:     cfg.Recall.SourceGlobs,
		SlowRecallAfter: time.Duration(cfg.Recall.SlowQueryMillis) * time.Millisecond,
	})

	driver := extract.NewDriver(logger, extract.Options{
		Binary:     cfg.Tools.ExtractorBinary,
		Timeout:    time.Duration(cfg.Parse.TimeoutSeconds) * time.Second,
		MaxWorkers: cfg.Parse.MaxWorkers,
	})

	eng := engine.New(logger, engine.Options{
		MaxParseBudget: cfg.Parse.MaxParseBudget,
		MaxRecallFiles: cfg.Recall.MaxFiles,
		MaxRepoHops:    cfg.Workspace.MaxRepoHops,
		QueryDeadline:  time.Duration(cfg.Server.QueryDeadlineMs) * time.Millisecond,
	}, db, wr, wsMgr, ctxMgr, recaller, rg, driver, compileDBs, m)

	git := gitsync.New(logger, time.Duration(cfg.Sync.GitTimeoutSeconds)*time.Second)
	syncMgr := syncjobs.New(logger, db, wr, wsMgr, git, compileDBs, m, syncjobs.Options{
		Workers:          cfg.Sync.Workers,
		LeaseSeconds:     cfg.Sync.LeaseSeconds,
		HeartbeatSeconds: cfg.Sync.HeartbeatSeconds,
		MaxAttempts:      cfg.Sync.MaxAttempts,
	})
	hooks := webhooks.New(logger, db, wsMgr, syncMgr, m, cfg.Sync.WebhookSecretEnv)
	sums := summaries.New(logger, db, wr, wsMgr, cfg.Summaries)
	authMgr := auth.NewManager(logger, db, wr)

	registerGauges(m, wr, db)

	bg, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ctxMgr.RunGC(bg)
	go syncMgr.Run(bg)
	startWatcher(bg, logger, db, wsMgr, compileDBs)

	server := api.NewServer(logger, cfg.Server, eng, wsMgr, ctxMgr, syncMgr, hooks, sums, authMgr, m)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("cxxkb listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		return err
	case sig := <-shutdown:
		logger.Info("shutdown signal received", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	cancel()
	ctx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	// Drain pending writes before the store closes.
	if err := wr.Close(ctx); err != nil {
		logger.Error("writer drain failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// registerGauges wires the scrape-time gauges to live sources.
func registerGauges(m *metrics.Metrics, wr *writer.Writer, db *storage.DB) {
	metricsRepo := storage.NewMetricsRepository(db)
	syncRepo := storage.NewSyncJobRepository(db)
	m.RegisterGauges(metrics.GaugeSource{
		WriterQueueDepth: func() float64 { return float64(wr.QueueDepth()) },
		WriterLagSeconds: func() float64 { return wr.Lag().Seconds() },
		SyncQueueDepth: func() float64 {
			depth, err := syncRepo.QueueDepth()
			if err != nil {
				return 0
			}
			total := 0
			for _, n := range depth {
				total += n
			}
			return float64(total)
		},
		DiskUsageBytes: func() float64 {
			usage, err := metricsRepo.DiskUsageBytes()
			if err != nil {
				return 0
			}
			return float64(usage)
		},
		ActiveContexts: func() float64 {
			counts, err := metricsRepo.ActiveContextCounts()
			if err != nil {
				return 0
			}
			total := 0
			for _, n := range counts {
				total += n
			}
			return float64(total)
		},
	})
}

// startWatcher watches every registered workspace's manifest and compile
// databases; a change drops the cached manifest and compile entries so
// the next query reloads them.
func startWatcher(ctx context.Context, logger *logging.Logger,
	db *storage.DB, wsMgr *workspace.Manager, compileDBs *compiledb.Cache) {

	w, err := watcher.New(logger, 500*time.Millisecond, func(workspaceID string) {
		compileDBs.Invalidate(workspaceID)
		wsMgr.Evict(workspaceID)
	})
	if err != nil {
		logger.Warn("file watcher unavailable", map[string]interface{}{"error": err.Error()})
		return
	}

	rows, err := storage.NewWorkspaceRepository(db).List()
	if err != nil {
		logger.Warn("watcher: listing workspaces failed", map[string]interface{}{"error": err.Error()})
	}
	for _, row := range rows {
		ws, err := wsMgr.Get(ctx, row.WorkspaceID)
		if err != nil {
			continue
		}
		if err := w.WatchWorkspace(ws); err != nil {
			logger.Warn("watcher: workspace watch failed", map[string]interface{}{
				"workspace_id": row.WorkspaceID,
				"error":        err.Error(),
			})
		}
	}

	go func() {
		w.Run(ctx)
		w.Close()
	}()
}
