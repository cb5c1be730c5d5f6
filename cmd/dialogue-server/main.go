package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"taskdialog/internal/ambiguity"
	"taskdialog/internal/cache"
	"taskdialog/internal/catalog"
	"taskdialog/internal/config"
	"taskdialog/internal/db"
	"taskdialog/internal/extract"
	"taskdialog/internal/intent"
	"taskdialog/internal/invoker"
	"taskdialog/internal/mqtt"
	"taskdialog/internal/orchestrator"
	"taskdialog/internal/slots"
	"taskdialog/internal/store/memstore"
	"taskdialog/internal/store/yamlstore"
	"taskdialog/internal/transfer"
	"taskdialog/internal/usercontext"
	"taskdialog/internal/worker"
)

func main() {
	cfg, err := config.LoadDialogueServerConfig()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("load config failed", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dialogue server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// stores.reloadable is set when the catalog file is served from memory.
type stores struct {
	config     catalog.Store
	repo       orchestrator.Repository
	close      func()
	reloadable *memstore.ConfigStore
}

// openStores uses Postgres when DB_DSN is set, seeding it from the YAML file
// if one exists. Without a DSN everything lives in memory.
func openStores(ctx context.Context, cfg config.DialogueServerConfig, logger *slog.Logger) (stores, error) {
	if cfg.DBDSN == "" {
		file, err := yamlstore.Load(cfg.IntentConfigPath)
		if err != nil {
			return stores{}, err
		}
		cs := memstore.NewConfigStore()
		file.Fill(cs)
		logger.Info("intent catalog loaded", "path", cfg.IntentConfigPath, "intents", len(file.Intents), "function_calls", len(file.FunctionCalls))
		return stores{config: cs, repo: memstore.NewRepository(), close: func() {}, reloadable: cs}, nil
	}

	store, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		return stores{}, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return stores{}, err
	}
	if cfg.IntentConfigPath != "" {
		if _, statErr := os.Stat(cfg.IntentConfigPath); statErr == nil {
			file, err := yamlstore.Load(cfg.IntentConfigPath)
			if err != nil {
				store.Close()
				return stores{}, err
			}
			if err := file.Seed(ctx, store); err != nil {
				store.Close()
				return stores{}, err
			}
			logger.Info("intent catalog seeded", "path", cfg.IntentConfigPath, "intents", len(file.Intents))
		}
	}
	return stores{config: store, repo: store, close: store.Close}, nil
}

func run(ctx context.Context, cfg config.DialogueServerConfig, logger *slog.Logger) error {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	shared := cache.New()
	cat := catalog.New(st.config, shared, cfg.ConfigCacheTTL, logger)
	if err := cat.Validate(ctx); err != nil {
		// Broken intents stay unusable; healthy ones keep serving.
		logger.Error("intent catalog has configuration errors", "error", err)
	}

	var primary intent.Recognizer = intent.NewLexical(cat)
	if client := intent.NewClient(cfg.RecognizerBaseURL, cfg.RecognizerTimeout); client.Enabled() {
		primary = intent.NewFallback(client, primary, logger)
		logger.Info("remote intent recognizer enabled", "base_url", cfg.RecognizerBaseURL)
	}
	recognizer := intent.NewCached(primary, shared, cfg.RecognitionCacheTTL)

	chain := []extract.Extractor{}
	if client := extract.NewClient(cfg.ExtractorBaseURL, cfg.ExtractorTimeout); client.Enabled() {
		chain = append(chain, client)
		logger.Info("remote slot extractor enabled", "base_url", cfg.ExtractorBaseURL)
	}
	chain = append(chain, extract.NewRules())

	resolver := slots.NewResolver(
		extract.NewFallback(logger, chain...),
		usercontext.New(shared, cfg.UserContextTTL),
		slots.NewValidator(nil),
		cfg.SlotMaxAttempts,
		logger,
	)
	amb := ambiguity.New(ambiguity.Config{
		DefaultThreshold: cfg.ConfidenceThreshold,
		Margin:           cfg.AmbiguityMargin,
		CandidateFloor:   cfg.AmbiguityFloor,
		MaxCandidates:    cfg.AmbiguityMaxCandidates,
		MaxTurns:         cfg.AmbiguityMaxTurns,
	}, logger)

	invalidate := func() int { return cat.Invalidate() + recognizer.Purge() }

	invOpts := []invoker.Option{invoker.WithDefaultTimeout(cfg.ActionDefaultTimeout)}
	if cfg.MQTTBrokerURL != "" {
		hub := mqtt.NewHub(mqtt.HubConfig{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, invalidate, logger)
		if err := hub.Start(ctx); err != nil {
			return err
		}
		invOpts = append(invOpts, invoker.WithTransport("mqtt", hub))
		logger.Info("mqtt action transport enabled", "broker", cfg.MQTTBrokerURL, "prefix", cfg.MQTTTopicPrefix)
	}

	svc := orchestrator.New(orchestrator.Config{
		MaxTurns:    cfg.MaxTurns,
		IdleTimeout: cfg.SessionIdleTimeout,
	}, orchestrator.Deps{
		Recognizer: recognizer,
		Catalog:    cat,
		Repository: st.repo,
		Slots:      resolver,
		Ambiguity:  amb,
		Transfer:   transfer.New(cfg.TransferOverrideMargin, amb.Threshold, nil, logger),
		Invoker:    invoker.New(logger, invOpts...),
	}, logger)

	jobs := []*worker.Job{
		worker.New("cache-sweep", cfg.CacheSweepInterval, func(context.Context) error {
			if n := shared.Sweep(); n > 0 {
				logger.Debug("expired cache entries removed", "count", n)
			}
			return nil
		}, logger),
		worker.New("idle-sweep", cfg.IdleSweepInterval, func(ctx context.Context) error {
			n, err := svc.SweepIdle(ctx)
			if n > 0 {
				logger.Info("idle conversations abandoned", "count", n)
			}
			return err
		}, logger),
	}

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: newRouter(api{
			dialogue:   svc,
			cache:      shared,
			invalidate: invalidate,
			logger:     logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		if err := job.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			job.Wait()
			return nil
		})
	}
	if st.reloadable != nil && cfg.IntentConfigWatch {
		watcher := yamlstore.NewWatcher(cfg.IntentConfigPath, st.reloadable, func(yamlstore.Catalog) {
			if err := cat.Validate(gctx); err != nil {
				logger.Error("reloaded intent catalog has configuration errors", "error", err)
			}
			logger.Info("caches invalidated after catalog reload", "entries", invalidate())
		}, logger)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				logger.Warn("intent catalog watch disabled", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("dialogue server started", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, job := range jobs {
			job.Stop()
		}
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
