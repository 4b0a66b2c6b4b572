package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/BasedHardware/taskpilot/config"
	"github.com/BasedHardware/taskpilot/internal/assistant"
	"github.com/BasedHardware/taskpilot/internal/backend"
	"github.com/BasedHardware/taskpilot/internal/dedup"
	"github.com/BasedHardware/taskpilot/internal/extraction"
	"github.com/BasedHardware/taskpilot/internal/llm"
	"github.com/BasedHardware/taskpilot/internal/model"
	"github.com/BasedHardware/taskpilot/internal/observe"
	"github.com/BasedHardware/taskpilot/internal/prioritize"
	"github.com/BasedHardware/taskpilot/internal/profile"
	"github.com/BasedHardware/taskpilot/internal/promotion"
	"github.com/BasedHardware/taskpilot/internal/searchidx"
	srv "github.com/BasedHardware/taskpilot/internal/server"
	"github.com/BasedHardware/taskpilot/internal/store"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the task agent and its operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return runServe(cfg)
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := cfg.Storage.Postgres.DSN()
	if err := srv.Migrate("file://migrations", dsn, "up", 0); err != nil {
		log.Printf("migrate: %v (continuing)", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	provider := llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model,
		cfg.LLM.EmbeddingModel, cfg.LLM.Temperature, cfg.LLM.Timeout)

	index, err := searchidx.New()
	if err != nil {
		return fmt.Errorf("build search index: %w", err)
	}
	warmIndex(ctx, st, index)

	var mirror *backend.Client
	if cfg.Backend.BaseURL != "" {
		mirror = backend.New(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Backend.Timeout)
	}
	// nil *Client must stay a nil interface downstream
	var profileSource profile.Source
	var extractionMirror extraction.Mirror
	var dedupMirror dedup.Mirror
	var promoMirror promotion.Mirror
	var scoreSink prioritize.ScoreSink
	if mirror != nil {
		profileSource = mirror
		extractionMirror = mirror
		dedupMirror = mirror
		promoMirror = mirror
		scoreSink = mirror
	}
	profiles := profile.NewCache(profileSource, log.New(log.Writer(), "[PROFILE] ", log.LstdFlags))

	var rdb *redis.Client
	if addr := cfg.Storage.Redis.Addr(); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis unavailable, observation stream disabled: %v", err)
			rdb = nil
		}
	}
	sink := observe.NewSink(st, rdb, observe.Config{
		Stream: cfg.Observe.Stream,
		MaxLen: cfg.Observe.MaxLen,
	}, log.New(log.Writer(), "[OBSERVE] ", log.LstdFlags))
	defer sink.Close()

	engine := extraction.New(provider, st, index, extractionMirror, profiles, sink,
		extraction.Config{
			SystemPrompt:  cfg.Extraction.SystemPrompt,
			MinConfidence: cfg.Extraction.MinConfidence,
		}, log.New(log.Writer(), "[TASK] ", log.LstdFlags))

	settings := assistant.NewSettingsStore(assistant.NewSettings(
		cfg.Assistant.AllowedApps, nil, cfg.Assistant.BrowserKeywords))
	controller := assistant.NewController(engine, settings, assistant.Config{
		AnalysisDelay:      cfg.Assistant.AnalysisDelay,
		ExtractionInterval: cfg.Assistant.ExtractionInterval,
	}, log.New(log.Writer(), "[ASSISTANT] ", log.LstdFlags))
	defer controller.Stop()

	deduper, err := dedup.New(provider, st, dedupMirror, dedup.Config{
		Schedule: cfg.Scanners.DedupSchedule,
		Cooldown: cfg.Scanners.DedupCooldown,
	}, log.New(log.Writer(), "[DEDUP] ", log.LstdFlags))
	if err != nil {
		return err
	}
	deduper.Start(ctx)

	rescorer := prioritize.New(provider, st, profiles, scoreSink, prioritize.Config{
		Period: cfg.Scanners.PrioritizePeriod,
	}, log.New(log.Writer(), "[PRIORITIZE] ", log.LstdFlags))
	rescorer.Start(ctx)

	promoter := promotion.New(st, promoMirror, promotion.Config{
		ActiveCap: cfg.Scanners.PromotionCap,
		Interval:  cfg.Scanners.PromotionInterval,
	}, log.New(log.Writer(), "[PROMOTION] ", log.LstdFlags))
	promoter.EnsureOnStartup(ctx)
	defer promoter.Stop()

	api := &srv.Server{
		Queue:     st,
		Rescorer:  rescorer,
		Deduper:   deduper,
		Promoter:  promoter,
		Assistant: controller,
		Settings:  settings,
		Auth: &srv.AuthHandler{
			User:     cfg.Server.AdminUser,
			PassHash: cfg.Server.AdminPassHash,
			Secret:   []byte(cfg.Server.JWTSecret),
		},
	}
	return api.Run(cfg.Server.Address)
}

// warmIndex rebuilds the in-memory search index from the persisted queue.
// Vectors refill lazily as tasks are re-embedded.
func warmIndex(ctx context.Context, st *store.Store, index *searchidx.Index) {
	staged, err := st.ListStaged(ctx, 0)
	if err != nil {
		log.Printf("index warm-load: list staged: %v", err)
		return
	}
	for _, t := range staged {
		_ = index.Add(t.ID, t.Title+" "+t.Description)
	}
	for _, status := range []model.TaskStatus{model.StatusActive, model.StatusCompleted} {
		items, err := st.ListActionItems(ctx, status, 0)
		if err != nil {
			log.Printf("index warm-load: list %s action items: %v", status, err)
			continue
		}
		for _, it := range items {
			_ = index.Add(it.ID, it.Title+" "+it.Description)
		}
	}
	log.Printf("index warm-load: %d documents", index.Len())
}
