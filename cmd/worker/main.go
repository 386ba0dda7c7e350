// Package main runs the feed triage worker: the durable job queue loop, the
// cron scheduler and the operational HTTP surface in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/ai/openai"
	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/notify"
	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/observability"
	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/timeline"
	"github.com/fairyhunter13/ai-feed-triage/internal/config"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/lock"
	"github.com/fairyhunter13/ai-feed-triage/internal/pipeline"
	"github.com/fairyhunter13/ai-feed-triage/internal/queue"
	"github.com/fairyhunter13/ai-feed-triage/internal/report"
	"github.com/fairyhunter13/ai-feed-triage/internal/routing"
	"github.com/fairyhunter13/ai-feed-triage/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	slog.Info("starting worker",
		slog.String("env", cfg.AppEnv),
		slog.String("service", cfg.ServiceName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("op=main.run: %w", err)
	}
	defer pool.Close()

	// Repositories
	subscriptions := postgres.NewSubscriptionRepo(pool)
	posts := postgres.NewPostRepo(pool)
	insights := postgres.NewInsightRepo(pool)
	embeddings := postgres.NewEmbeddingRepo(pool)
	jobs := postgres.NewJobRepo(pool)
	lockRows := postgres.NewLockRepo(pool)
	routingCaches := postgres.NewRoutingCacheRepo(pool)
	reports := postgres.NewReportRepo(pool)
	profiles := postgres.NewProfileRepo(pool)
	aiRuns := postgres.NewAiRunRepo(pool)
	notifyConfigs := postgres.NewNotificationConfigRepo(pool)

	// External adapters
	aiClient := openai.New(cfg)
	timelineClient := timeline.New(cfg)
	notifier := notify.NewWebhook(notifyConfigs)

	// Core services
	q := queue.New(jobs)
	locks := lock.NewManager(lockRows, jobs, cfg.LockTTL())
	embedder := routing.NewEmbedder(embeddings, aiClient, cfg.EmbeddingModel, cfg.EmbeddingDims)
	cacheManager := routing.NewCacheManager(routingCaches, insights, posts, embedder,
		cfg.RoutingWindowDays, cfg.RoutingSampleLimit)
	router := routing.NewRouter(posts, insights, embedder, cacheManager)
	dispatcher := routing.NewDispatcher(posts, q, cfg.ClassifyTagMinTweets, cfg.ClassifyMaxTweets)

	fetcher := pipeline.NewFetcher(subscriptions, posts, timelineClient, q,
		cfg.FetchBatchSize, cfg.FetchCooldownHours)
	classifier := pipeline.NewClassifier(posts, router, dispatcher, locks,
		cfg.ClassifyMinTweets, cfg.ClassifyMaxTweets)
	llmClassifier := pipeline.NewLLMClassifier(posts, insights, aiClient, locks,
		cfg.ChatModel, cfg.AllowedTags, cfg.ClassifyConcurrency)

	var triage *report.MidTriage
	if cfg.ReportMidTriageEnabled {
		triage = report.NewMidTriage(aiClient, cfg.ReportMidTriageChunkSize,
			cfg.ReportMidTriageMaxKeep, cfg.ReportMidTriageConcurrency)
	}
	generator := report.NewGenerator(report.GeneratorDeps{
		Profiles: profiles,
		Reports:  reports,
		Insights: insights,
		Posts:    posts,
		AiRuns:   aiRuns,
		Embedder: embedder,
		Triage:   triage,
		Notifier: notifier,
		Locks:    locks,
	}, cfg.ReportClusterThreshold, cfg.ReportCrossTagBump, cfg.ReportTimezone)

	handlers := map[domain.JobType]queue.Handler{
		domain.JobFetchSubscriptions: fetcher.Handle,
		domain.JobClassifyTweets:     classifier.Handle,
		domain.JobClassifyTweetsLLM:  llmClassifier.Handle,
		domain.JobReportProfile:      generator.Handle,
	}
	workerID := fmt.Sprintf("%s-%s", cfg.ServiceName, uuid.New().String()[:8])
	worker := queue.NewWorker(workerID, q, handlers,
		cfg.IdleSleep.Duration(), cfg.SweepCutoff, cfg.SweepInterval)

	sched := scheduler.New(q, profiles, cfg.ReportTimezone)
	if err := sched.Start(ctx, cfg.FetchCronSchedule, cfg.ClassifyCronSchedule); err != nil {
		return err
	}
	defer sched.Stop()

	cleanup := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
	go cleanup.Run(ctx, cfg.CleanupInterval)

	srv := httpserver.New(httpserver.Deps{
		DB:            pool,
		Queue:         q,
		Subscriptions: subscriptions,
		Profiles:      profiles,
		NotifyConfigs: notifyConfigs,
		Jobs:          jobs,
	})
	go func() {
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		slog.Info("http server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(ctx, addr); err != nil {
			slog.Error("http server error", slog.Any("error", err))
		}
	}()

	worker.Run(ctx)

	// Give in-flight handlers a moment to settle before the pool closes.
	time.Sleep(200 * time.Millisecond)
	slog.Info("worker stopped")
	return nil
}
