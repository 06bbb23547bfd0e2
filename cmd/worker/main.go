// Package main は変換ワーカー専用プロセスのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/yourusername/metasqueeze/internal/app"
	"github.com/yourusername/metasqueeze/internal/config"
	"github.com/yourusername/metasqueeze/internal/logging"
)

type overrides struct {
	concurrency  int
	maxRetry     int
	stuckMinutes int
	sweepCron    string
	mediaRoot    string
	metricsAddr  string
}

func main() {
	flags := pflag.NewFlagSet("metasqueeze-worker", pflag.ContinueOnError)
	var o overrides
	flags.IntVar(&o.concurrency, "concurrency", 0, "同時実行数（0なら WORKER_CONCURRENCY）")
	flags.IntVar(&o.maxRetry, "max-retry", -1, "インフラ障害時の再配信回数（負なら QUEUE_MAX_RETRY）")
	flags.IntVar(&o.stuckMinutes, "stuck-minutes", -1, "processing を pending に戻すまでの分数（負なら STUCK_PROCESSING_MINUTES）")
	flags.StringVar(&o.sweepCron, "sweep-cron", "", "掃除ジョブのスケジュール（空なら SWEEP_CRON）")
	flags.StringVar(&o.mediaRoot, "media-root", "", "保存先ルート（空なら MEDIA_ROOT）")
	flags.StringVar(&o.metricsAddr, "metrics-addr", "", "メトリクスを公開するアドレス（例 :9100、空なら無効）")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := o.apply(cfg); err != nil {
		log.Fatalf("Invalid flags: %v", err)
	}

	logger, err := logging.New(cfg.GinMode)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}
	defer a.Close()

	if err := a.EnableWorkers(); err != nil {
		logger.Fatal("failed to register workers", zap.Error(err))
	}
	if err := a.Jobs.StartWorkers(); err != nil {
		logger.Fatal("failed to start workers", zap.Error(err))
	}

	var metricsSrv *http.Server
	if o.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		metricsSrv = &http.Server{Addr: o.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down worker")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

// apply はコマンドライン指定を設定に上書きし、再検証します。
func (o overrides) apply(cfg *config.Config) error {
	if o.concurrency > 0 {
		cfg.WorkerConcurrency = o.concurrency
	}
	if o.maxRetry >= 0 {
		cfg.QueueMaxRetry = o.maxRetry
	}
	if o.stuckMinutes >= 0 {
		cfg.StuckProcessingMinutes = o.stuckMinutes
	}
	if o.sweepCron != "" {
		cfg.SweepCron = o.sweepCron
	}
	if o.mediaRoot != "" {
		cfg.MediaRoot = o.mediaRoot
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config after overrides: %w", err)
	}
	return nil
}
