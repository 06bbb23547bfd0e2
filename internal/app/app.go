// Package app はAPIとワーカーの両プロセスで共有する依存関係の組み立てを行います。
package app

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/metasqueeze/internal/artifact"
	"github.com/yourusername/metasqueeze/internal/auth"
	"github.com/yourusername/metasqueeze/internal/config"
	"github.com/yourusername/metasqueeze/internal/jobs"
	"github.com/yourusername/metasqueeze/internal/metrics"
	"github.com/yourusername/metasqueeze/internal/retention"
	"github.com/yourusername/metasqueeze/internal/storage"
	"github.com/yourusername/metasqueeze/internal/transform"
)

const pingTimeout = 5 * time.Second

// App は起動時に組み立てたコンポーネントをまとめたものです。
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Redis     redis.UniversalClient
	Blobs     *storage.Local
	Store     *artifact.Store
	Registry  *transform.Registry
	Jobs      *jobs.Manager
	Blacklist *auth.Blacklist
	Metrics   *metrics.Recorder
}

// New は設定からストア・レジストリ・キュー用クライアントを作成します。
// Redis に接続できない場合はエラーを返します。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opt, err := redis.ParseURL(cfg.StoreURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse store redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect store redis: %w", err)
	}

	blobs, err := storage.NewLocal(cfg.MediaRoot, cfg.WorkDir)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	registry, err := transform.Default(transform.OptionsFromConfig(cfg))
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	store := artifact.NewStore(rdb, blobs)
	manager, err := jobs.NewManager(cfg, store, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Redis:     rdb,
		Blobs:     blobs,
		Store:     store,
		Registry:  registry,
		Jobs:      manager,
		Blacklist: auth.NewBlacklist(rdb),
		Metrics:   metrics.New(),
	}, nil
}

// EnableWorkers は変換処理と定期メンテナンスをジョブマネージャーに登録します。
// 起動は呼び出し側が Jobs.StartWorkers で行います。
func (a *App) EnableWorkers() error {
	executor, err := jobs.NewExecutor(a.Store, a.Blobs, a.Registry, a.Logger, jobs.WithMetrics(a.Metrics))
	if err != nil {
		return err
	}
	a.Jobs.RegisterProcessor(executor)

	sweeper := retention.New(a.Store, retention.PolicyFromConfig(a.Config), a.Logger,
		retention.WithEnqueuer(a.Jobs),
		retention.WithBlacklist(a.Blacklist),
		retention.WithMetrics(a.Metrics),
	)
	return a.Jobs.RegisterMaintenance(sweeper)
}

// Close はキューと Redis 接続を閉じます。
func (a *App) Close() {
	a.Jobs.Shutdown()
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warn("failed to close redis", zap.Error(err))
	}
}
