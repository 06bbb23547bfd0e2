// Package retention は保持期間を過ぎたアーティファクトや失効セッションの掃除を行います。
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/metasqueeze/internal/artifact"
	"github.com/yourusername/metasqueeze/internal/config"
	"github.com/yourusername/metasqueeze/internal/metrics"
)

const day = 24 * time.Hour

// Store は掃除に必要なアーティファクト操作です。
type Store interface {
	ListOlderThan(ctx context.Context, t time.Time) ([]*artifact.Artifact, error)
	ListProcessingSince(ctx context.Context, t time.Time) ([]*artifact.Artifact, error)
	Update(ctx context.Context, id string, mutate func(*artifact.Artifact) error) (*artifact.Artifact, error)
	Delete(ctx context.Context, id string) error
}

// Enqueuer は pending に戻したアーティファクトを再投入します。
type Enqueuer interface {
	Enqueue(ctx context.Context, a *artifact.Artifact) error
}

// Blacklist は失効セッション記録の掃除対象です。
type Blacklist interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Policy は保持期間の設定です。0 以下の期間はその掃除を無効にします。
type Policy struct {
	ImageRetention     time.Duration
	DocumentRetention  time.Duration
	BlacklistRetention time.Duration
	StuckAfter         time.Duration
}

// PolicyFromConfig は設定から Policy を組み立てます。
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		ImageRetention:     time.Duration(cfg.ImageRetentionDays) * day,
		DocumentRetention:  time.Duration(cfg.DocumentRetentionDays) * day,
		BlacklistRetention: time.Duration(cfg.BlacklistRetentionDays) * day,
		StuckAfter:         time.Duration(cfg.StuckProcessingMinutes) * time.Minute,
	}
}

func (p Policy) retentionFor(f artifact.Family) time.Duration {
	if f == artifact.FamilyImage {
		return p.ImageRetention
	}
	return p.DocumentRetention
}

// Report は1回の掃除の結果です。
type Report struct {
	Scanned int // 対象候補として見た件数
	Done    int // 削除・復旧できた件数
	Failed  int // 処理に失敗した件数
}

// Sweeper は掃除処理をまとめたものです。何度実行しても同じ結果に収束します。
type Sweeper struct {
	store     Store
	policy    Policy
	enqueuer  Enqueuer
	blacklist Blacklist
	metrics   *metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// Option は Sweeper の生成オプションです。
type Option func(*Sweeper)

// WithEnqueuer は復旧したアーティファクトの再投入先を設定します。
func WithEnqueuer(e Enqueuer) Option {
	return func(s *Sweeper) { s.enqueuer = e }
}

// WithBlacklist は失効セッションの記録先を設定します。
func WithBlacklist(b Blacklist) Option {
	return func(s *Sweeper) { s.blacklist = b }
}

// WithMetrics はメトリクスの記録先を設定します。
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithClock は現在時刻の取得関数を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New は Sweeper を作成します。
func New(store Store, policy Policy, logger *zap.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		store:  store,
		policy: policy,
		logger: logger.Named("retention"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepArtifacts は保持期間を過ぎたアーティファクトを記録とファイルごと削除します。
// processing のものは対象外です。1件の失敗で全体を止めず、次回の実行で再試行されます。
func (s *Sweeper) SweepArtifacts(ctx context.Context) (Report, error) {
	var report Report
	oldest := s.oldestCutoff()
	if oldest.IsZero() {
		return report, nil
	}
	candidates, err := s.store.ListOlderThan(ctx, oldest)
	if err != nil {
		return report, fmt.Errorf("failed to list artifacts: %w", err)
	}

	now := s.now()
	for _, a := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ttl := s.policy.retentionFor(a.Kind.Family())
		if ttl <= 0 || !a.CreatedAt.Before(now.Add(-ttl)) {
			continue
		}
		report.Scanned++
		if a.Status == artifact.StatusProcessing {
			s.logger.Debug("skip processing artifact", zap.String("artifact_id", a.ID))
			continue
		}
		if err := s.store.Delete(ctx, a.ID); err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				continue
			}
			if errors.Is(err, artifact.ErrConflict) {
				// 一覧取得後にクレームされたもの
				s.logger.Debug("skip artifact claimed after listing", zap.String("artifact_id", a.ID))
				continue
			}
			report.Failed++
			s.logger.Warn("failed to delete artifact", zap.String("artifact_id", a.ID), zap.Error(err))
			continue
		}
		report.Done++
	}

	s.metrics.Swept("artifacts", report.Done, report.Failed)
	s.logger.Info("artifact sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("deleted", report.Done),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// oldestCutoff は有効な保持期間のうち最も短いものに対応する基準時刻です。
// すべて無効ならゼロ値を返します。
func (s *Sweeper) oldestCutoff() time.Time {
	var shortest time.Duration
	for _, d := range []time.Duration{s.policy.ImageRetention, s.policy.DocumentRetention} {
		if d > 0 && (shortest == 0 || d < shortest) {
			shortest = d
		}
	}
	if shortest == 0 {
		return time.Time{}
	}
	return s.now().Add(-shortest)
}

// PurgeBlacklist は保持期間を過ぎた失効セッション記録を削除します。
func (s *Sweeper) PurgeBlacklist(ctx context.Context) (Report, error) {
	var report Report
	if s.blacklist == nil || s.policy.BlacklistRetention <= 0 {
		return report, nil
	}
	removed, err := s.blacklist.Purge(ctx, s.now().Add(-s.policy.BlacklistRetention))
	if err != nil {
		s.metrics.Swept("blacklist", 0, 1)
		return report, fmt.Errorf("failed to purge blacklist: %w", err)
	}
	report.Scanned = int(removed)
	report.Done = int(removed)
	s.metrics.Swept("blacklist", report.Done, 0)
	s.logger.Info("blacklist purge finished", zap.Int64("removed", removed))
	return report, nil
}

// RecoverStuck は放置判定時間を超えて processing のままのアーティファクトを
// pending に戻し、再投入します。
func (s *Sweeper) RecoverStuck(ctx context.Context) (Report, error) {
	var report Report
	if s.policy.StuckAfter <= 0 {
		return report, nil
	}
	cutoff := s.now().Add(-s.policy.StuckAfter)
	stuck, err := s.store.ListProcessingSince(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("failed to list processing artifacts: %w", err)
	}

	for _, a := range stuck {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		recovered, err := s.store.Update(ctx, a.ID, func(x *artifact.Artifact) error {
			return x.Recover(cutoff)
		})
		if err != nil {
			// 一覧取得後に完了したものは対象外
			if errors.Is(err, artifact.ErrConflict) || errors.Is(err, artifact.ErrNotFound) {
				continue
			}
			report.Failed++
			s.logger.Warn("failed to recover artifact", zap.String("artifact_id", a.ID), zap.Error(err))
			continue
		}
		if s.enqueuer != nil {
			if err := s.enqueuer.Enqueue(ctx, recovered); err != nil {
				report.Failed++
				s.logger.Warn("failed to re-enqueue artifact", zap.String("artifact_id", a.ID), zap.Error(err))
				continue
			}
		}
		report.Done++
		s.logger.Info("stuck artifact reset to pending", zap.String("artifact_id", a.ID), zap.Int("attempts", recovered.Attempts))
	}

	s.metrics.Swept("stuck", report.Done, report.Failed)
	return report, nil
}
