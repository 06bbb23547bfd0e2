package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/metasqueeze/internal/artifact"
	"github.com/yourusername/metasqueeze/internal/metrics"
	"github.com/yourusername/metasqueeze/internal/transform"
)

// Outcome は1回のジョブ処理の結末です。
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"   // 終端状態、または別ワーカーが処理中
	OutcomeDiscarded Outcome = "discarded" // アーティファクトが存在しない
	OutcomeClaimLost Outcome = "claim_lost"
)

// ArtifactStore は Executor が必要とするストア操作です。
type ArtifactStore interface {
	Get(ctx context.Context, id string) (*artifact.Artifact, error)
	Update(ctx context.Context, id string, mutate func(*artifact.Artifact) error) (*artifact.Artifact, error)
	OriginalPath(a *artifact.Artifact) (string, error)
	OriginalSize(a *artifact.Artifact) (int64, error)
	StoreOutput(ctx context.Context, a *artifact.Artifact, ext, srcPath string) (string, int64, error)
}

// Scratcher はジョブ専用の一時ディレクトリを払い出します。
type Scratcher interface {
	Scratch(name string) (dir string, cleanup func() error, err error)
}

// Executor はキューから受け取ったアーティファクトを1件ずつ処理する状態機械です。
//
// pending → processing → completed | failed の遷移をすべてストアの原子的更新で行い、
// 終端状態の書き込みは processing かつ自分のクレームトークンを持つ場合にだけ成功します。
// ジョブ単位のエラーはすべて failed として保存し、呼び出し元には返しません。
// 呼び出し元に返すのはストアに書けないなどの基盤エラーだけで、その場合は再配信に任せます。
type Executor struct {
	store    ArtifactStore
	scratch  Scratcher
	registry *transform.Registry
	logger   *zap.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// ExecutorOption は Executor の生成オプションです。
type ExecutorOption func(*Executor)

// WithMetrics はメトリクスの記録先を設定します。
func WithMetrics(m *metrics.Recorder) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithExecutorClock は現在時刻の取得関数を差し替えます。
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor は Executor を作成します。
func NewExecutor(store ArtifactStore, scratch Scratcher, registry *transform.Registry, logger *zap.Logger, opts ...ExecutorOption) (*Executor, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if scratch == nil {
		return nil, errors.New("scratch is nil")
	}
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		store:    store,
		scratch:  scratch,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Process は1件のジョブを処理します。token はこの配信のクレームトークンで、
// 同じジョブの再配信では同じ値になります。
func (e *Executor) Process(ctx context.Context, artifactID, token string) (Outcome, error) {
	log := e.logger.With(zap.String("artifact_id", artifactID), zap.String("claim", token))
	started := e.now()

	claimed, err := e.store.Update(ctx, artifactID, func(a *artifact.Artifact) error {
		return a.Claim(token, e.now().UTC())
	})
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		log.Warn("artifact not found; discarding job")
		e.metrics.JobFinished("unknown", string(OutcomeDiscarded), 0)
		return OutcomeDiscarded, nil
	case errors.Is(err, artifact.ErrAlreadyTerminal), errors.Is(err, artifact.ErrAlreadyClaimed):
		log.Info("duplicate delivery skipped", zap.Error(err))
		e.metrics.JobFinished("unknown", string(OutcomeSkipped), 0)
		return OutcomeSkipped, nil
	case err != nil:
		return "", fmt.Errorf("failed to claim artifact %s: %w", artifactID, err)
	}

	log = log.With(zap.String("kind", string(claimed.Kind)))
	log.Info("processing started", zap.Int("attempt", claimed.Attempts))

	outcome, err := e.run(ctx, claimed, token, log)
	if err != nil {
		log.Error("processing interrupted; leaving for redelivery", zap.Error(err))
		return "", err
	}
	e.metrics.JobFinished(string(claimed.Kind), string(outcome), e.now().Sub(started))
	return outcome, nil
}

func (e *Executor) run(ctx context.Context, a *artifact.Artifact, token string, log *zap.Logger) (Outcome, error) {
	res := &result{}

	originalPath, err := e.store.OriginalPath(a)
	if err != nil {
		return e.fail(ctx, a, token, res, transform.CodeValidation, fmt.Sprintf("File not found: %v", err), log)
	}
	size, err := e.store.OriginalSize(a)
	if err != nil {
		return e.fail(ctx, a, token, res, transform.CodeValidation, fmt.Sprintf("File not found: %v", err), log)
	}
	res.originalSize = &size

	if err := e.registry.ValidateInput(a.Kind, originalPath); err != nil {
		return e.fail(ctx, a, token, res, transform.CodeOf(err), err.Error(), log)
	}

	t, err := e.registry.Lookup(a.Kind)
	if err != nil {
		return e.fail(ctx, a, token, res, transform.CodeOf(err), err.Error(), log)
	}

	dir, cleanup, err := e.scratch.Scratch(a.ID)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := cleanup(); err != nil {
			log.Warn("failed to remove scratch dir", zap.String("dir", dir), zap.Error(err))
		}
	}()
	outputPath := filepath.Join(dir, a.ID+"."+t.OutputExt)

	if t.Inspect != nil {
		meta, err := t.Inspect(originalPath)
		if err != nil {
			log.Warn("metadata inspection failed", zap.Error(err))
		}
		res.image = meta
	}

	if err := invoke(ctx, t, originalPath, outputPath); err != nil {
		code := transform.CodeOf(err)
		if code == transform.CodeInternal {
			code = transform.CodeExternalTool
		}
		return e.fail(ctx, a, token, res, code, "Conversion failed: "+err.Error(), log)
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.IsDir() {
		return e.fail(ctx, a, token, res, transform.CodeOutputNotProduced, "Conversion failed: Output file not created.", log)
	}

	ref, outSize, err := e.store.StoreOutput(ctx, a, t.OutputExt, outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to store output: %w", err)
	}

	_, err = e.store.Update(ctx, a.ID, func(x *artifact.Artifact) error {
		if err := x.Complete(token, ref, outSize, e.now().UTC()); err != nil {
			return err
		}
		res.apply(x)
		return nil
	})
	if outcome, handled := e.terminalWriteResult(err, log); handled {
		return outcome, nil
	} else if err != nil {
		return "", err
	}
	log.Info("processing completed", zap.String("output", ref), zap.Int64("output_size", outSize))
	return OutcomeCompleted, nil
}

func (e *Executor) fail(ctx context.Context, a *artifact.Artifact, token string, res *result, code, message string, log *zap.Logger) (Outcome, error) {
	_, err := e.store.Update(ctx, a.ID, func(x *artifact.Artifact) error {
		if err := x.Fail(token, code, message, e.now().UTC()); err != nil {
			return err
		}
		res.apply(x)
		return nil
	})
	if outcome, handled := e.terminalWriteResult(err, log); handled {
		return outcome, nil
	} else if err != nil {
		return "", err
	}
	log.Warn("processing failed", zap.String("code", code), zap.String("message", message))
	return OutcomeFailed, nil
}

// terminalWriteResult は終端状態の書き込みで処理権を失っていた場合を扱います。
func (e *Executor) terminalWriteResult(err error, log *zap.Logger) (Outcome, bool) {
	switch {
	case errors.Is(err, artifact.ErrClaimLost):
		log.Warn("claim lost before terminal write; result dropped", zap.Error(err))
		return OutcomeClaimLost, true
	case errors.Is(err, artifact.ErrNotFound):
		log.Warn("artifact deleted while processing", zap.Error(err))
		return OutcomeDiscarded, true
	}
	return "", false
}

// result は終端状態と同時に保存する付随情報です。
type result struct {
	originalSize *int64
	image        *artifact.ImageMeta
}

func (r *result) apply(a *artifact.Artifact) {
	if r.originalSize != nil {
		size := *r.originalSize
		a.OriginalSize = &size
	}
	if r.image != nil {
		img := *r.image
		a.Image = &img
	}
}

// invoke は変換関数を呼び出し、パニックも変換失敗として扱います。
func invoke(ctx context.Context, t transform.Transformation, inputPath, outputPath string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &transform.Error{
				Code:    transform.CodeExternalTool,
				Message: fmt.Sprintf("converter panicked: %v", r),
			}
		}
	}()
	return t.Run(ctx, inputPath, outputPath)
}
