// Package jobs はアーティファクト処理ジョブの投入と実行を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/metasqueeze/internal/artifact"
	"github.com/yourusername/metasqueeze/internal/config"
	"github.com/yourusername/metasqueeze/internal/logging"
	"github.com/yourusername/metasqueeze/internal/retention"
)

const (
	TaskTypeProcess        = "artifact:process"
	TaskTypeSweepArtifacts = "maintenance:sweep_artifacts"
	TaskTypePurgeBlacklist = "maintenance:purge_blacklist"
	TaskTypeRecoverStuck   = "maintenance:recover_stuck"

	QueueImages      = "images"
	QueueDocuments   = "documents"
	QueueMaintenance = "maintenance"

	recoverStuckSpec = "@every 10m"
	maintenanceTTL   = 30 * time.Minute
)

// Records は Manager が参照するアーティファクト操作です。
type Records interface {
	Get(ctx context.Context, id string) (*artifact.Artifact, error)
	Update(ctx context.Context, id string, mutate func(*artifact.Artifact) error) (*artifact.Artifact, error)
}

// Maintenance は定期実行する掃除処理です。
type Maintenance interface {
	SweepArtifacts(ctx context.Context) (retention.Report, error)
	PurgeBlacklist(ctx context.Context) (retention.Report, error)
	RecoverStuck(ctx context.Context) (retention.Report, error)
}

// TaskPayload は処理ジョブのペイロードです。
type TaskPayload struct {
	ArtifactID string `json:"artifactId"`
}

// Manager はジョブの投入とワーカーの起動を担います。
type Manager struct {
	cfg       *config.Config
	opt       asynq.RedisConnOpt
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	records   Records
	executor  *Executor
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, records Records, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if records == nil {
		return nil, errors.New("records is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		opt:     opt,
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		mux:       asynq.NewServeMux(),
		records:   records,
		logger:    logger.Named("jobs"),
		now:       time.Now,
	}, nil
}

// TaskID は artifact の現在の試行世代に対応するタスク ID です。
// 同じ世代の二重投入は asynq 側で弾かれ、リセット後は別の ID になります。
func TaskID(a *artifact.Artifact) string {
	return fmt.Sprintf("%s-%d", a.ID, a.Attempts)
}

// QueueFor は種類に対応するキュー名を返します。
func QueueFor(kind artifact.Kind) string {
	if kind.Family() == artifact.FamilyImage {
		return QueueImages
	}
	return QueueDocuments
}

// Enqueue は pending のアーティファクトの処理ジョブを投入します。
// 同じ世代のジョブが待機中・実行中なら投入済みとみなして nil を返します。
// アーカイブ済み・完了済みで残っている場合はそれを消して投入し直します。
func (m *Manager) Enqueue(ctx context.Context, a *artifact.Artifact) error {
	if a == nil {
		return errors.New("artifact is nil")
	}
	if a.Status != artifact.StatusPending {
		return fmt.Errorf("%w: only pending artifacts can be enqueued (status=%s)", artifact.ErrConflict, a.Status)
	}
	body, err := json.Marshal(TaskPayload{ArtifactID: a.ID})
	if err != nil {
		return err
	}

	queue, taskID := QueueFor(a.Kind), TaskID(a)
	enqueue := func() (*asynq.TaskInfo, error) {
		return m.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeProcess, body),
			asynq.Queue(queue),
			asynq.TaskID(taskID),
			asynq.MaxRetry(m.cfg.QueueMaxRetry),
		)
	}

	info, err := enqueue()
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		replaced, rerr := m.dropFinishedTask(queue, taskID)
		if rerr != nil {
			return fmt.Errorf("failed to inspect task %s: %w", taskID, rerr)
		}
		if !replaced {
			m.logger.Info("job already queued", zap.String("artifact_id", a.ID), zap.String("task_id", taskID))
			return nil
		}
		info, err = enqueue()
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue artifact %s: %w", a.ID, err)
	}
	m.logger.Info("job enqueued",
		zap.String("artifact_id", a.ID),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

// dropFinishedTask は同じ ID のタスクがもう実行されない状態で残っていれば削除します。
// 削除した（または既に消えていた）場合は true を返します。
func (m *Manager) dropFinishedTask(queue, taskID string) (bool, error) {
	info, err := m.inspector.GetTaskInfo(queue, taskID)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
	default:
		return false, nil
	}
	if err := m.inspector.DeleteTask(queue, taskID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, err
	}
	m.logger.Info("stale task removed", zap.String("task_id", taskID), zap.String("state", info.State.String()))
	return true, nil
}

// Retry は failed のアーティファクトを pending に戻して再投入します。
// processing のものは、放置判定の時間が設定されていればそれを超えた場合だけ、
// 未設定（0）なら手動復旧として無条件に戻します。
// pending のものは再投入だけを行います。
func (m *Manager) Retry(ctx context.Context, id string) (*artifact.Artifact, error) {
	updated, err := m.records.Update(ctx, id, func(a *artifact.Artifact) error {
		switch a.Status {
		case artifact.StatusPending:
			return nil
		case artifact.StatusProcessing:
			if m.cfg.StuckProcessingMinutes > 0 {
				cutoff := m.now().Add(-time.Duration(m.cfg.StuckProcessingMinutes) * time.Minute)
				return a.Recover(cutoff)
			}
			return a.Release()
		default:
			return a.Requeue()
		}
	})
	if err != nil {
		return nil, err
	}
	if err := m.Enqueue(ctx, updated); err != nil {
		return updated, err
	}
	m.logger.Info("artifact requeued", zap.String("artifact_id", id), zap.Int("attempts", updated.Attempts))
	return updated, nil
}

// RegisterProcessor は処理ジョブのハンドラーを登録します。
func (m *Manager) RegisterProcessor(executor *Executor) {
	m.executor = executor
	m.mux.HandleFunc(TaskTypeProcess, m.handleProcess)
}

// RegisterMaintenance は掃除ジョブのハンドラーと定期実行を登録します。
func (m *Manager) RegisterMaintenance(mt Maintenance) error {
	m.mux.HandleFunc(TaskTypeSweepArtifacts, m.maintenanceHandler("sweep_artifacts", mt.SweepArtifacts))
	m.mux.HandleFunc(TaskTypePurgeBlacklist, m.maintenanceHandler("purge_blacklist", mt.PurgeBlacklist))
	m.mux.HandleFunc(TaskTypeRecoverStuck, m.maintenanceHandler("recover_stuck", mt.RecoverStuck))

	m.scheduler = asynq.NewScheduler(m.opt, &asynq.SchedulerOpts{
		Logger:   logging.NewAsynqLogger(m.logger),
		Location: time.UTC,
	})
	entries := []struct {
		spec     string
		taskType string
	}{
		{m.cfg.SweepCron, TaskTypeSweepArtifacts},
		{m.cfg.SweepCron, TaskTypePurgeBlacklist},
	}
	if m.cfg.StuckProcessingMinutes > 0 {
		entries = append(entries, struct {
			spec     string
			taskType string
		}{recoverStuckSpec, TaskTypeRecoverStuck})
	}
	for _, e := range entries {
		task := asynq.NewTask(e.taskType, nil)
		if _, err := m.scheduler.Register(e.spec, task, asynq.Queue(QueueMaintenance), asynq.Unique(maintenanceTTL), asynq.MaxRetry(0)); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", e.taskType, err)
		}
	}
	return nil
}

// StartWorkers は Asynq サーバーとスケジューラーを起動します。
func (m *Manager) StartWorkers() error {
	if m.executor == nil {
		return errors.New("processor is not registered")
	}
	m.server = asynq.NewServer(m.opt, asynq.Config{
		Concurrency: m.cfg.WorkerConcurrency,
		Queues: map[string]int{
			QueueDocuments:   3,
			QueueImages:      3,
			QueueMaintenance: 1,
		},
		Logger: logging.NewAsynqLogger(m.logger),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			m.logger.Error("task failed",
				zap.String("type", task.Type()),
				zap.ByteString("payload", task.Payload()),
				zap.Int("retried", retried),
				zap.Int("max_retry", maxRetry),
				zap.Error(err),
			)
		}),
	})
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	if m.scheduler != nil {
		if err := m.scheduler.Start(); err != nil {
			m.server.Shutdown()
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	m.logger.Info("workers started", zap.Int("concurrency", m.cfg.WorkerConcurrency))
	return nil
}

// Shutdown はサーバー・スケジューラー・クライアントを閉じます。
func (m *Manager) Shutdown() {
	if m.scheduler != nil {
		m.scheduler.Shutdown()
	}
	if m.server != nil {
		m.server.Shutdown()
	}
	if err := m.client.Close(); err != nil {
		m.logger.Warn("failed to close asynq client", zap.Error(err))
	}
	if err := m.inspector.Close(); err != nil {
		m.logger.Warn("failed to close asynq inspector", zap.Error(err))
	}
}

func (m *Manager) handleProcess(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.ArtifactID == "" {
		return fmt.Errorf("missing artifactId in payload: %w", asynq.SkipRetry)
	}

	token, ok := asynq.GetTaskID(ctx)
	if !ok || token == "" {
		token = uuid.NewString()
	}
	_, err := m.executor.Process(ctx, payload.ArtifactID, token)
	return err
}

func (m *Manager) maintenanceHandler(name string, run func(context.Context) (retention.Report, error)) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		report, err := run(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		m.logger.Info("maintenance finished",
			zap.String("task", name),
			zap.Int("scanned", report.Scanned),
			zap.Int("done", report.Done),
			zap.Int("failed", report.Failed),
		)
		return nil
	}
}
