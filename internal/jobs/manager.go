package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/exam-forge/internal/config"
	"github.com/yourusername/exam-forge/internal/pipeline"
)

const (
	taskTypePipeline = "pipeline:run"
	queueName        = "pipeline"
)

// StageRunner は各ステージの実体を提供します。pipeline.Service が実装します。
type StageRunner interface {
	GenerateText(ctx context.Context, jobID string) (string, error)
	ConvertDocument(ctx context.Context, jobID, textRef string) ([]string, error)
	BundleArtifacts(jobID string, refs []string) (string, error)
}

// Manager はジョブの投入と実行を担います。ワーカーはAsynqの
// Concurrency で上限が決まる固定プールとして動作し、各ジョブは
// 他のジョブへ影響を与えずに独立して処理されます。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux

	store  Store
	runner StageRunner
	logger *log.Logger

	retention       time.Duration
	generateTimeout time.Duration
	convertTimeout  time.Duration
}

// taskPayload はキューに載るペイロードです。レコードとマニフェストが
// 正であり、ペイロードにはIDのみを持たせます。
type taskPayload struct {
	JobID string `json:"jobId"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, runner StageRunner, store Store, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}

	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client:          client,
		server:          server,
		mux:             mux,
		store:           store,
		runner:          runner,
		logger:          logger,
		retention:       time.Duration(cfg.RetentionHours) * time.Hour,
		generateTimeout: time.Duration(cfg.GenerateTimeoutMinutes) * time.Minute,
		convertTimeout:  time.Duration(cfg.ConvertTimeoutMinutes) * time.Minute,
	}
	mux.HandleFunc(taskTypePipeline, manager.handlePipelineTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// Enqueue はレコードを作成してからジョブをキューへ投入します。
// レコードはキュー投入前に作成されるため、投入直後のポーリングでも
// 必ず accepted として見えます。ステージの自動再実行は行いません。
func (m *Manager) Enqueue(ctx context.Context, jobID string, meta pipeline.Metadata, inputRef string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}

	now := time.Now().UTC()
	record := &Record{
		JobID:     jobID,
		Status:    StatusAccepted,
		Metadata:  meta,
		InputRef:  inputRef,
		Message:   "ジョブを受け付けました。",
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.retention),
	}
	if err := m.store.Create(ctx, record); err != nil {
		return err
	}

	body, err := json.Marshal(&taskPayload{JobID: jobID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypePipeline, body, asynq.Queue(queueName))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		// レコードだけ残ると accepted のまま動かないジョブになるため巻き戻します。
		_ = m.store.Delete(ctx, jobID)
		return err
	}
	return nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

func (m *Manager) handlePipelineTask(ctx context.Context, task *asynq.Task) error {
	var payload taskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}
	// ステージ失敗はレコードに記録済みなので、Asynqへはエラーを返しません。
	m.processJob(ctx, payload.JobID)
	return nil
}

// processJob は1つのジョブを状態機械に沿って最後まで駆動します。
func (m *Manager) processJob(ctx context.Context, jobID string) {
	// 外部呼び出しの前に必ず遷移を永続化します。ここで落ちても
	// ポーリングには「処理中」が見え、accepted のまま固まることはありません。
	if err := m.transition(ctx, jobID, StatusGeneratingText, "解答解説を生成しています。"); err != nil {
		m.logf("job=%s transition to generating_text failed: %v", jobID, err)
		return
	}

	genCtx, cancelGen := context.WithTimeout(ctx, m.generateTimeout)
	textRef, err := m.runner.GenerateText(genCtx, jobID)
	cancelGen()
	if err != nil {
		m.failJob(ctx, jobID, StatusFailedGeneration, pipeline.CodeGenerationFailed,
			"解答解説の生成に失敗しました。再投入してください。", err)
		return
	}
	m.appendOutput(ctx, jobID, textRef)

	if err := m.transition(ctx, jobID, StatusGeneratingDocument, "生成したテキストをドキュメントへ変換しています。"); err != nil {
		m.logf("job=%s transition to generating_document failed: %v", jobID, err)
		return
	}

	convCtx, cancelConv := context.WithTimeout(ctx, m.convertTimeout)
	converted, err := m.runner.ConvertDocument(convCtx, jobID, textRef)
	cancelConv()
	if err != nil {
		m.failJob(ctx, jobID, StatusFailedConversion, pipeline.CodeConversionFailed,
			"PDFへの変換に失敗しました。生成済みテキストは取得できます。", err)
		return
	}
	for _, ref := range converted {
		m.appendOutput(ctx, jobID, ref)
	}

	refs := append([]string{textRef}, converted...)
	bundleRef, err := m.runner.BundleArtifacts(jobID, refs)
	if err != nil {
		m.failJob(ctx, jobID, StatusFailedConversion, pipeline.CodeInternal,
			"成果物の梱包に失敗しました。生成済みテキストは取得できます。", err)
		return
	}

	if err := m.store.Update(ctx, jobID, func(r *Record) error {
		if err := applyTransition(r, StatusDone, "完了しました。ダウンロードできます。"); err != nil {
			return err
		}
		r.BundleRef = bundleRef
		return nil
	}); err != nil {
		m.logf("job=%s mark done failed: %v", jobID, err)
	}
}

func (m *Manager) transition(ctx context.Context, jobID string, to Status, message string) error {
	return m.store.Update(ctx, jobID, func(r *Record) error {
		return applyTransition(r, to, message)
	})
}

// appendOutput は成果物参照を追記します。参照先のファイルは書き込み済みで
// あることが呼び出しの前提です。
func (m *Manager) appendOutput(ctx context.Context, jobID, ref string) {
	if err := m.store.Update(ctx, jobID, func(r *Record) error {
		r.OutputRefs = append(r.OutputRefs, ref)
		return nil
	}); err != nil {
		m.logf("job=%s append output %s failed: %v", jobID, ref, err)
	}
}

// failJob はステージ失敗を終端状態としてレコードに記録します。
// タイムアウトは専用コードに読み替えます。
func (m *Manager) failJob(ctx context.Context, jobID string, to Status, code, message string, cause error) {
	errInfo := &ErrorInfo{Code: code, Message: cause.Error()}
	if errors.Is(cause, context.DeadlineExceeded) {
		errInfo.Code = pipeline.CodeTimeout
		errInfo.Message = "外部サービスの呼び出しが時間内に完了しませんでした。"
	}
	if err := m.store.Update(ctx, jobID, func(r *Record) error {
		if err := applyTransition(r, to, message); err != nil {
			return err
		}
		r.Error = errInfo
		return nil
	}); err != nil {
		m.logf("job=%s mark %s failed: %v", jobID, to, err)
	}
	m.logf("job=%s status=%s code=%s error=%v", jobID, to, errInfo.Code, cause)
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
