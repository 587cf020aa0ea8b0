// Package jobs は非同期解析ジョブの投入・実行・状態管理を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/yourusername/fin-analyzer/internal/analysis"
	"github.com/yourusername/fin-analyzer/internal/config"
	"github.com/yourusername/fin-analyzer/internal/ledger"
)

const (
	taskTypeAnalysis = "analysis:run"
	queueName        = "analysis"
)

// TaskPayload は解析ジョブのペイロードです。input_descriptorに相当し、
// 作成後は変更されません。
type TaskPayload struct {
	JobID        string `json:"jobId"`
	Filename     string `json:"filename"`
	Query        string `json:"query"`
	DocumentPath string `json:"documentPath"`
}

// tracker はポーリング用のジョブ状態ストアです。*Store が実装します。
type tracker interface {
	Get(ctx context.Context, jobID string) (*Record, error)
	Upsert(ctx context.Context, record *Record) error
	MarkRunning(ctx context.Context, jobID string, progress ProgressInfo) error
	UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error
	MarkSucceeded(ctx context.Context, jobID string, result *ResultInfo) error
	MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error
}

// LedgerRecorder は永続台帳への書き込み口です。ledger.Store が実装します。
// 台帳は観測用の補助であり、nilでもジョブ実行は成立します。
type LedgerRecorder interface {
	Create(ctx context.Context, jobID, filename, query, filePath string) error
	UpdateResult(ctx context.Context, jobID, analysisText, status string)
	MarkFailed(ctx context.Context, jobID, kind, message string)
	Terminal(ctx context.Context, jobID string) (bool, error)
}

// DocumentStore はジョブが参照するドキュメントの削除と読み取り確認を提供します。
type DocumentStore interface {
	Delete(path string) error
	Readable(path string) bool
}

// Analyzer は解析エンジンの呼び出し口です。
type Analyzer interface {
	Run(ctx context.Context, query, documentPath string, reporter analysis.ProgressReporter) (string, error)
}

// taskEnqueuer はブローカーへのタスク投入口です。*asynq.Client が実装します。
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	cfg       *config.Config
	client    taskEnqueuer
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	store     tracker
	ledger    LedgerRecorder
	docs      DocumentStore
	engine    Analyzer
	logger    *log.Logger
}

// NewManager は Manager を初期化します。ledとengineはnilを許容し、
// その場合は縮退動作（台帳なし / 解析不可として失敗）になります。
func NewManager(cfg *config.Config, store *Store, led LedgerRecorder, docs DocumentStore, engine Analyzer, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if docs == nil {
		return nil, errors.New("docs is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		server:    server,
		mux:       mux,
		inspector: asynq.NewInspector(opt),
		store:     store,
		ledger:    led,
		docs:      docs,
		engine:    engine,
		logger:    logger,
	}
	mux.HandleFunc(taskTypeAnalysis, manager.handleAnalysisTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			if m.logger != nil {
				m.logger.Printf("asynq server stopped with error: %v", err)
			} else {
				log.Printf("asynq server stopped with error: %v", err)
			}
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// Enqueue はジョブ状態と台帳レコードを作成し、タスクをキューに投入します。
func (m *Manager) Enqueue(ctx context.Context, payload *TaskPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("payload is nil")
	}
	if payload.JobID == "" {
		return "", fmt.Errorf("payload.JobID is required")
	}

	record := &Record{
		JobID:    payload.JobID,
		Filename: payload.Filename,
		Query:    payload.Query,
		Status:   StatusQueued,
		Progress: ProgressInfo{
			Percent: 0,
			Stage:   "queued",
			Message: "タスクはキューで処理待ちです",
		},
	}
	if err := m.store.Upsert(ctx, record); err != nil {
		return "", err
	}

	// 台帳への記録失敗は投入を止めない
	if m.ledger != nil {
		if err := m.ledger.Create(ctx, payload.JobID, payload.Filename, payload.Query, payload.DocumentPath); err != nil {
			m.logf("failed to save job to ledger job=%s: %v", payload.JobID, err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(taskTypeAnalysis, body, asynq.Queue(queueName))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(2), asynq.TaskID(payload.JobID))
	if err != nil {
		// 投入に失敗したジョブをqueuedのまま残さない（ベストエフォート）
		failure := &ErrorInfo{
			Kind:    string(analysis.KindDependency),
			Message: "failed to enqueue analysis task",
		}
		if markErr := m.store.MarkFailed(ctx, payload.JobID, failure); markErr != nil {
			m.logf("failed to mark unenqueued job failed job=%s: %v", payload.JobID, markErr)
		}
		if m.ledger != nil {
			m.ledger.MarkFailed(ctx, payload.JobID, failure.Kind, failure.Message)
		}
		return "", err
	}
	return info.ID, nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// QueueSnapshot はキューの診断情報です。ヘルスチェック用で契約ではありません。
type QueueSnapshot struct {
	Queue   string `json:"queue"`
	Size    int    `json:"size"`
	Active  int    `json:"active"`
	Pending int    `json:"pending"`
	Failed  int    `json:"failed"`
}

// QueueStatus はキューとワーカーの現況を返します。
func (m *Manager) QueueStatus(ctx context.Context) (snapshots []QueueSnapshot, workerCount int, err error) {
	queues, err := m.inspector.Queues()
	if err != nil {
		return nil, 0, err
	}
	for _, q := range queues {
		info, infoErr := m.inspector.GetQueueInfo(q)
		if infoErr != nil {
			continue
		}
		snapshots = append(snapshots, QueueSnapshot{
			Queue:   info.Queue,
			Size:    info.Size,
			Active:  info.Active,
			Pending: info.Pending,
			Failed:  info.Failed,
		})
	}

	servers, err := m.inspector.Servers()
	if err != nil {
		return snapshots, 0, err
	}
	return snapshots, len(servers), nil
}

func (m *Manager) handleAnalysisTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}
	return m.runAnalysis(ctx, &payload)
}

// runAnalysis はジョブのライフサイクル全体を1ワーカーで順番に実行します。
// 終端状態を書き込んだあとはエラーを返しません（ブローカー起因の再実行を防ぐため）。
func (m *Manager) runAnalysis(ctx context.Context, payload *TaskPayload) error {
	jobID := payload.JobID

	// 再配送ガード: 既に終端に達したジョブはエンジンを再実行しない
	if rec, err := m.store.Get(ctx, jobID); err == nil && rec != nil && rec.Status.Terminal() {
		m.logf("skipping redelivered job in terminal state job=%s status=%s", jobID, rec.Status)
		return nil
	}
	if m.ledger != nil {
		if terminal, err := m.ledger.Terminal(ctx, jobID); err == nil && terminal {
			m.logf("skipping redelivered job with terminal ledger record job=%s", jobID)
			return nil
		}
	}

	if err := m.store.MarkRunning(ctx, jobID, ProgressInfo{
		Percent: 0,
		Stage:   "init",
		Message: "解析を初期化しています...",
	}); err != nil {
		if errors.Is(err, ErrTerminal) {
			return nil
		}
		// キュー投入時のレコードがTTL切れで消えている場合は作り直す
		if upsertErr := m.store.Upsert(ctx, &Record{
			JobID:    jobID,
			Filename: payload.Filename,
			Query:    payload.Query,
			Status:   StatusRunning,
			Progress: ProgressInfo{Percent: 0, Stage: "init", Message: "解析を初期化しています..."},
		}); upsertErr != nil {
			return upsertErr
		}
	}

	query := strings.TrimSpace(payload.Query)
	if query == "" {
		return m.finishFailed(ctx, payload, &ErrorInfo{
			Kind:    string(analysis.KindValidation),
			Message: "query cannot be empty",
		})
	}

	m.progress(ctx, jobID, 10, "validate", "入力の検証が完了しました。解析ツールを準備しています...")

	if !m.docs.Readable(payload.DocumentPath) {
		return m.finishFailed(ctx, payload, &ErrorInfo{
			Kind:    string(analysis.KindValidation),
			Message: fmt.Sprintf("document not found or unreadable: %s", payload.DocumentPath),
		})
	}

	m.progress(ctx, jobID, 20, "preflight", "ドキュメントを確認しました。AIエージェントを初期化しています...")

	if m.engine == nil {
		return m.finishFailed(ctx, payload, &ErrorInfo{
			Kind:    string(analysis.KindDependency),
			Message: "AI analysis unavailable: OPENAI_API_KEY not configured",
		})
	}

	result, err := m.engine.Run(ctx, query, payload.DocumentPath, func(stage string, percent int, message string) {
		m.progress(ctx, jobID, percent, stage, message)
	})
	if err != nil {
		classified := analysis.Classify(err)
		return m.finishFailed(ctx, payload, &ErrorInfo{
			Kind:    string(classified.Kind),
			Message: classified.Message,
		})
	}
	if strings.TrimSpace(result) == "" {
		return m.finishFailed(ctx, payload, &ErrorInfo{
			Kind:    string(analysis.KindRuntime),
			Message: "analysis completed but generated empty results",
		})
	}

	m.progress(ctx, jobID, 90, "finalize", "結果を保存してクリーンアップしています...")
	return m.finishSucceeded(ctx, payload, result)
}

func (m *Manager) finishSucceeded(ctx context.Context, payload *TaskPayload, result string) error {
	// ポーリングクライアントが終端状態を観測する前にドキュメントを消す
	m.cleanupDocument(payload)

	info := &ResultInfo{
		Analysis: result,
		Summary: ResultSummary{
			Query:          payload.Query,
			FileProcessed:  payload.Filename,
			AnalysisLength: len(result),
			TaskID:         payload.JobID,
		},
	}
	if err := m.store.MarkSucceeded(ctx, payload.JobID, info); err != nil {
		m.logf("failed to mark job succeeded job=%s: %v", payload.JobID, err)
	}
	if m.ledger != nil {
		m.ledger.UpdateResult(ctx, payload.JobID, result, ledger.StatusFinished)
	}
	m.logf("analysis job completed job=%s length=%d", payload.JobID, len(result))
	return nil
}

func (m *Manager) finishFailed(ctx context.Context, payload *TaskPayload, errInfo *ErrorInfo) error {
	m.cleanupDocument(payload)

	if err := m.store.MarkFailed(ctx, payload.JobID, errInfo); err != nil {
		m.logf("failed to mark job failed job=%s: %v", payload.JobID, err)
	}
	if m.ledger != nil {
		m.ledger.MarkFailed(ctx, payload.JobID, errInfo.Kind, errInfo.Message)
	}
	m.logf("analysis job failed job=%s kind=%s: %s", payload.JobID, errInfo.Kind, errInfo.Message)
	return nil
}

func (m *Manager) cleanupDocument(payload *TaskPayload) {
	if payload.DocumentPath == "" {
		return
	}
	if err := m.docs.Delete(payload.DocumentPath); err != nil {
		m.logf("failed to clean up document job=%s path=%s: %v", payload.JobID, payload.DocumentPath, err)
	}
}

func (m *Manager) progress(ctx context.Context, jobID string, percent int, stage, message string) {
	if err := m.store.UpdateProgress(ctx, jobID, ProgressInfo{
		Percent: percent,
		Stage:   stage,
		Message: message,
	}); err != nil {
		m.logf("failed to update progress job=%s: %v", jobID, err)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
