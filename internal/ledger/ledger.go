// Package ledger はジョブの永続台帳を提供します。
// タスクキュー側のジョブ状態とは独立した監査用レコードで、
// プロセス再起動後も参照できます。
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrDuplicateJob は同じjob_idのレコードが既に存在する場合のエラー
	ErrDuplicateJob = errors.New("ledger: duplicate job id")

	// ErrNotFound はレコードが存在しない場合のエラー
	ErrNotFound = errors.New("ledger: record not found")
)

// 終端ステータスのラベル。queued/finished/failed 以外の値は書き込まない。
const (
	StatusQueued   = "queued"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Record は台帳の1行を表します。
type Record struct {
	ID           int64
	JobID        string
	Filename     string
	Query        string
	FilePath     string
	Status       string
	AnalysisText string
	ErrorKind    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store はSQLiteバックエンドの台帳です。
// 台帳は観測用の補助であり、更新失敗はログに残すだけで呼び出し元には伝播しません。
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open は台帳データベースを開き、スキーマを初期化します。
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger db path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger db: %w", err)
	}
	// modernc/sqliteは単一コネクションでの利用が安全
	db.SetMaxOpenConns(1)

	store := &Store{db: db, log: logger}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id        TEXT NOT NULL UNIQUE,
	filename      TEXT NOT NULL,
	query         TEXT NOT NULL,
	file_path     TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'queued',
	analysis_text TEXT,
	error_kind    TEXT,
	error_message TEXT,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyses_job_id ON analyses(job_id);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return nil
}

// Close はデータベースを閉じます。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping は台帳が利用可能かどうかを確認します。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create は status=queued の新しいレコードを挿入します。
// 同じ job_id が既に存在する場合は ErrDuplicateJob を返します。
func (s *Store) Create(ctx context.Context, jobID, filename, query, filePath string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (job_id, filename, query, file_path, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		jobID, filename, query, filePath, StatusQueued, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
		}
		return fmt.Errorf("failed to insert ledger record: %w", err)
	}

	s.log.Info("ledger record created", "job_id", jobID, "filename", filename)
	return nil
}

// UpdateResult は解析結果と終端ステータスを書き込みます。
// レコードが無い場合は警告ログのみで正常終了します。
func (s *Store) UpdateResult(ctx context.Context, jobID, analysisText, status string) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET analysis_text = ?, status = ?, updated_at = ? WHERE job_id = ?`,
		analysisText, status, time.Now().UTC(), jobID,
	)
	if err != nil {
		s.log.Warn("ledger update failed", "job_id", jobID, "err", err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warn("ledger update skipped: record not found", "job_id", jobID)
		return
	}
	s.log.Info("ledger record updated", "job_id", jobID, "status", status)
}

// MarkFailed は失敗情報と status=failed を書き込みます。
// レコードが無い場合は警告ログのみで正常終了します。
func (s *Store) MarkFailed(ctx context.Context, jobID, kind, message string) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET status = ?, error_kind = ?, error_message = ?, updated_at = ? WHERE job_id = ?`,
		StatusFailed, kind, message, time.Now().UTC(), jobID,
	)
	if err != nil {
		s.log.Warn("ledger update failed", "job_id", jobID, "err", err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warn("ledger update skipped: record not found", "job_id", jobID)
		return
	}
	s.log.Warn("ledger record marked failed", "job_id", jobID, "kind", kind)
}

// Get は job_id でレコードを取得します。存在しない場合は ErrNotFound を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, filename, query, file_path, status,
		        COALESCE(analysis_text, ''), COALESCE(error_kind, ''), COALESCE(error_message, ''),
		        created_at, updated_at
		 FROM analyses WHERE job_id = ?`,
		jobID,
	)

	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.JobID,
		&rec.Filename,
		&rec.Query,
		&rec.FilePath,
		&rec.Status,
		&rec.AnalysisText,
		&rec.ErrorKind,
		&rec.ErrorMessage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read ledger record: %w", err)
	}
	return &rec, nil
}

// Terminal は job_id のレコードが終端ステータスに達しているかどうかを返します。
// ワーカーの再配送ガードに使います。レコードが無い場合は false です。
func (s *Store) Terminal(ctx context.Context, jobID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT status FROM analyses WHERE job_id = ?`, jobID,
	)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read ledger status: %w", err)
	}
	return status == StatusFinished || status == StatusFailed, nil
}
