// Package analyze は財務ドキュメント解析のHTTPハンドラーを提供します。
package analyze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/fin-analyzer/internal/analysis"
	"github.com/yourusername/fin-analyzer/internal/jobs"
	"github.com/yourusername/fin-analyzer/internal/storage"
)

// DefaultQuery はクエリ未指定時に使う解析指示です。
const DefaultQuery = "Analyze this financial document for investment insights"

// Analyzer は解析エンジンの呼び出し口です。
type Analyzer interface {
	Run(ctx context.Context, query, documentPath string, reporter analysis.ProgressReporter) (string, error)
}

// Scheduler は解析ジョブを非同期キューに投入します。
type Scheduler interface {
	Enqueue(ctx context.Context, payload *jobs.TaskPayload) (string, error)
}

// DocumentStore はアップロードされたドキュメントの保存と削除を提供します。
type DocumentStore interface {
	Put(originalName string, content []byte) (string, error)
	Delete(path string) error
}

// HandlerOptions はハンドラー共通の設定です。
type HandlerOptions struct {
	MaxFileSize int64
	Logger      *log.Logger
}

// SyncHandler は POST /analyze-document のハンドラーを返します。
// リクエスト内で解析を完走させ、レポートをそのまま返します。
func SyncHandler(docs DocumentStore, engine Analyzer, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if engine == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SERVICE_UNAVAILABLE",
				"message": "AI解析は現在利用できません。OPENAI_API_KEY を設定してください。",
			})
			return
		}

		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でPDFファイルを送信してください。",
			})
			return
		}

		content, err := readUpload(header, opts.MaxFileSize)
		if err != nil {
			respondWithError(c, err)
			return
		}

		query := strings.TrimSpace(c.PostForm("query"))
		if query == "" {
			query = DefaultQuery
		}

		storedPath, err := docs.Put(header.Filename, content)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer func() {
			if err := docs.Delete(storedPath); err != nil && opts.Logger != nil {
				opts.Logger.Printf("failed to clean up document path=%s: %v", storedPath, err)
			}
		}()

		report, err := engine.Run(c.Request.Context(), query, storedPath, nil)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":          "success",
			"query":           query,
			"analysis":        report,
			"file_processed":  header.Filename,
			"file_size_bytes": len(content),
			"processing_mode": "synchronous",
		})
	}
}

// AsyncHandler は POST /analyze-document-async のハンドラーを返します。
// ドキュメントを保存してジョブを投入し、task_id を即時に返します。
func AsyncHandler(docs DocumentStore, scheduler Scheduler, aiConfigured bool, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if scheduler == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SERVICE_UNAVAILABLE",
				"message": "非同期解析キューは現在利用できません。",
			})
			return
		}
		if !aiConfigured {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SERVICE_UNAVAILABLE",
				"message": "AI解析は現在利用できません。OPENAI_API_KEY を設定してください。",
			})
			return
		}

		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でPDFファイルを送信してください。",
			})
			return
		}

		content, err := readUpload(header, opts.MaxFileSize)
		if err != nil {
			respondWithError(c, err)
			return
		}

		query := strings.TrimSpace(c.PostForm("query"))
		if query == "" {
			query = DefaultQuery
		}

		storedPath, err := docs.Put(header.Filename, content)
		if err != nil {
			respondWithError(c, err)
			return
		}

		jobID := uuid.NewString()
		taskID, err := scheduler.Enqueue(c.Request.Context(), &jobs.TaskPayload{
			JobID:        jobID,
			Filename:     header.Filename,
			Query:        query,
			DocumentPath: storedPath,
		})
		if err != nil {
			if cleanupErr := docs.Delete(storedPath); cleanupErr != nil && opts.Logger != nil {
				opts.Logger.Printf("failed to clean up document after enqueue failure path=%s: %v", storedPath, cleanupErr)
			}
			if opts.Logger != nil {
				opts.Logger.Printf("failed to enqueue analysis job: %v", err)
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "QUEUE_UNAVAILABLE",
				"message": "解析ジョブの投入に失敗しました。時間をおいて再試行してください。",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":          "queued",
			"task_id":         taskID,
			"file_processed":  header.Filename,
			"file_size_bytes": len(content),
			"message":         "解析タスクをキューに登録しました。task_id で進捗を確認できます。",
			"processing_mode": "asynchronous",
			"status_endpoint": fmt.Sprintf("/task-status/%s", taskID),
		})
	}
}

// readUpload はアップロードを上限つきで読み込みます。
// 上限超過の判定自体はストレージ層が行うため、ここでは上限+1までで打ち切ります。
func readUpload(header *multipart.FileHeader, maxSize int64) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer file.Close()

	limit := int64(-1)
	if maxSize > 0 {
		limit = maxSize + 1
	}
	var reader io.Reader = file
	if limit > 0 {
		reader = io.LimitReader(file, limit)
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read uploaded file: %w", err)
	}
	return content, nil
}

// respondWithError は型付きエラーをHTTPステータスに対応づけます。
func respondWithError(c *gin.Context, err error) {
	var validationErr *storage.ValidationError
	var analysisErr *analysis.Error
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": validationErr.Message,
		})
	case errors.As(err, &analysisErr):
		switch {
		case analysisErr.Kind == analysis.KindValidation:
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": analysisErr.Message,
			})
		case analysis.IsRateLimited(analysisErr):
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": analysisErr.Message,
			})
		case analysisErr.Kind == analysis.KindDependency:
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SERVICE_UNAVAILABLE",
				"message": analysisErr.Message,
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": analysisErr.Message,
			})
		}
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
