package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/fin-analyzer/internal/analysis"
	"github.com/yourusername/fin-analyzer/internal/config"
	"github.com/yourusername/fin-analyzer/internal/jobs"
	"github.com/yourusername/fin-analyzer/internal/ledger"
	"github.com/yourusername/fin-analyzer/internal/storage"
)

func setupJobs(cfg *config.Config, ledgerStore *ledger.Store, docs *storage.Store, engine *analysis.Engine) (*jobs.Manager, *jobs.Store, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, nil, err
	}

	redisClient := redis.NewClient(opt)
	ttlMinutes := cfg.JobExpireMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 1440
	}
	store := jobs.NewStore(redisClient, time.Duration(ttlMinutes)*time.Minute)

	// nilポインタをインターフェース型に入れると非nil扱いになるため詰め替える
	var recorder jobs.LedgerRecorder
	if ledgerStore != nil {
		recorder = ledgerStore
	}
	var runner jobs.Analyzer
	if engine != nil {
		runner = engine
	}

	manager, err := jobs.NewManager(cfg, store, recorder, docs, runner, log.Default())
	if err != nil {
		return nil, nil, err
	}
	return manager, store, nil
}

// taskStatusHandler は GET /task-status/:id のハンドラーを返します。
// 状態はCeleryライクなラベル（PENDING/PROGRESS/SUCCESS/FAILURE）で返します。
func taskStatusHandler(tracker *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tracker == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "QUEUE_UNAVAILABLE",
				"message": "ジョブ状態ストアが利用できません。",
			})
			return
		}

		taskID := strings.TrimSpace(c.Param("id"))
		if taskID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "task_id を指定してください。",
			})
			return
		}

		record, err := tracker.Get(c.Request.Context(), taskID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}

		// 不明なIDは失効とみなし PENDING を返す（404にはしない）
		if record == nil {
			c.JSON(http.StatusOK, gin.H{
				"task_id": taskID,
				"state":   "PENDING",
				"status":  "Task is waiting to be processed or does not exist",
			})
			return
		}

		payload := gin.H{
			"task_id": record.JobID,
			"state":   taskState(record.Status),
			"status":  record.Progress.Message,
			"progress": gin.H{
				"percent": record.Progress.Percent,
				"stage":   record.Progress.Stage,
			},
			"updatedAt": record.UpdatedAt,
		}
		if record.Result != nil {
			payload["result"] = record.Result.Analysis
			payload["summary"] = record.Result.Summary
		}
		if record.Error != nil {
			payload["error"] = record.Error.Message
			payload["error_type"] = record.Error.Kind
		}

		c.JSON(http.StatusOK, payload)
	}
}

func taskState(status jobs.Status) string {
	switch status {
	case jobs.StatusQueued:
		return "PENDING"
	case jobs.StatusRunning:
		return "PROGRESS"
	case jobs.StatusSucceeded:
		return "SUCCESS"
	case jobs.StatusFailed:
		return "FAILURE"
	default:
		return "PENDING"
	}
}

// analysisRecordHandler は GET /analysis/:id のハンドラーを返します。
// 台帳に永続化された解析結果を参照します。
func analysisRecordHandler(ledgerStore *ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ledgerStore == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "LEDGER_UNAVAILABLE",
				"message": "解析台帳が利用できません。",
			})
			return
		}

		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "job_id を指定してください。",
			})
			return
		}

		record, err := ledgerStore.Get(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "ANALYSIS_NOT_FOUND",
					"message": "指定された解析は存在しません。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "解析情報の取得に失敗しました。",
			})
			return
		}

		payload := gin.H{
			"job_id":     record.JobID,
			"filename":   record.Filename,
			"query":      record.Query,
			"status":     record.Status,
			"created_at": record.CreatedAt,
			"updated_at": record.UpdatedAt,
		}
		if record.AnalysisText != "" {
			payload["analysis"] = record.AnalysisText
		}
		if record.ErrorMessage != "" {
			payload["error"] = record.ErrorMessage
			payload["error_type"] = record.ErrorKind
		}

		c.JSON(http.StatusOK, payload)
	}
}

// queueStatusHandler は GET /queue-status のハンドラーを返します。
func queueStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if manager == nil {
			c.JSON(http.StatusOK, gin.H{
				"queue":   "unavailable",
				"message": "非同期キューは構成されていません。",
			})
			return
		}

		snapshots, workers, err := manager.QueueStatus(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusOK, gin.H{
				"queue":   "degraded",
				"message": "キュー情報の取得に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"queue":   "ok",
			"queues":  snapshots,
			"workers": workers,
		})
	}
}

// healthHandler はサービスと依存先の状態を返します。
func healthHandler(cfg *config.Config, tracker *jobs.Store, ledgerStore *ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		queueOK := false
		if tracker != nil {
			queueOK = tracker.Ping(ctx) == nil
		}
		ledgerOK := false
		if ledgerStore != nil {
			ledgerOK = ledgerStore.Ping(ctx) == nil
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "fin-analyzer-api",
			"version": "0.1.0",
			"dependencies": gin.H{
				"ai_configured": cfg.AIConfigured(),
				"queue":         queueOK,
				"ledger":        ledgerOK,
			},
		})
	}
}
