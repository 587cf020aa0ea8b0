// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"log"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/fin-analyzer/internal/analysis"
	"github.com/yourusername/fin-analyzer/internal/analyze"
	"github.com/yourusername/fin-analyzer/internal/auth"
	"github.com/yourusername/fin-analyzer/internal/config"
	"github.com/yourusername/fin-analyzer/internal/jobs"
	"github.com/yourusername/fin-analyzer/internal/ledger"
	"github.com/yourusername/fin-analyzer/internal/storage"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストア（認証が有効なときだけ配線する）
	if cfg.AuthEnabled() {
		store := cookie.NewStore([]byte(cfg.SessionSecret))
		store.Options(sessions.Options{
			Path:     "/",
			MaxAge:   auth.SessionMaxAgeSeconds(),
			HttpOnly: true,
			Secure:   cfg.GinMode == gin.ReleaseMode,
			SameSite: http.SameSiteStrictMode,
		})
		router.Use(sessions.Sessions(auth.SessionCookieName, store))
	}

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
	}
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// ドキュメントストレージ
	docs, err := storage.NewLocal(cfg.DataDir, cfg.MaxFileSize)
	if err != nil {
		log.Fatalf("Failed to initialize document storage: %v", err)
	}

	// 解析台帳（失敗しても縮退して起動する）
	ledgerStore, err := ledger.Open(cfg.LedgerDBPath, slog.Default())
	if err != nil {
		log.Printf("Warning: analysis ledger unavailable: %v", err)
		ledgerStore = nil
	}

	// 解析エンジン（APIキー未設定時はnilのまま起動し、該当APIは503を返す）
	var engine *analysis.Engine
	if cfg.AIConfigured() {
		engine, err = analysis.NewEngine(cfg, log.Default())
		if err != nil {
			log.Printf("Warning: analysis engine unavailable: %v", err)
			engine = nil
		}
	} else {
		log.Print("Warning: OPENAI_API_KEY not set, analysis endpoints will return 503")
	}

	// 非同期ジョブ基盤（Redis未接続でも同期解析だけで起動できる）
	manager, tracker, err := setupJobs(cfg, ledgerStore, docs, engine)
	if err != nil {
		log.Printf("Warning: job queue unavailable: %v", err)
		manager = nil
		tracker = nil
	} else {
		manager.StartWorkers()
	}

	setupRoutes(router, cfg, docs, engine, manager, tracker, ledgerStore)

	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRoutes はエンドポイントと認証周りの配線を行います。
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	docs *storage.Store,
	engine *analysis.Engine,
	manager *jobs.Manager,
	tracker *jobs.Store,
	ledgerStore *ledger.Store,
) {
	router.GET("/", rootHandler)
	router.GET("/health", healthHandler(cfg, tracker, ledgerStore))

	opts := analyze.HandlerOptions{
		MaxFileSize: cfg.MaxFileSize,
		Logger:      log.Default(),
	}

	// nilポインタをそのままインターフェースに入れると非nil扱いになるため明示的に詰め替える
	var engineRunner analyze.Analyzer
	if engine != nil {
		engineRunner = engine
	}
	var scheduler analyze.Scheduler
	if manager != nil {
		scheduler = manager
	}

	analyzeRoutes := router.Group("")
	if cfg.AuthEnabled() {
		authManager := auth.NewManager(cfg)
		authRoutes := router.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}
		analyzeRoutes.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
	}

	analyzeRoutes.POST("/analyze-document", analyze.SyncHandler(docs, engineRunner, opts))
	analyzeRoutes.POST("/analyze-document-async", analyze.AsyncHandler(docs, scheduler, cfg.AIConfigured(), opts))
	analyzeRoutes.GET("/task-status/:id", taskStatusHandler(tracker))
	// 旧クライアント向けの互換エイリアス
	analyzeRoutes.GET("/job-status/:id", taskStatusHandler(tracker))
	analyzeRoutes.GET("/analysis/:id", analysisRecordHandler(ledgerStore))
	analyzeRoutes.GET("/queue-status", queueStatusHandler(manager))
}

// rootHandler はサービスの案内を返します。
func rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "fin-analyzer-api",
		"version": "0.1.0",
		"message": "Financial Document Analyzer API",
		"endpoints": gin.H{
			"analyze":       "POST /analyze-document",
			"analyze_async": "POST /analyze-document-async",
			"task_status":   "GET /task-status/{task_id}",
			"analysis":      "GET /analysis/{job_id}",
			"queue_status":  "GET /queue-status",
			"health":        "GET /health",
		},
	})
}
