// Package analysis は財務ドキュメントの解析エンジンを提供します。
// 検証・財務分析・投資助言・リスク評価の4フェーズを順番に実行し、
// 1本のレポートに合成します。
package analysis

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/yourusername/fin-analyzer/internal/config"
	"github.com/yourusername/fin-analyzer/internal/extract"
)

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(stage string, percent int, message string)

func reportProgress(cb ProgressReporter, stage string, percent int, message string) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(stage, percent, message)
}

// completer は1回のチャット補完を実行します。
type completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Engine は解析エンジン本体です。プロセス起動時に設定から構築され、
// 共有グローバル状態は持ちません。
type Engine struct {
	llm       completer
	search    *SearchClient
	extractor *extract.Extractor
	logger    *log.Logger
	timeout   time.Duration
}

// NewEngine は設定から Engine を構築します。
// APIキーが未設定の場合は dependency_missing エラーを返します。
func NewEngine(cfg *config.Config, logger *log.Logger) (*Engine, error) {
	if !cfg.AIConfigured() {
		return nil, newError(KindDependency, "AI analysis unavailable: OPENAI_API_KEY not configured", nil)
	}
	llm, err := NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	if err != nil {
		return nil, newError(KindDependency, "failed to initialize AI client", err)
	}
	return &Engine{
		llm:       llm,
		search:    NewSearchClient(cfg.SerperAPIKey),
		extractor: extract.New(),
		logger:    logger,
		timeout:   time.Duration(cfg.AnalysisTimeoutSeconds) * time.Second,
	}, nil
}

// Run はドキュメントを抽出して全フェーズを実行し、合成レポートを返します。
// 呼び出し全体に設定済みタイムアウトを適用します。
func (e *Engine) Run(ctx context.Context, query, documentPath string, reporter ProgressReporter) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", newError(KindValidation, "query cannot be empty", nil)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	reportProgress(reporter, "extract", 30, "ドキュメントからテキストを抽出しています...")
	doc, err := e.extractor.Extract(ctx, documentPath)
	if err != nil {
		return "", newError(KindValidation, fmt.Sprintf("document validation failed: %v", err), err)
	}
	if !doc.Readable() {
		return "", newError(KindValidation, "No readable content found in the PDF file. The file may be image-based or corrupted.", nil)
	}

	report, err := e.runPhases(ctx, query, doc.Text(), reporter)
	if err != nil {
		return "", err
	}
	return report, nil
}

// runPhases は抽出済みテキストに対して4フェーズを順番に実行します。
// フェーズ間に並列性はなく、後段は前段の出力を受け取ります。
func (e *Engine) runPhases(ctx context.Context, query, docText string, reporter ProgressReporter) (string, error) {
	searchContext := e.fetchSearchContext(ctx, query)

	reportProgress(reporter, "verify", 40, "ドキュメントの検証を実行しています...")
	verification, err := e.completePhase(ctx, "verification", verifierSystemPrompt, buildVerificationPrompt(docText))
	if err != nil {
		return "", err
	}

	reportProgress(reporter, "analyze", 50, "財務分析を実行しています...")
	analysisReport, err := e.completePhase(ctx, "financial analysis", analystSystemPrompt, buildAnalysisPrompt(query, docText, verification, searchContext))
	if err != nil {
		return "", err
	}

	reportProgress(reporter, "advise", 65, "投資助言を作成しています...")
	investment, err := e.completePhase(ctx, "investment analysis", advisorSystemPrompt, buildInvestmentPrompt(query, analysisReport, searchContext))
	if err != nil {
		return "", err
	}

	reportProgress(reporter, "assess", 80, "リスク評価を実行しています...")
	risk, err := e.completePhase(ctx, "risk assessment", riskAssessorSystemPrompt, buildRiskPrompt(query, analysisReport, investment))
	if err != nil {
		return "", err
	}

	report := assembleReport(query, verification, analysisReport, investment, risk)
	if strings.TrimSpace(report) == "" {
		return "", newError(KindRuntime, "analysis completed but generated empty results", nil)
	}
	return report, nil
}

func (e *Engine) completePhase(ctx context.Context, phase, system, prompt string) (string, error) {
	out, err := e.llm.Complete(ctx, system, prompt)
	if err != nil {
		classified := Classify(err)
		return "", newError(classified.Kind, fmt.Sprintf("%s phase failed: %s", phase, classified.Message), err)
	}
	if strings.TrimSpace(out) == "" {
		return "", newError(KindRuntime, fmt.Sprintf("%s phase returned no output", phase), nil)
	}
	return out, nil
}

// fetchSearchContext はWeb検索コンテキストを取得します。検索は補助情報なので
// 失敗してもログに残すだけで解析は続行します。
func (e *Engine) fetchSearchContext(ctx context.Context, query string) string {
	if e.search == nil {
		return ""
	}
	snippets, err := e.search.Search(ctx, query)
	if err != nil {
		if e.logger != nil {
			e.logger.Printf("web search failed, continuing without it: %v", err)
		}
		return ""
	}
	return snippets
}

func assembleReport(query, verification, analysisReport, investment, risk string) string {
	var b strings.Builder
	b.WriteString("# Financial Document Analysis Report\n\n")
	fmt.Fprintf(&b, "Query: %s\n\n", query)
	fmt.Fprintf(&b, "## Document Verification\n\n%s\n\n", strings.TrimSpace(verification))
	fmt.Fprintf(&b, "## Financial Analysis\n\n%s\n\n", strings.TrimSpace(analysisReport))
	fmt.Fprintf(&b, "## Investment Guidance\n\n%s\n\n", strings.TrimSpace(investment))
	fmt.Fprintf(&b, "## Risk Assessment\n\n%s\n", strings.TrimSpace(risk))
	return b.String()
}
