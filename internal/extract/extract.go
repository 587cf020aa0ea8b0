// Package extract はPDFからのテキスト抽出境界を提供します。
// ページ単位の失敗は結果に記録するだけで、ドキュメント全体の抽出は中断しません。
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageResult は1ページ分の抽出結果です。TextとReasonは排他です。
type PageResult struct {
	Page   int    `json:"page"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Failed はこのページの抽出が失敗したかどうかを返します。
func (p PageResult) Failed() bool {
	return p.Reason != ""
}

// Document は抽出済みドキュメント全体を表します。
type Document struct {
	Path      string
	PageCount int
	Pages     []PageResult
}

// Readable は1ページでも本文テキストを取り出せたかどうかを返します。
func (d *Document) Readable() bool {
	if d == nil {
		return false
	}
	for _, p := range d.Pages {
		if !p.Failed() && strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

// financialKeywords は財務文書らしさを判定するための語彙です。
// 判定は助言目的のみで、結果の先頭に注意書きを加えるだけです。
var financialKeywords = []string{
	"revenue", "profit", "loss", "financial", "balance", "cash", "income", "statement",
}

// Text は全ページの抽出結果をページ見出し付きで連結して返します。
func (d *Document) Text() string {
	var b strings.Builder
	for _, p := range d.Pages {
		switch {
		case p.Failed():
			fmt.Fprintf(&b, "Page %d: [extraction failed: %s]\n\n", p.Page, p.Reason)
		case strings.TrimSpace(p.Text) == "":
			fmt.Fprintf(&b, "Page %d: [no extractable text found]\n\n", p.Page)
		default:
			fmt.Fprintf(&b, "Page %d:\n%s\n\n", p.Page, strings.TrimSpace(p.Text))
		}
	}

	report := b.String()
	if !containsFinancialKeyword(report) {
		report = "Warning: This document may not contain typical financial content.\n\n" + report
	}
	return report
}

func containsFinancialKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range financialKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Extractor はpdfcpuを利用したテキスト抽出器です。
type Extractor struct{}

// New は Extractor を作成します。
func New() *Extractor {
	return &Extractor{}
}

// Extract はPDFを検証したうえで全ページのテキストを抽出します。
// 壊れたPDF・暗号化PDF・0ページのPDFはドキュメントレベルのエラーになります。
func (e *Extractor) Extract(ctx context.Context, path string) (*Document, error) {
	if path == "" {
		return nil, fmt.Errorf("document path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := pdfapi.ValidateFile(path, nil); err != nil {
		return nil, fmt.Errorf("PDFの検証に失敗しました（破損または暗号化されている可能性があります）: %w", err)
	}

	pageCount, err := pdfapi.PageCountFile(path)
	if err != nil {
		return nil, fmt.Errorf("ページ数の取得に失敗しました: %w", err)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("PDFにページが含まれていません")
	}

	workDir, err := os.MkdirTemp("", "fin-extract-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(workDir)
	}()

	doc := &Document{Path: path, PageCount: pageCount, Pages: make([]PageResult, 0, pageCount)}
	for page := 1; page <= pageCount; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, pageErr := e.extractPage(path, workDir, page)
		if pageErr != nil {
			doc.Pages = append(doc.Pages, PageResult{Page: page, Reason: pageErr.Error()})
			continue
		}
		doc.Pages = append(doc.Pages, PageResult{Page: page, Text: text})
	}

	return doc, nil
}

func (e *Extractor) extractPage(path, workDir string, page int) (string, error) {
	pageDir := filepath.Join(workDir, strconv.Itoa(page))
	if err := os.MkdirAll(pageDir, 0o750); err != nil {
		return "", err
	}

	if err := pdfapi.ExtractContentFile(path, pageDir, []string{strconv.Itoa(page)}, nil); err != nil {
		return "", err
	}

	// 出力ファイル名はpdfcpuの内部仕様なので、ページ専用ディレクトリの中身を全部読む。
	entries, err := os.ReadDir(pageDir)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(pageDir, entry.Name()))
		if readErr != nil {
			return "", readErr
		}
		b.Write(data)
		b.WriteByte('\n')
	}

	return decodeContentText(b.String()), nil
}

// decodeContentText はコンテントストリームからテキストリテラルを取り出します。
// 完全なPDFテキストレイアウト再現は行いません（この層の責務外）。
func decodeContentText(content string) string {
	var (
		b       strings.Builder
		depth   int
		escaped bool
		current strings.Builder
	)

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(s)
		}
		current.Reset()
	}

	for _, r := range content {
		if depth > 0 && escaped {
			switch r {
			case 'n':
				current.WriteByte('\n')
			case 't':
				current.WriteByte('\t')
			case '(', ')', '\\':
				current.WriteRune(r)
			}
			escaped = false
			continue
		}

		switch r {
		case '\\':
			if depth > 0 {
				escaped = true
			}
		case '(':
			if depth > 0 {
				current.WriteRune(r)
			}
			depth++
		case ')':
			depth--
			if depth > 0 {
				current.WriteRune(r)
			} else if depth == 0 {
				flush()
			}
		default:
			if depth > 0 {
				current.WriteRune(r)
			}
		}
	}

	return strings.TrimSpace(b.String())
}
