// Package storage はアップロードされたドキュメントのローカル保存を提供します。
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ValidationError はアップロード内容の検証エラーを表します。
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Store は管理ディレクトリ配下へのファイル保存と削除を担います。
// 保存名は毎回生成されるため、ワーカー間でロックは不要です。
type Store struct {
	dir     string
	maxSize int64
}

// NewLocal は保存先ディレクトリを作成して Store を返します。
func NewLocal(dir string, maxSize int64) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &Store{dir: dir, maxSize: maxSize}, nil
}

// Dir は管理ディレクトリのパスを返します。
func (s *Store) Dir() string {
	return s.dir
}

// Put は検証済みの内容を一意な名前で保存し、保存先パスを返します。
// 受け付けるのはPDFのみで、空ファイルと上限超過は検証エラーになります。
func (s *Store) Put(originalName string, content []byte) (string, error) {
	if strings.TrimSpace(originalName) == "" {
		return "", invalid("ファイル名が指定されていません。")
	}
	if !strings.HasSuffix(strings.ToLower(originalName), ".pdf") {
		return "", invalid("サポートされていないファイル形式です（%s）。PDFのみ対応しています。", originalName)
	}
	if len(content) == 0 {
		return "", invalid("アップロードされたファイルが空です。")
	}
	if s.maxSize > 0 && int64(len(content)) > s.maxSize {
		return "", invalid("ファイルが大きすぎます（%dバイト）。最大サイズは%dバイトです。", len(content), s.maxSize)
	}
	if !mimetype.Detect(content).Is("application/pdf") {
		return "", invalid("ファイルの内容がPDF形式ではありません。")
	}

	stored := fmt.Sprintf("financial_document_%s.pdf", uuid.NewString())
	path := filepath.Join(s.dir, stored)
	if err := os.WriteFile(path, content, 0o640); err != nil {
		return "", fmt.Errorf("failed to write document: %w", err)
	}
	return path, nil
}

// Delete はファイルを削除します。冪等で、存在しない場合もエラーにしません。
func (s *Store) Delete(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists はファイルが存在するかどうかを返します。
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Readable はファイルを実際に開けるかどうかを返します。
// 高コストな解析を始める前のプリフライト検証に使います。
func (s *Store) Readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
