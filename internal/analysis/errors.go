package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
)

// Kind は解析失敗の分類です。ジョブのerror_typeとしてそのまま公開されます。
type Kind string

const (
	KindValidation Kind = "validation"
	KindDependency Kind = "dependency_missing"
	KindRuntime    Kind = "runtime"
	KindUnexpected Kind = "unexpected"
)

// Error は解析エンジン由来の分類済みエラーです。
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Classify は任意のエラーを分類済みの *Error に正規化します。
// 型付きエラーを優先し、型情報のないエラーには文字列ヒューリスティックを
// 適用します（後者はベストエフォートであり、契約ではありません）。
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return newError(KindRuntime, "AI service rate limit exceeded", err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return newError(KindDependency, "AI service authentication failed", err)
		default:
			return newError(KindRuntime, "AI service request failed", err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindRuntime, "analysis timed out", err)
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"),
		strings.Contains(msg, "RESOURCE_EXHAUSTED"),
		strings.Contains(msg, `code": 429`):
		return newError(KindRuntime, "AI service rate limit exceeded", err)
	case strings.Contains(lower, "authentication"),
		strings.Contains(lower, "api key"),
		strings.Contains(lower, "unauthorized"):
		return newError(KindDependency, "AI service authentication failed", err)
	case strings.Contains(lower, "no readable content"):
		return newError(KindValidation, msg, nil)
	}

	return newError(KindUnexpected, msg, nil)
}

// IsRateLimited はレート制限起因の失敗かどうかを返します。
// HTTP境界で429を返すための判定に使います。
func IsRateLimited(err error) bool {
	classified := Classify(err)
	return classified != nil && strings.Contains(classified.Message, "rate limit")
}
