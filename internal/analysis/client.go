package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	// defaultTemperature は全エージェントフェーズで共有する温度設定
	defaultTemperature = 0.1

	// maxRetries はレート制限エラー時の最大リトライ回数
	maxRetries = 3

	// baseBackoff はExponential Backoffの基底時間
	baseBackoff = 2 * time.Second

	// maxBackoff はExponential Backoffの最大待機時間
	maxBackoff = 32 * time.Second
)

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("AI API key not set: please set OPENAI_API_KEY environment variable")

// Client はチャット補完APIの薄いラッパーです。
// レート制限時のリトライとバックオフをここで吸収します。
type Client struct {
	client openai.Client
	model  string
}

// NewClient は Client を作成します。
func NewClient(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

// ModelName はモデル名を返します。
func (c *Client) ModelName() string {
	return c.model
}

// Complete はシステムプロンプトとユーザープロンプトから応答テキストを生成します。
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * baseBackoff
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: shared.ChatModel(c.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(system),
				openai.UserMessage(prompt),
			},
			Temperature: openai.Float(defaultTemperature),
		})
		if err != nil {
			lastErr = err
			if isRateLimitError(err) {
				continue
			}
			return "", fmt.Errorf("AI completion request failed: %w", err)
		}

		if len(completion.Choices) == 0 {
			return "", fmt.Errorf("no completion choices returned")
		}
		return completion.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
