package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	serperEndpoint  = "https://google.serper.dev/search"
	searchResultMax = 5
)

// SearchClient はSerperのWeb検索APIを呼び出します。
// APIキーが未設定の場合は生成されず、エンジン側は検索なしで動作します。
type SearchClient struct {
	apiKey     string
	httpClient *http.Client
}

// NewSearchClient は SearchClient を作成します。apiKeyが空の場合はnilを返します。
func NewSearchClient(apiKey string) *SearchClient {
	if apiKey == "" {
		return nil
	}
	return &SearchClient{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Search は検索結果の要約テキストを返します。結果が無い場合は空文字列です。
func (s *SearchClient) Search(ctx context.Context, query string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"q":   query,
		"num": searchResultMax,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serperEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search request failed with status %d", resp.StatusCode)
	}

	var parsed serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to parse search response: %w", err)
	}

	var b strings.Builder
	for i, item := range parsed.Organic {
		if i >= searchResultMax {
			break
		}
		fmt.Fprintf(&b, "- %s: %s (%s)\n", item.Title, item.Snippet, item.Link)
	}
	return b.String(), nil
}
