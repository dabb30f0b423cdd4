// Package generate は外部AI補完サービスへのアダプターを提供します。
package generate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"

	// アダプター内部の再試行回数。レート制限や一時的な切断を吸収するための
	// もので、パイプラインのステージ再実行とは無関係です。
	defaultMaxAttempts = 2

	maxBackoff = 30 * time.Second
)

// Request はテキスト生成1回分の入力です。
type Request struct {
	Document []byte // 正規化済みPDF
	Filename string
	Title    string
	APIKey   string // リクエスト単位の上書きキー（空なら設定のキーを使用）
}

// Config は Gemini クライアントの設定です。
type Config struct {
	APIKey     string
	Model      string
	APIVersion string
	BaseURL    string // テスト用。空なら本番エンドポイント。
}

// Client は Gemini generateContent REST API のクライアントです。
type Client struct {
	cfg         Config
	httpClient  *http.Client
	maxAttempts int
	backoffBase time.Duration
}

// NewClient は Client を作成します。タイムアウトは呼び出し側の
// context で制御するため、http.Client 自体には設定しません。
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v1alpha"
	}
	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{},
		maxAttempts: defaultMaxAttempts,
		backoffBase: time.Second,
	}
}

type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gemini api error (status %d): %s", e.StatusCode, e.Message)
}

// Generate はPDFとプロンプトを送信して解説Markdownを取得します。
// 応答が空、または打ち切りを示すキーワードを含む場合は不正とみなし、
// 残り試行回数があれば指数バックオフ付きで再試行します。
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = c.cfg.APIKey
	}
	if apiKey == "" {
		return "", errors.New("gemini api key is required")
	}
	if len(req.Document) == 0 {
		return "", errors.New("document is empty")
	}

	prompt := buildPrompt(req.Title, req.Filename)
	payload := generateRequest{
		Contents: []content{
			{
				Role: "user",
				Parts: []part{
					{InlineData: &inlineData{
						MIMEType: "application/pdf",
						Data:     base64.StdEncoding.EncodeToString(req.Document),
					}},
					{Text: prompt},
				},
			},
		},
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, attempt); err != nil {
				return "", err
			}
		}

		text, err := c.call(ctx, apiKey, &payload)
		if err != nil {
			lastErr = err
			if !retryable(err) {
				return "", err
			}
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			lastErr = errors.New("gemini response is empty")
			continue
		}
		if containsInvalidKeyword(text) {
			lastErr = errors.New("gemini response looks truncated")
			continue
		}
		return text, nil
	}
	return "", fmt.Errorf("gemini request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) call(ctx context.Context, apiKey string, payload *generateRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/models/%s:generateContent", c.cfg.BaseURL, c.cfg.APIVersion, c.cfg.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 400 {
		message := strings.TrimSpace(string(data))
		var errBody struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &errBody) == nil && errBody.Error.Message != "" {
			message = errBody.Error.Message
		}
		return "", &apiError{StatusCode: resp.StatusCode, Message: message}
	}

	var parsed generateResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse gemini response: %w", err)
	}
	return parsed.text(), nil
}

func (c *Client) wait(ctx context.Context, attempt int) error {
	delay := c.backoffBase*time.Duration(1<<(attempt-1)) + time.Duration(rand.Int63n(int64(time.Second)))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryable(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	// タイムアウトはステージ全体の失敗として扱うため再試行しません。
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	// 接続断などのトランスポートエラーは再試行します。
	return true
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (r *generateResponse) text() string {
	var texts []string
	for _, candidate := range r.Candidates {
		for _, p := range candidate.Content.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
	}
	return strings.Join(texts, "\n")
}
