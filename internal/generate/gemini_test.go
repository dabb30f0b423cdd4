package generate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func successBody(text string) string {
	body, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]any{{"text": text}}}},
		},
	})
	return string(body)
}

func newTestClient(baseURL string) *Client {
	c := NewClient(Config{
		APIKey:  "config-key",
		Model:   "gemini-3-pro-preview",
		BaseURL: baseURL,
	})
	c.backoffBase = time.Millisecond
	return c
}

func testRequest() Request {
	return Request{
		Document: []byte("%PDF-1.4 dummy"),
		Filename: "exam.pdf",
		Title:    "2025年度 数学",
	}
}

func TestGenerateSuccess(t *testing.T) {
	var gotPath, gotKey string
	var gotPayload generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Write([]byte(successBody("# 解答解説\n\n問1 ...")))
	}))
	defer srv.Close()

	text, err := newTestClient(srv.URL).Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if !strings.HasPrefix(text, "# 解答解説") {
		t.Fatalf("unexpected text: %q", text)
	}
	if gotPath != "/v1alpha/models/gemini-3-pro-preview:generateContent" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotKey != "config-key" {
		t.Fatalf("unexpected api key: %s", gotKey)
	}
	if len(gotPayload.Contents) != 1 || len(gotPayload.Contents[0].Parts) != 2 {
		t.Fatalf("unexpected payload shape: %+v", gotPayload)
	}
	if inline := gotPayload.Contents[0].Parts[0].InlineData; inline == nil || inline.MIMEType != "application/pdf" {
		t.Fatalf("expected inline pdf part: %+v", gotPayload.Contents[0].Parts[0])
	}
	if gotPayload.Contents[0].Parts[1].Text == "" {
		t.Fatal("expected prompt part")
	}
}

func TestGenerateUsesRequestAPIKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		w.Write([]byte(successBody("解説")))
	}))
	defer srv.Close()

	req := testRequest()
	req.APIKey = "override-key"
	if _, err := newTestClient(srv.URL).Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if gotKey != "override-key" {
		t.Fatalf("request api key not used: %s", gotKey)
	}
}

func TestGenerateRetriesOnServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(successBody("解説")))
	}))
	defer srv.Close()

	text, err := newTestClient(srv.URL).Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if text != "解説" {
		t.Fatalf("unexpected text: %q", text)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
}

func TestGenerateDoesNotRetryClientError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":{"message":"invalid argument"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if calls != 1 {
		t.Fatalf("client errors must not be retried, got %d calls", calls)
	}
	if !strings.Contains(err.Error(), "invalid argument") {
		t.Fatalf("error should carry the api message: %v", err)
	}
}

func TestGenerateRejectsTruncatedResponse(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(successBody("問1の解説。\n\n以下同様に解いてください。")))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected truncated responses to be rejected")
	}
	if calls != 2 {
		t.Fatalf("expected all attempts to be used, got %d calls", calls)
	}
}

func TestGenerateRejectsEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Generate(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error for empty response")
	}
}

func TestGenerateRequiresAPIKey(t *testing.T) {
	c := NewClient(Config{Model: "m", BaseURL: "http://unused"})
	if _, err := c.Generate(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestContainsInvalidKeyword(t *testing.T) {
	if !containsInvalidKeyword("残りの問題は同様です") {
		t.Error("expected truncation phrase to be detected")
	}
	if containsInvalidKeyword("問1から問5まで全て解説済み") {
		t.Error("complete text flagged as truncated")
	}
}
