// Package jobs はジョブのライフサイクル管理と非同期実行を提供します。
package jobs

import (
	"time"

	"github.com/yourusername/exam-forge/internal/pipeline"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusAccepted           Status = "accepted"
	StatusGeneratingText     Status = "generating_text"
	StatusGeneratingDocument Status = "generating_document"
	StatusDone               Status = "done"
	StatusFailedGeneration   Status = "failed_generation"
	StatusFailedConversion   Status = "failed_conversion"
	StatusExpired            Status = "expired"
)

// transitions は許可される状態遷移を定義します。expired へは全状態から一方通行です。
var transitions = map[Status][]Status{
	StatusAccepted:           {StatusGeneratingText, StatusExpired},
	StatusGeneratingText:     {StatusGeneratingDocument, StatusFailedGeneration, StatusExpired},
	StatusGeneratingDocument: {StatusDone, StatusFailedConversion, StatusExpired},
	StatusDone:               {StatusExpired},
	StatusFailedGeneration:   {StatusExpired},
	StatusFailedConversion:   {StatusExpired},
	StatusExpired:            {},
}

// CanTransition は s から to への遷移が許可されているかを返します。
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal は処理がそれ以上進まない状態かを返します。
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailedGeneration, StatusFailedConversion, StatusExpired:
		return true
	}
	return false
}

// InFlight はパイプラインが処理中の状態かを返します。
func (s Status) InFlight() bool {
	switch s {
	case StatusAccepted, StatusGeneratingText, StatusGeneratingDocument:
		return true
	}
	return false
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID      string            `json:"jobId"`
	Status     Status            `json:"status"`
	Metadata   pipeline.Metadata `json:"metadata"`
	InputRef   string            `json:"inputRef"`
	OutputRefs []string          `json:"outputRefs,omitempty"`
	BundleRef  string            `json:"bundleRef,omitempty"`
	Message    string            `json:"message,omitempty"`
	Error      *ErrorInfo        `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}

// Expired は保持期限を過ぎているかを返します（ストア上の状態とは独立）。
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Stalled はテキスト生成中のまま閾値を超えて更新が止まっているかを返します。
// ストアに保存される状態ではなく、ステータス応答でのみ使う導出値です。
// サーバー側のアダプタータイムアウトが本来のガードであり、こちらは
// クライアント向けの再投入ヒントに過ぎません。
func (r *Record) Stalled(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	return r.Status == StatusGeneratingText && now.Sub(r.UpdatedAt) > threshold
}

// Retryable はクライアントが再投入すべき状態かを返します。
func (r *Record) Retryable(now time.Time, stalledAfter time.Duration) bool {
	switch r.Status {
	case StatusFailedGeneration, StatusFailedConversion:
		return true
	}
	return r.Stalled(now, stalledAfter)
}

// TextRef は生成済みテキスト成果物への参照を返します（未生成なら空文字）。
func (r *Record) TextRef() string {
	for _, ref := range r.OutputRefs {
		if isMarkdownRef(ref) {
			return ref
		}
	}
	return ""
}

func isMarkdownRef(ref string) bool {
	return len(ref) > 3 && ref[len(ref)-3:] == ".md"
}
