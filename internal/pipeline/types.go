// Package pipeline は解説生成パイプラインのドメイン処理を提供します。
package pipeline

import (
	"fmt"
	"strings"
)

// エラーコードの一覧。HTTPレスポンスとジョブレコードの両方で使用します。
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeNotFound         = "JOB_NOT_FOUND"
	CodeExpired          = "JOB_EXPIRED"
	CodeGenerationFailed = "GENERATION_FAILED"
	CodeConversionFailed = "CONVERSION_FAILED"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error はコード付きのドメインエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError はドメインエラーを作成します。
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Metadata は解説生成に必要な記述メタデータです。投入後は変更されません。
type Metadata struct {
	Title        string `json:"title"`
	Organization string `json:"organization"`
	Year         string `json:"year"`
	Subject      string `json:"subject"`
	Author       string `json:"author"`
}

// Validate は必須フィールドがすべて埋まっていることを確認します。
func (m Metadata) Validate() error {
	fields := map[string]string{
		"explanation_name": m.Title,
		"university":       m.Organization,
		"year":             m.Year,
		"subject":          m.Subject,
		"author":           m.Author,
	}
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			return NewError(CodeInvalidInput, fmt.Sprintf("%s は必須です。", name), nil)
		}
	}
	return nil
}

// AttributionText は変換ステージで引用部に付与する出典表記を組み立てます。
func (m Metadata) AttributionText() string {
	parts := []string{
		fallbackUnknown(m.Organization),
		fallbackUnknown(m.Year),
		fallbackUnknown(m.Subject),
		fallbackUnknown(m.Author),
	}
	return strings.Join(parts, " ")
}

func fallbackUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "不明"
	}
	return s
}
