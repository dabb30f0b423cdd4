package pipeline

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Submitter は投入処理を実装するサービスです。
type Submitter interface {
	PrepareJob(ctx context.Context, file *multipart.FileHeader, meta Metadata, apiKey string, maxSize int64) (*Manifest, error)
	DiscardJob(jobID string) error
}

// SubmitOptions は投入ハンドラーの設定です。
type SubmitOptions struct {
	Scheduler   Scheduler
	MaxFileSize int64
}

// SubmitHandler は POST /api/v1/pipeline のハンドラーを返します。
// 検証・保存・レコード作成・キュー投入を行い、パイプラインの実行を
// 待たずに即座にジョブIDを返します。
func SubmitHandler(svc Submitter, opts SubmitOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "multipart/form-data で入力ファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		file := extractInputFile(form)
		if file == nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "input_file が見つかりません。",
			})
			return
		}

		meta := Metadata{
			Title:        c.PostForm("explanation_name"),
			Organization: c.PostForm("university"),
			Year:         c.PostForm("year"),
			Subject:      c.PostForm("subject"),
			Author:       c.PostForm("author"),
		}
		apiKey := c.PostForm("api_key")

		manifest, err := svc.PrepareJob(c.Request.Context(), file, meta, apiKey, opts.MaxFileSize)
		if err != nil {
			RespondWithError(c, err)
			return
		}

		if err := opts.Scheduler.Schedule(c.Request.Context(), manifest.JobID, meta, manifest.Input.Ref); err != nil {
			if cleanupErr := svc.DiscardJob(manifest.JobID); cleanupErr != nil {
				err = fmt.Errorf("%w (cleanup failed: %v)", err, cleanupErr)
			}
			RespondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":   manifest.JobID,
			"status":  "accepted",
			"message": "ジョブを受け付けました。ステータスをポーリングしてください。",
		})
	}
}

func extractInputFile(form *multipart.Form) *multipart.FileHeader {
	if form == nil {
		return nil
	}
	for _, field := range []string{"input_file", "file"} {
		if files := form.File[field]; len(files) > 0 {
			return files[0]
		}
	}
	return nil
}

// RespondWithError はドメインエラーをHTTPレスポンスへ変換します。
func RespondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeExpired:
		return http.StatusGone
	case CodeGenerationFailed, CodeConversionFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
