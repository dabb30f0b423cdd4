package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/exam-forge/internal/pipeline"
)

// RecordReader はステータス・取得系ハンドラーが使う読み取り専用の
// ストアビューです。ハンドラーはレコードを一切変更しません。
type RecordReader interface {
	Get(ctx context.Context, jobID string) (*Record, error)
}

// ArtifactOpener は成果物のストリーム配信用インターフェースです。
// storage.Local が実装します。
type ArtifactOpener interface {
	OpenArtifact(jobID, ref string) (*os.File, int64, error)
}

// HandlerOptions はステータス応答の導出値に使う設定です。
type HandlerOptions struct {
	StalledAfter time.Duration
}

// StatusHandler は GET /api/v1/pipeline/:id のハンドラーを返します。
// 処理中は 202、終端状態は 200 を返します。
func StatusHandler(store RecordReader, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, ok := fetchRecord(c, store)
		if !ok {
			return
		}

		now := time.Now().UTC()
		payload := gin.H{
			"jobId":     record.JobID,
			"status":    record.Status,
			"message":   record.Message,
			"retryable": record.Retryable(now, opts.StalledAfter),
			"updatedAt": record.UpdatedAt,
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}

		if record.Status.Terminal() {
			c.JSON(http.StatusOK, payload)
			return
		}
		c.JSON(http.StatusAccepted, payload)
	}
}

// DownloadHandler は GET /api/v1/pipeline/:id/download のハンドラーを返します。
// done のときのみZIPを配信し、それ以外は状態に応じたシグナルを返します。
// 同じジョブを何度取得しても返るアーカイブは同一です。
func DownloadHandler(store RecordReader, artifacts ArtifactOpener) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, ok := fetchRecord(c, store)
		if !ok {
			return
		}

		switch {
		case record.Status.InFlight():
			c.JSON(http.StatusAccepted, gin.H{
				"jobId":   record.JobID,
				"status":  record.Status,
				"message": "処理中です。完了までお待ちください。",
			})
		case record.Status == StatusFailedGeneration:
			c.JSON(http.StatusConflict, gin.H{
				"code":    pipeline.CodeGenerationFailed,
				"message": "解答解説の生成に失敗したため、成果物はありません。再投入してください。",
				"error":   record.Error,
			})
		case record.Status == StatusFailedConversion:
			c.JSON(http.StatusConflict, gin.H{
				"code":     pipeline.CodeConversionFailed,
				"message":  "PDFへの変換に失敗しました。生成済みテキストのみ取得できます。",
				"error":    record.Error,
				"textPath": fmt.Sprintf("/api/v1/pipeline/%s/download/markdown", record.JobID),
			})
		default:
			streamArtifact(c, artifacts, record.JobID, record.BundleRef, "application/zip")
		}
	}
}

// TextDownloadHandler は GET /api/v1/pipeline/:id/download/markdown の
// ハンドラーを返します。done に加えて failed_conversion（部分成功）でも
// 生成済みテキストを配信します。
func TextDownloadHandler(store RecordReader, artifacts ArtifactOpener) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, ok := fetchRecord(c, store)
		if !ok {
			return
		}

		switch {
		case record.Status.InFlight():
			c.JSON(http.StatusAccepted, gin.H{
				"jobId":   record.JobID,
				"status":  record.Status,
				"message": "処理中です。完了までお待ちください。",
			})
		case record.Status == StatusFailedGeneration:
			c.JSON(http.StatusConflict, gin.H{
				"code":    pipeline.CodeGenerationFailed,
				"message": "解答解説の生成に失敗したため、テキストはありません。",
				"error":   record.Error,
			})
		default:
			streamArtifact(c, artifacts, record.JobID, record.TextRef(), "text/markdown; charset=utf-8")
		}
	}
}

// fetchRecord はIDを検証してレコードを取得します。未知IDは 404、
// 期限切れは 410 を返します。保持期限は掃引を待たずに判定します。
func fetchRecord(c *gin.Context, store RecordReader) (*Record, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    pipeline.CodeInvalidInput,
			"message": "jobId を指定してください。",
		})
		return nil, false
	}

	record, err := store.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    pipeline.CodeNotFound,
				"message": "指定されたジョブは存在しません。",
			})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    pipeline.CodeInternal,
			"message": "ジョブ情報の取得に失敗しました。",
		})
		return nil, false
	}

	if record.Status == StatusExpired || record.Expired(time.Now().UTC()) {
		c.JSON(http.StatusGone, gin.H{
			"code":    pipeline.CodeExpired,
			"message": "保持期限を過ぎたため、このジョブは取得できません。",
		})
		return nil, false
	}

	return record, true
}

func streamArtifact(c *gin.Context, artifacts ArtifactOpener, jobID, ref, contentType string) {
	if ref == "" {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    pipeline.CodeInternal,
			"message": "ジョブの成果物参照が見つかりませんでした。",
		})
		return
	}

	file, size, err := artifacts.OpenArtifact(jobID, ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    pipeline.CodeInternal,
			"message": "ジョブの成果物取得に失敗しました。",
		})
		return
	}
	defer file.Close()

	filename := filepath.Base(ref)
	encodedName := url.PathEscape(filename)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", jobID)
	c.DataFromReader(http.StatusOK, size, contentType, file, nil)
}
