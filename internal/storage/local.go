// Package storage はジョブ単位の成果物ストレージを提供します。
// 各ジョブは <baseDir>/jobs/<jobID>/ 配下に in/ と out/ を持ち、
// 一度書き込まれたファイルは変更されません。
package storage

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

var (
	// ErrEmptyFile は空のアップロードを表します。
	ErrEmptyFile = errors.New("uploaded file is empty")
	// ErrUnsupportedType は対応していないファイル種別を表します。
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrTooLarge はサイズ上限超過を表します。
	ErrTooLarge = errors.New("uploaded file exceeds size limit")
	// ErrArtifactNotFound は成果物が存在しないことを表します。
	ErrArtifactNotFound = errors.New("artifact not found")
)

// 受理するMIMEタイプ。画像はGemini呼び出し前にPDFへ正規化します。
var supportedImageTypes = []string{"image/png", "image/jpeg", "image/tiff"}

// Local はローカルファイルシステム上の成果物ストアです。
type Local struct {
	baseDir string
}

// NewLocal は Local を作成します。
func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir}
}

// EnsureBaseDirs はベースディレクトリを作成します。起動時に一度呼びます。
func (l *Local) EnsureBaseDirs() error {
	return os.MkdirAll(l.jobsDir(), 0o750)
}

// StoredInput は保存済み入力ファイルの情報です。
type StoredInput struct {
	Ref          string // ジョブディレクトリからの相対パス（例: in/exam.pdf）
	OriginalName string
	Size         int64
	Pages        int
}

// CreateJob はジョブ用のディレクトリ構成を作成します。
func (l *Local) CreateJob(jobID string) error {
	if err := validateJobID(jobID); err != nil {
		return err
	}
	for _, dir := range []string{
		filepath.Join(l.jobDir(jobID), "in"),
		filepath.Join(l.jobDir(jobID), "out"),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create job dir: %w", err)
		}
	}
	return nil
}

// SaveUpload はアップロードファイルを検証して in/ に保存します。
// PDFはpdfcpuで検証し、対応画像はPDFへ変換します。戻り値の Ref は
// 常に正規化後のPDFを指します。
func (l *Local) SaveUpload(ctx context.Context, jobID string, file *multipart.FileHeader, maxSize int64) (*StoredInput, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	if file == nil || file.Size == 0 {
		return nil, ErrEmptyFile
	}
	if maxSize > 0 && file.Size > maxSize {
		return nil, ErrTooLarge
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inDir := filepath.Join(l.jobDir(jobID), "in")
	storedName := normalizeFilename(file.Filename)
	storedPath := filepath.Join(inDir, storedName)

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(storedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create input file: %w", err)
	}
	written, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if written == 0 {
		return nil, ErrEmptyFile
	}

	mtype, err := mimetype.DetectFile(storedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}

	pdfPath := storedPath
	switch {
	case mtype.Is("application/pdf"):
		if err := pdfapi.ValidateFile(storedPath, nil); err != nil {
			return nil, fmt.Errorf("%w: broken pdf: %v", ErrUnsupportedType, err)
		}
	case isSupportedImage(mtype):
		pdfPath = normalizedPDFPath(storedPath)
		if err := pdfapi.ImportImagesFile([]string{storedPath}, pdfPath, nil, nil); err != nil {
			return nil, fmt.Errorf("failed to convert image to pdf: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mtype.String())
	}

	pages, err := pdfapi.PageCountFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to count pages: %w", err)
	}

	info, err := os.Stat(pdfPath)
	if err != nil {
		return nil, err
	}

	return &StoredInput{
		Ref:          filepath.ToSlash(filepath.Join("in", filepath.Base(pdfPath))),
		OriginalName: file.Filename,
		Size:         info.Size(),
		Pages:        pages,
	}, nil
}

// WriteArtifact は out/ 配下に成果物を書き込み、ジョブ相対の参照を返します。
// 参照が指すファイルは書き込み完了後にのみ存在します。
func (l *Local) WriteArtifact(jobID, name string, data []byte) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}
	ref := filepath.ToSlash(filepath.Join("out", name))
	path, err := l.resolve(jobID, ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return ref, nil
}

// ReadArtifact はジョブ相対参照で成果物を読み込みます。
func (l *Local) ReadArtifact(jobID, ref string) ([]byte, error) {
	path, err := l.resolve(jobID, ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	return data, nil
}

// OpenArtifact はストリーム配信用にファイルハンドルとサイズを返します。
func (l *Local) OpenArtifact(jobID, ref string) (*os.File, int64, error) {
	path, err := l.resolve(jobID, ref)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrArtifactNotFound
		}
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// ArtifactPath は参照を絶対パスへ解決します。変換ステージなど、外部ツールに
// パスを渡す場合に使用します。
func (l *Local) ArtifactPath(jobID, ref string) (string, error) {
	return l.resolve(jobID, ref)
}

// Bundle は参照された成果物を1つのZIPにまとめ、そのジョブ相対参照を返します。
func (l *Local) Bundle(jobID, zipName string, refs []string) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}
	zipRef := filepath.ToSlash(filepath.Join("out", zipName))
	zipPath, err := l.resolve(jobID, zipRef)
	if err != nil {
		return "", err
	}

	out, err := os.OpenFile(zipPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create bundle: %w", err)
	}
	defer out.Close()

	archive := zip.NewWriter(out)
	for _, ref := range refs {
		srcPath, err := l.resolve(jobID, ref)
		if err != nil {
			return "", err
		}
		src, err := os.Open(srcPath)
		if err != nil {
			return "", fmt.Errorf("failed to open %s for bundling: %w", ref, err)
		}
		writer, err := archive.Create(filepath.Base(srcPath))
		if err != nil {
			src.Close()
			return "", err
		}
		if _, err := io.Copy(writer, src); err != nil {
			src.Close()
			return "", fmt.Errorf("failed to bundle %s: %w", ref, err)
		}
		src.Close()
	}
	if err := archive.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize bundle: %w", err)
	}
	return zipRef, nil
}

// RemoveJob はジョブのディレクトリごと成果物を削除します。
func (l *Local) RemoveJob(jobID string) error {
	if err := validateJobID(jobID); err != nil {
		return err
	}
	return os.RemoveAll(l.jobDir(jobID))
}

func (l *Local) jobsDir() string {
	return filepath.Join(l.baseDir, "jobs")
}

func (l *Local) jobDir(jobID string) string {
	return filepath.Join(l.jobsDir(), jobID)
}

func (l *Local) resolve(jobID, ref string) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid artifact ref: %s", ref)
	}
	return filepath.Join(l.jobDir(jobID), clean), nil
}

func validateJobID(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return fmt.Errorf("invalid jobID: %q", jobID)
	}
	return nil
}

func isSupportedImage(mtype *mimetype.MIME) bool {
	for _, t := range supportedImageTypes {
		if mtype.Is(t) {
			return true
		}
	}
	return false
}

// normalizedPDFPath は画像をPDFへ変換するときの出力パスを導出します。
// 拡張子が .pdf の画像（中身と名前が食い違うアップロード）でも
// 元ファイルを上書きしないよう、衝突時は別名を使います。
func normalizedPDFPath(storedPath string) string {
	base := strings.TrimSuffix(storedPath, filepath.Ext(storedPath))
	pdfPath := base + ".pdf"
	if pdfPath == storedPath {
		pdfPath = base + "_normalized.pdf"
	}
	return pdfPath
}

func normalizeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "input"
	}
	ext := filepath.Ext(base)
	if ext != strings.ToLower(ext) {
		base = strings.TrimSuffix(base, ext) + strings.ToLower(ext)
	}
	return base
}
