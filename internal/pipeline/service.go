package pipeline

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/exam-forge/internal/convert"
	"github.com/yourusername/exam-forge/internal/generate"
	"github.com/yourusername/exam-forge/internal/storage"
)

// TextGenerator は外部AI補完サービスへのアダプターです。
type TextGenerator interface {
	Generate(ctx context.Context, req generate.Request) (string, error)
}

// DocumentConverter は外部ドキュメント変換ツールへのアダプターです。
type DocumentConverter interface {
	Convert(ctx context.Context, req convert.Request) (*convert.Result, error)
}

// Scheduler はジョブレコードの作成とキュー投入を行います。
// 実装は cmd/api が jobs.Manager をラップして提供します。
type Scheduler interface {
	Schedule(ctx context.Context, jobID string, meta Metadata, inputRef string) error
}

// Service は投入前処理と各ステージの実体を提供します。
type Service struct {
	artifacts *storage.Local
	generator TextGenerator
	converter DocumentConverter
	now       func() time.Time
}

// NewService は Service を作成します。
func NewService(artifacts *storage.Local, generator TextGenerator, converter DocumentConverter) *Service {
	return &Service{
		artifacts: artifacts,
		generator: generator,
		converter: converter,
		now:       time.Now,
	}
}

// PrepareJob はアップロードを検証して保存し、新しいジョブIDのマニフェストを
// 作成します。検証に失敗した場合、ジョブは一切作成されません。
// 失敗したジョブの「再実行」は、同じメタデータで本メソッドを呼び直すことで
// 常に新しいジョブとして行われます。
func (s *Service) PrepareJob(ctx context.Context, file *multipart.FileHeader, meta Metadata, apiKey string, maxSize int64) (*Manifest, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if file == nil {
		return nil, NewError(CodeInvalidInput, "input_file を指定してください。", nil)
	}

	jobID := "pipeline-" + uuid.NewString()
	if err := s.artifacts.CreateJob(jobID); err != nil {
		return nil, NewError(CodeInternal, "ジョブ領域の作成に失敗しました。", err)
	}

	input, err := s.artifacts.SaveUpload(ctx, jobID, file, maxSize)
	if err != nil {
		_ = s.artifacts.RemoveJob(jobID)
		return nil, mapUploadError(err)
	}

	manifest := &Manifest{
		JobID:    jobID,
		Metadata: meta,
		Input: InputFile{
			Ref:          input.Ref,
			OriginalName: input.OriginalName,
			Size:         input.Size,
			Pages:        input.Pages,
		},
		APIKey:    apiKey,
		CreatedAt: s.now().UTC(),
	}
	path, err := s.manifestPath(jobID)
	if err == nil {
		err = writeManifest(path, manifest)
	}
	if err != nil {
		_ = s.artifacts.RemoveJob(jobID)
		return nil, NewError(CodeInternal, "ジョブマニフェストの保存に失敗しました。", err)
	}

	return manifest, nil
}

// DiscardJob はキュー投入に失敗したジョブの作業領域を破棄します。
func (s *Service) DiscardJob(jobID string) error {
	return s.artifacts.RemoveJob(jobID)
}

// GenerateText はテキスト生成ステージを実行します。生成されたMarkdownを
// 成果物として書き込み、その参照を返します。参照を返す時点でファイルは
// 必ず存在します。
func (s *Service) GenerateText(ctx context.Context, jobID string) (string, error) {
	manifest, err := s.readManifest(jobID)
	if err != nil {
		return "", err
	}

	inputPath, err := s.artifacts.ArtifactPath(jobID, manifest.Input.Ref)
	if err != nil {
		return "", err
	}
	document, err := os.ReadFile(inputPath)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}

	text, err := s.generator.Generate(ctx, generate.Request{
		Document: document,
		Filename: filepath.Base(inputPath),
		Title:    manifest.Metadata.Title,
		APIKey:   manifest.APIKey,
	})
	if err != nil {
		return "", err
	}

	base := outputBaseName(manifest.Metadata.Title, manifest.Input.Ref)
	ref, err := s.artifacts.WriteArtifact(jobID, filepath.Join("markdown", base+".md"), []byte(text))
	if err != nil {
		return "", err
	}
	return ref, nil
}

// ConvertDocument はドキュメント変換ステージを実行し、生成されたPDFの参照を
// 返します。失敗してもテキスト成果物はそのまま残ります。
func (s *Service) ConvertDocument(ctx context.Context, jobID, textRef string) ([]string, error) {
	manifest, err := s.readManifest(jobID)
	if err != nil {
		return nil, err
	}

	md, err := s.artifacts.ReadArtifact(jobID, textRef)
	if err != nil {
		return nil, err
	}

	outDir, err := s.artifacts.ArtifactPath(jobID, "out")
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(filepath.Base(textRef), ".md")
	result, err := s.converter.Convert(ctx, convert.Request{
		Markdown:  string(md),
		OutputDir: outDir,
		BaseName:  base,
		FrontMatter: convert.FrontMatter{
			Title:        manifest.Metadata.Title,
			Organization: manifest.Metadata.Organization,
			Year:         manifest.Metadata.Year,
			Subject:      manifest.Metadata.Subject,
			Author:       manifest.Metadata.Author,
			GeneratedAt:  s.now().UTC().Format(time.RFC3339),
		},
		Attribution: manifest.Metadata.AttributionText(),
	})
	if err != nil {
		return nil, err
	}

	ref := filepath.ToSlash(filepath.Join("out", "pdf", filepath.Base(result.PDFPath)))
	return []string{ref}, nil
}

// BundleArtifacts は成果物を1つのZIPへまとめ、その参照を返します。
// ZIP名はメタデータから決定的に導出されるため、同じ入力なら常に同名です。
func (s *Service) BundleArtifacts(jobID string, refs []string) (string, error) {
	manifest, err := s.readManifest(jobID)
	if err != nil {
		return "", err
	}
	zipName := outputBaseName(manifest.Metadata.Title, manifest.Input.Ref) + ".zip"
	return s.artifacts.Bundle(jobID, zipName, refs)
}

func (s *Service) manifestPath(jobID string) (string, error) {
	return s.artifacts.ArtifactPath(jobID, manifestFilename)
}

func (s *Service) readManifest(jobID string) (*Manifest, error) {
	path, err := s.manifestPath(jobID)
	if err != nil {
		return nil, err
	}
	return loadManifest(path)
}

// outputBaseName は成果物の決定的なベース名を導出します。解説名が空の場合は
// 入力ファイル名を使い、「解答」を含まない場合は _解答解説 を付けます。
func outputBaseName(title, inputRef string) string {
	base := strings.TrimSpace(title)
	if base == "" {
		base = strings.TrimSuffix(filepath.Base(inputRef), filepath.Ext(inputRef))
	}
	base = strings.NewReplacer("/", "_", `\`, "_").Replace(base)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if !strings.Contains(base, "解答") {
		base += "_解答解説"
	}
	return base
}

func mapUploadError(err error) error {
	switch {
	case errors.Is(err, storage.ErrEmptyFile):
		return NewError(CodeInvalidInput, "アップロードされたファイルが空です。", err)
	case errors.Is(err, storage.ErrTooLarge):
		return NewError(CodeInvalidInput, "ファイルサイズが上限を超えています。", err)
	case errors.Is(err, storage.ErrUnsupportedType):
		return NewError(CodeInvalidInput, "対応していないファイル形式です。PDFまたは画像（PNG/JPEG/TIFF）を指定してください。", err)
	default:
		return NewError(CodeInternal, "入力ファイルの保存に失敗しました。", err)
	}
}
