package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// pandocInputFormat はMarkdown方言の指定です。生成物が使う拡張記法を
// すべて有効にします。
const pandocInputFormat = "markdown" +
	"+hard_line_breaks" +
	"+yaml_metadata_block" +
	"+gfm_auto_identifiers" +
	"+pipe_tables" +
	"+table_captions" +
	"+strikeout" +
	"+task_lists" +
	"+definition_lists" +
	"+fenced_code_blocks" +
	"+auto_identifiers" +
	"+footnotes" +
	"+raw_tex"

// Request はドキュメント変換1回分の入力です。
type Request struct {
	Markdown    string // 前処理済みMarkdown本文
	OutputDir   string
	BaseName    string // 拡張子なしの出力ファイル名
	FrontMatter FrontMatter
	Attribution string
}

// Result は変換の成果です。
type Result struct {
	PDFPath string
}

// Pandoc は pandoc + lualatex によるPDF変換アダプターです。
type Pandoc struct {
	path       string
	headerPath string
}

// NewPandoc は Pandoc を作成します。headerPath は任意の
// include-in-header 用TeXファイルです。
func NewPandoc(path, headerPath string) *Pandoc {
	if path == "" {
		path = "pandoc"
	}
	return &Pandoc{path: path, headerPath: headerPath}
}

// Convert はMarkdownを整形してPDFへ変換します。
func (p *Pandoc) Convert(ctx context.Context, req Request) (*Result, error) {
	prepared, err := PrepareMarkdown(req.Markdown, req.FrontMatter, req.Attribution)
	if err != nil {
		return nil, err
	}

	tmpDir := filepath.Join(req.OutputDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	tmpPath := filepath.Join(tmpDir, req.BaseName+".with_attrib.md")
	if err := os.WriteFile(tmpPath, []byte(prepared), 0o640); err != nil {
		return nil, fmt.Errorf("failed to write prepared markdown: %w", err)
	}

	pdfDir := filepath.Join(req.OutputDir, "pdf")
	if err := os.MkdirAll(pdfDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	pdfPath := filepath.Join(pdfDir, req.BaseName+".pdf")

	args := []string{
		tmpPath,
		"-f", pandocInputFormat,
		"-o", pdfPath,
		"--pdf-engine=lualatex",
		"-V", "documentclass=ltjsarticle",
	}
	if p.headerPath != "" {
		args = append(args, "--include-in-header", p.headerPath)
	}

	cmd := exec.CommandContext(ctx, p.path, args...)
	cmd.Env = pandocEnv(filepath.Join(req.OutputDir, ".pandoc-tmp"))
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("pandoc conversion failed: %s: %w", stderr.String(), err)
	}

	return &Result{PDFPath: pdfPath}, nil
}

// pandocEnv はlualatexの一時ファイルをジョブ配下へ隔離した環境を返します。
func pandocEnv(tmpBase string) []string {
	_ = os.MkdirAll(tmpBase, 0o750)
	env := os.Environ()
	env = append(env,
		"TMPDIR="+tmpBase,
		"TMP="+tmpBase,
		"TEMP="+tmpBase,
	)
	return env
}
