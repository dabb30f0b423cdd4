// Package convert は生成されたMarkdownの整形と外部ツールによる
// ドキュメント変換を提供します。
package convert

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// FrontMatter は変換前のMarkdownに付与するメタデータです。
type FrontMatter struct {
	Title        string `yaml:"title"`
	Organization string `yaml:"organization"`
	Year         string `yaml:"year"`
	Subject      string `yaml:"subject"`
	Author       string `yaml:"author"`
	GeneratedAt  string `yaml:"generated_at"`
}

// advisoryNotice は生成物の冒頭に必ず入れる注意書きです。
const advisoryNotice = "※画像の読解については、モデルの特性上、実際の所見と異なる解釈や不正確な説明が出力されるリスクがございます。" +
	"臨床判断・教育評価・公式文書等への転用に際しては、必ず原資料および一次情報を再確認し、専門家のレビューを経た上で慎重にご利用ください。"

// 変換エンジンが扱えない記号の置換表。置換後も残る補助面の文字は削除します。
var specialReplacements = map[string]string{
	"☐": "[ ]",
	"☑": "[x]",
	"🔘": "(●)",
	"⚪": "( )",
	"⬜": "[ ]",
}

// PrepareMarkdown は生成済みMarkdownへメタデータと出典を付与し、
// PDF変換が通る形に正規化します。
func PrepareMarkdown(md string, fm FrontMatter, attribution string) (string, error) {
	out, err := attachFrontMatter(md, fm)
	if err != nil {
		return "", err
	}
	out = injectAdvisory(out)
	out = injectAttribution(out, attribution)
	out = normalizeHorizontalRules(out)
	out = stripImages(out)
	out = sanitizeSymbols(out)
	return out, nil
}

// attachFrontMatter はYAMLフロントマターを先頭に付与します。
// 既にフロントマターを持つ場合はそのまま返します。
func attachFrontMatter(md string, fm FrontMatter) (string, error) {
	if strings.HasPrefix(strings.TrimLeft(md, "\n"), "---\n") {
		return md, nil
	}
	block, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("failed to render front matter: %w", err)
	}
	return "---\n" + string(block) + "---\n\n" + md, nil
}

func injectAdvisory(md string) string {
	if strings.Contains(md, advisoryNotice) {
		return md
	}
	lines := strings.Split(md, "\n")
	end := frontMatterEnd(lines)
	notice := "**" + advisoryNotice + "**"
	if end == 0 {
		return notice + "\n\n" + md
	}
	rebuilt := append([]string{}, lines[:end]...)
	rebuilt = append(rebuilt, "", notice)
	rebuilt = append(rebuilt, lines[end:]...)
	return strings.Join(rebuilt, "\n")
}

// injectAttribution は各引用ブロックの末尾に出典表記を追加します。
// 既に出典らしき行を持つブロックには追加しません。
func injectAttribution(md, attribution string) string {
	if strings.TrimSpace(attribution) == "" {
		return md
	}

	lines := strings.Split(md, "\n")
	out := make([]string, 0, len(lines))
	i := 0

	for i < len(lines) {
		line := lines[i]
		if !strings.HasPrefix(strings.TrimLeft(line, " \t"), ">") {
			out = append(out, line)
			i++
			continue
		}

		var block []string
		for i < len(lines) && strings.HasPrefix(strings.TrimLeft(lines[i], " \t"), ">") {
			block = append(block, lines[i])
			i++
		}

		tailStart := len(block) - 10
		if tailStart < 0 {
			tailStart = 0
		}
		tail := strings.Join(block[tailStart:], "\n")
		hasAttribution := strings.Contains(tail, `\begin{flushright}`) ||
			strings.Contains(tail, `\QuoteAttribution`) ||
			strings.Contains(tail, attribution)
		if !hasAttribution {
			block = append(block,
				">",
				`> \par\vspace{0.8\baselineskip}`,
				`> \begin{flushright}\footnotesize`,
				"> --- "+attribution,
				`> \end{flushright}`,
			)
		}
		out = append(out, block...)
	}
	return strings.Join(out, "\n")
}

// normalizeHorizontalRules はダッシュだけの区切り行を *** に置き換えます。
// ダッシュの区切り線はフロントマターの終端と誤認されるためです。
func normalizeHorizontalRules(md string) string {
	lines := strings.Split(md, "\n")
	end := frontMatterEnd(lines)

	for idx := end; idx < len(lines); idx++ {
		stripped := strings.TrimSpace(lines[idx])
		if len(stripped) >= 3 && strings.Trim(stripped, "-") == "" {
			leading := lines[idx][:len(lines[idx])-len(strings.TrimLeft(lines[idx], " \t"))]
			lines[idx] = leading + "***"
		}
	}
	return strings.Join(lines, "\n")
}

// frontMatterEnd はフロントマター終端の次の行番号を返します（無ければ0）。
func frontMatterEnd(lines []string) int {
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return 0
	}
	for idx := 1; idx < len(lines); idx++ {
		stripped := strings.TrimSpace(lines[idx])
		if stripped == "---" || stripped == "..." {
			return idx + 1
		}
	}
	return 0
}

// stripImages はインライン画像と参照スタイル画像を除去します。
// 画像はPDFへの埋め込みができないため変換前に落とします。
func stripImages(md string) string {
	var out strings.Builder
	runes := []rune(md)
	n := len(runes)
	i := 0

	for i < n {
		ch := runes[i]
		if ch == '!' && (i == 0 || runes[i-1] != '\\') && i+1 < n && runes[i+1] == '[' {
			altClose := findClosingDelimiter(runes, i+1, '[', ']')
			if altClose >= 0 {
				j := altClose + 1
				for j < n && (runes[j] == ' ' || runes[j] == '\t' || runes[j] == '\n') {
					j++
				}
				if j < n && runes[j] == '(' {
					if targetClose := findClosingDelimiter(runes, j, '(', ')'); targetClose >= 0 {
						i = targetClose + 1
						continue
					}
				}
				if j < n && runes[j] == '[' {
					if labelClose := findClosingDelimiter(runes, j, '[', ']'); labelClose >= 0 {
						i = labelClose + 1
						continue
					}
				}
			}
		}
		out.WriteRune(ch)
		i++
	}
	return out.String()
}

func findClosingDelimiter(runes []rune, start int, open, close rune) int {
	depth := 0
	i := start
	for i < len(runes) {
		switch runes[i] {
		case '\\':
			i += 2
			continue
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
		i++
	}
	return -1
}

// sanitizeSymbols は置換表を適用した後、補助面の文字をすべて除去します。
func sanitizeSymbols(md string) string {
	for src, dst := range specialReplacements {
		md = strings.ReplaceAll(md, src, dst)
	}
	var out strings.Builder
	for _, r := range md {
		if r > utf8.MaxRune || r >= 0x10000 {
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}
