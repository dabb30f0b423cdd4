package generate

import "strings"

// buildPrompt は過去問PDFに対する解答解説生成プロンプトを組み立てます。
func buildPrompt(title, filename string) string {
	heading := strings.TrimSpace(title)
	if heading == "" {
		heading = filename
	}
	return "添付ファイルは医科大学の過去問問題ファイルです。以下の条件を満たすように、すべての問題に対する解答と解説をMarkdown形式で作成してください。" +
		"「" + heading + "の解答解説」から出力し始めてください。問題ごとに問題番号と問題文を省略せずそのまま引用し、引用であることをはっきりさせるためにquoteをつけてください。" +
		"ただし問題文に図が含まれる場合、図の部分は引用しなくて構いません。解説は医学生向けに、冗長を許容して丁寧に網羅的に作成してください。" +
		"問題文が英語の場合は、解説に問題文の日本語訳についても出力してください。"
}
