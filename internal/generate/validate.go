package generate

import "strings"

// invalidKeywords は「以降は同様」のように途中で解説を打ち切った応答に
// 現れる定型句です。含まれる場合は不完全な出力として棄却します。
var invalidKeywords = []string{
	"同様の手順",
	"同様の処理",
	"同様の方法",
	"以下同様",
	"残りの問題",
	"以降の解答",
	"以降の解説",
	"以降、文字数制限",
	"指示に従い順次作成",
	"順次作成",
	"同様に作成",
	"（続く）",
	"(以降、各",
	"同様の詳細な解説",
	"続きの解答解説",
	"(以降、全て",
	"(以降、すべて",
	"(以降、同様の",
	"（以降の問題も同様",
}

func containsInvalidKeyword(text string) bool {
	for _, keyword := range invalidKeywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
