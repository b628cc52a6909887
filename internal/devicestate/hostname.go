package devicestate

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FallbackSlug 名称里没有任何可用字符时使用
const FallbackSlug = "horus"

// 没有分解形式的字母，手工映射到基本拉丁字母
var foldLetters = runes.Map(func(r rune) rune {
	switch r {
	case 'ı':
		return 'i'
	case 'ø':
		return 'o'
	case 'đ':
		return 'd'
	case 'ł':
		return 'l'
	}
	return r
})

// Slug 把设备名转换成主机名片段：小写、去重音、非字母数字压成单个 '-'
func Slug(name string) string {
	lower := strings.ToLower(name)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), foldLetters, norm.NFC)
	folded, _, err := transform.String(t, lower)
	if err != nil {
		folded = lower
	}

	var b strings.Builder
	dash := false
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return FallbackSlug
	}
	return slug
}

// PredictHost 改名后设备会以 <slug>-<suffix>.local 重新广播
func PredictHost(name, suffix string) string {
	slug := Slug(name)
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		return slug + ".local"
	}
	return slug + "-" + strings.ToLower(suffix) + ".local"
}
