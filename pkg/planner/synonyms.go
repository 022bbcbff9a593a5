package planner

import (
	"strings"
	"unicode/utf8"
)

// synonymTable is the bounded UI-text synonym set. Keys are folded to
// lower case on lookup; values mix Japanese and English because the
// plans this system runs against do.
var synonymTable = map[string][]string{
	"送信":    {"確定", "送出", "提出", "実行"},
	"確定":    {"送信", "OK", "決定", "完了"},
	"提出":    {"送信", "確定", "送出", "Submit"},
	"キャンセル": {"取消", "中止", "戻る", "Cancel"},
	"削除":    {"消去", "除去", "Delete", "Remove"},
	"保存":    {"Save", "Store", "Keep"},

	"submit": {"Send", "Confirm", "OK", "送信"},
	"send":   {"Submit", "Confirm", "送信"},
	"cancel": {"Close", "Abort", "Back", "キャンセル"},
	"delete": {"Remove", "Clear", "削除"},
	"save":   {"Store", "Keep", "保存"},
	"ok":     {"Confirm", "Accept", "確定"},
	"close":  {"Cancel", "Dismiss", "閉じる"},
}

// MaxSynonyms caps how many candidates a fallback search carries.
const MaxSynonyms = 4

// Synonyms returns up to MaxSynonyms alternatives for a UI text, or nil
// when the text has no entry. The table is closed: unknown text yields
// nothing rather than a guess.
func Synonyms(text string) []string {
	syns, ok := synonymTable[strings.ToLower(strings.TrimSpace(text))]
	if !ok {
		return nil
	}
	if len(syns) > MaxSynonyms {
		syns = syns[:MaxSynonyms]
	}
	return append([]string(nil), syns...)
}

// Similarity scores two UI texts in [0,1]. Exact match is 1.0, a direct
// synonym entry 0.9, membership in the same synonym group 0.8; anything
// else falls back to normalized edit distance.
func Similarity(a, b string) float64 {
	af := strings.ToLower(strings.TrimSpace(a))
	bf := strings.ToLower(strings.TrimSpace(b))
	if af == "" || bf == "" {
		return 0
	}
	if af == bf {
		return 1.0
	}

	best := 0.0
	for key, values := range synonymTable {
		kf := strings.ToLower(key)
		inValues := func(s string) bool {
			for _, v := range values {
				if strings.ToLower(v) == s {
					return true
				}
			}
			return false
		}
		if (kf == af && inValues(bf)) || (kf == bf && inValues(af)) {
			if best < 0.9 {
				best = 0.9
			}
		}
		if (kf == af || inValues(af)) && (kf == bf || inValues(bf)) {
			if best < 0.8 {
				best = 0.8
			}
		}
	}
	if best > 0 {
		return best
	}
	return lexicalSimilarity(af, bf)
}

func lexicalSimilarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	max := la
	if lb > max {
		max = lb
	}
	if max == 0 {
		return 0
	}
	sim := 1.0 - float64(levenshtein([]rune(a), []rune(b)))/float64(max)
	if sim < 0 {
		return 0
	}
	return sim
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
