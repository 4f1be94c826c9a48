package search

import (
	"unicode"

	"github.com/fortemi/fortemi/pkg/storage"
)

// ScriptClass classifies a query string's dominant script, selecting the
// FTS configuration and deciding whether to also run a substring
// (trigram/bigram) search alongside stemmed tokenization.
type ScriptClass string

const (
	ScriptLatin ScriptClass = "latin"
	ScriptCJK   ScriptClass = "cjk"
	ScriptRTL   ScriptClass = "rtl"
	ScriptEmoji ScriptClass = "emoji"
	ScriptMixed ScriptClass = "mixed"
)

// classifyScript scans q's runes and buckets it into one ScriptClass. A
// query with runes from more than one non-Latin bucket, or a mix of Latin
// and non-Latin, is Mixed.
func classifyScript(q string) ScriptClass {
	var hasLatin, hasCJK, hasRTL, hasEmoji bool

	for _, r := range q {
		switch {
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsNumber(r):
			continue
		case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul):
			hasCJK = true
		case unicode.In(r, unicode.Hebrew, unicode.Arabic):
			hasRTL = true
		case unicode.In(r, unicode.So, unicode.Sk) || (r >= 0x1F300 && r <= 0x1FAFF):
			hasEmoji = true
		case unicode.IsLetter(r):
			hasLatin = true
		}
	}

	count := 0
	for _, b := range []bool{hasLatin, hasCJK, hasRTL, hasEmoji} {
		if b {
			count++
		}
	}
	switch {
	case count > 1:
		return ScriptMixed
	case hasCJK:
		return ScriptCJK
	case hasRTL:
		return ScriptRTL
	case hasEmoji:
		return ScriptEmoji
	default:
		return ScriptLatin
	}
}

// ftsConfigFor maps a script class to the PostgreSQL text-search
// configuration used for stemmed tokenization. Latin-script languages
// other than English are not distinguishable from the query string alone
// (an Open Question in spec.md §9); Fortemi defaults every Latin query to
// english; there is no per-language configuration.
func ftsConfigFor(class ScriptClass) storage.TextConfig {
	switch class {
	case ScriptCJK, ScriptRTL, ScriptEmoji, ScriptMixed:
		return storage.TextConfigSimple
	default:
		return storage.TextConfigEnglish
	}
}

// runsSubstringSearch reports whether class should be supplemented with a
// trigram/bigram substring search alongside (or instead of) stemmed FTS,
// per spec.md §4.6 step 1.
func runsSubstringSearch(class ScriptClass) bool {
	return class == ScriptCJK || class == ScriptEmoji || class == ScriptMixed
}
