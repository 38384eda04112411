package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// defaultMaxPhraseDistance is the Levenshtein tolerance used when
	// comparing a spoken token against a configured end-phrase token.
	defaultMaxPhraseDistance = 2

	// minFuzzyTokenLen is the minimum token length for fuzzy comparison.
	// Short function words collide too easily: "and" and "end" share a
	// Double Metaphone code, and matching them would end the session on
	// "cancel that and call me back".
	minFuzzyTokenLen = 4
)

// DefaultEndPhrases are the conversation-ending phrases recognised when a
// detector is built without an explicit list.
//
// "hang up" is deliberately absent: callers mostly use it referentially
// ("the last agent hung up on me"), so matching it ends sessions that are
// very much still going.
var DefaultEndPhrases = []string{
	"goodbye",
	"bye",
	"bye bye",
	"bye now",
	"end call",
	"that's all",
	"talk to you later",
}

// EndPhraseOption is a functional option for configuring an
// [EndPhraseDetector].
type EndPhraseOption func(*EndPhraseDetector)

// WithMaxPhraseDistance sets the Levenshtein tolerance for phonetic phrase
// matches. Default: 2. Exact matches always succeed regardless of this
// value.
func WithMaxPhraseDistance(d int) EndPhraseOption {
	return func(e *EndPhraseDetector) {
		if d >= 0 {
			e.maxDistance = d
		}
	}
}

// endPhrase is a precompiled phrase: the canonical form, its normalised
// tokens with their primary Double Metaphone codes, and the joined
// lower-case text with its code.
type endPhrase struct {
	canonical string
	tokens    []string
	codes     []string
	joined    string
	code      string
}

// EndPhraseDetector spots conversation-ending phrases in final transcripts
// so the session supervisor can close the call gracefully instead of waiting
// for the caller to hang up.
//
// STT rarely delivers a clean "goodbye": it may arrive as "good bye", "good
// buy" or "goodbi". The detector therefore compares candidate token windows
// against each configured phrase using Double Metaphone codes with a
// Levenshtein tolerance, rather than exact string containment.
//
// The detector is read-only after construction and safe for concurrent use.
type EndPhraseDetector struct {
	phrases     []endPhrase
	maxDistance int
	maxTokens   int
}

// NewEndPhraseDetector builds a detector for the given phrases. An empty
// list selects [DefaultEndPhrases]. Phrase matching is case-insensitive and
// ignores punctuation.
func NewEndPhraseDetector(phrases []string, opts ...EndPhraseOption) *EndPhraseDetector {
	if len(phrases) == 0 {
		phrases = DefaultEndPhrases
	}

	d := &EndPhraseDetector{maxDistance: defaultMaxPhraseDistance}
	for _, o := range opts {
		o(d)
	}

	for _, p := range phrases {
		tokens := tokenize(p)
		if len(tokens) == 0 {
			continue
		}
		codes := make([]string, len(tokens))
		for i, tok := range tokens {
			codes[i], _ = matchr.DoubleMetaphone(tok)
		}
		joined := strings.Join(tokens, "")
		code, _ := matchr.DoubleMetaphone(joined)
		d.phrases = append(d.phrases, endPhrase{
			canonical: p,
			tokens:    tokens,
			codes:     codes,
			joined:    joined,
			code:      code,
		})
		if len(tokens) > d.maxTokens {
			d.maxTokens = len(tokens)
		}
	}
	return d
}

// Detect reports whether text contains one of the configured end phrases,
// returning the canonical phrase that matched.
//
// A window with the same token count as a phrase matches when every token
// pair is equal, or phonetically equivalent within the Levenshtein
// tolerance (fuzzy comparison is reserved for tokens of at least
// [minFuzzyTokenLen] characters, so "also" never stands in for "all"). A
// window one token longer or shorter matches when joining its tokens
// reproduces the phrase, exactly or phonetically, which absorbs STT
// splitting "goodbye" into "good bye" or "good buy".
func (d *EndPhraseDetector) Detect(text string) (string, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 || len(d.phrases) == 0 {
		return "", false
	}

	maxWin := d.maxTokens + 1
	if maxWin > len(tokens) {
		maxWin = len(tokens)
	}

	for size := 1; size <= maxWin; size++ {
		for i := 0; i+size <= len(tokens); i++ {
			window := tokens[i : i+size]
			for _, p := range d.phrases {
				if size < len(p.tokens)-1 || size > len(p.tokens)+1 {
					continue
				}
				if d.matches(window, p) {
					return p.canonical, true
				}
			}
		}
	}
	return "", false
}

// matches compares one token window against one phrase.
func (d *EndPhraseDetector) matches(window []string, p endPhrase) bool {
	if len(window) == len(p.tokens) {
		for i, w := range window {
			if !d.tokenMatches(w, p.tokens[i], p.codes[i]) {
				return false
			}
		}
		return true
	}

	// Token counts differ by one: the STT provider split or joined a word.
	joined := strings.Join(window, "")
	if joined == p.joined {
		return true
	}
	return d.fuzzyEqual(joined, p.joined, p.code)
}

// tokenMatches compares a single window token against a phrase token.
func (d *EndPhraseDetector) tokenMatches(w, tok, code string) bool {
	if w == tok {
		return true
	}
	if len(w) < minFuzzyTokenLen || len(tok) < minFuzzyTokenLen {
		return false
	}
	return d.fuzzyEqual(w, tok, code)
}

// fuzzyEqual reports whether a and b sound alike and are within the
// Levenshtein tolerance. code is b's precomputed primary Double Metaphone
// code.
func (d *EndPhraseDetector) fuzzyEqual(a, b, code string) bool {
	if len(a) < minFuzzyTokenLen || len(b) < minFuzzyTokenLen {
		return false
	}
	if matchr.Levenshtein(a, b) > d.maxDistance {
		return false
	}
	got, _ := matchr.DoubleMetaphone(a)
	return got != "" && got == code
}

// tokenize lower-cases s, strips punctuation and splits it into words.
func tokenize(s string) []string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		case r == '\'':
			// "that's" → "thats"
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Fields(b.String())
}
