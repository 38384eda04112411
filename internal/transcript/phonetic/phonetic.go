// Package phonetic implements the [transcript.PhoneticMatcher] interface
// using Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each vocabulary term. If any code from
//     the input overlaps with any code from a term, the term becomes a
//     phonetic candidate.
//
//  2. Jaro-Winkler ranking: Among phonetic candidates, the term with the
//     highest Jaro-Winkler similarity (computed on the original strings,
//     case-insensitive) is selected — provided its score exceeds the
//     configurable phonetic threshold.
//
//     When no phonetic candidate is found, a secondary pass tests pure
//     Jaro-Winkler similarity against all terms using a higher fuzzy
//     threshold (default 0.85).
//
// Multi-word terms (e.g., "Streamline Plus") are supported: the matcher
// computes phonetic codes for each word and ranks candidates by the best of
// the full-string and space-stripped Jaro-Winkler comparisons, so split or
// joined STT tokenisations ("stream line plus") still align. Inputs much
// shorter than a term never match it: a caller saying "stream" must not be
// rewritten to the full plan name.
//
// Callers that test many windows against the same vocabulary (the
// normalizer's n-gram scan) should precompute a [TermSet] with
// [PrepareTerms] and use [Matcher.MatchPrepared], which skips re-encoding
// the vocabulary on every call.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minLengthRatio is the minimum input-to-term character length ratio for
	// a term to be considered at all. Jaro-Winkler's prefix bonus scores
	// "stream" high against "streamline plus" even though the input covers
	// less than half the term; this guard rejects such partial matches.
	minLengthRatio = 0.5
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is a phonetic vocabulary matcher. It implements
// [transcript.PhoneticMatcher]. All methods are safe for concurrent use —
// the Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
// Default thresholds are 0.70 for phonetic matches and 0.85 for fuzzy
// fallback matches.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// preparedTerm is one vocabulary term with its precomputed lower-case form,
// token split and phonetic code set.
type preparedTerm struct {
	original string
	lower    string
	tokens   []string
	codes    map[string]struct{}
}

// TermSet is a vocabulary prepared once for repeated matching. Create it
// with [PrepareTerms]. A TermSet is read-only and safe for concurrent use.
type TermSet struct {
	terms    []preparedTerm
	maxWords int
}

// PrepareTerms precomputes phonetic codes and token splits for the given
// vocabulary so that [Matcher.MatchPrepared] can skip per-call re-encoding.
// Empty terms are dropped.
func PrepareTerms(vocabulary []string) *TermSet {
	ts := &TermSet{}
	for _, v := range vocabulary {
		lower := strings.ToLower(strings.TrimSpace(v))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		ts.terms = append(ts.terms, preparedTerm{
			original: v,
			lower:    lower,
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
		if len(tokens) > ts.maxWords {
			ts.maxWords = len(tokens)
		}
	}
	return ts
}

// MaxWords returns the highest word count of any term in the set, 0 when
// the set is empty.
func (ts *TermSet) MaxWords() int {
	return ts.maxWords
}

// Match attempts to find the term from vocabulary that is most phonetically
// similar to word.
//
// word may be a single word or a space-separated phrase (n-gram). When word
// contains multiple tokens, the matcher checks whether any token
// phonetically aligns with any token in a multi-word term, then ranks by
// Jaro-Winkler on the full strings.
//
// Return values follow the [transcript.PhoneticMatcher] contract: when
// matched is false, corrected equals word unchanged and confidence is 0.
func (m *Matcher) Match(word string, vocabulary []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, PrepareTerms(vocabulary))
}

// MatchPrepared is [Matcher.Match] against a precomputed [TermSet]. Use it
// when scanning many n-gram windows over the same vocabulary.
func (m *Matcher) MatchPrepared(word string, ts *TermSet) (corrected string, confidence float64, matched bool) {
	if ts == nil || len(ts.terms) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)

	// Build phonetic code set for the input.
	inputCodes := codesForTokens(wordTokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}

	var best candidate

	for i := range ts.terms {
		term := &ts.terms[i]

		// Skip terms the input is too short to plausibly cover.
		if float64(len(wordLower)) < minLengthRatio*float64(len(term.lower)) {
			continue
		}

		// Check phonetic overlap between input tokens and term tokens.
		phoneticMatch := codesOverlap(inputCodes, term.codes)

		// Compute the best Jaro-Winkler score for this term using two
		// comparison strategies to handle multi-word mismatches robustly.
		jwScore := bestJWScore(wordTokens, term.tokens, wordLower, term.lower)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{term: term.original, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{term: term.original, score: jwScore, phonetic: false}
			}
		}
	}

	if best.term != "" {
		return best.term, best.score, true
	}
	return word, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set for efficiency.
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and the term using two strategies:
//
//  1. Full-string comparison (e.g., "stream line plus" vs "streamline plus").
//  2. Space-stripped comparison (e.g., "streamlineplus" vs "streamlineplus"),
//     which handles STT tokenisations that split or join the term's words.
//
// Scoring individual token pairs is deliberately avoided: a perfect score on
// one shared token ("plus" in "a plus" vs "Streamline Plus") says nothing
// about the window as a whole.
//
// longTolerance is passed as false to use standard Jaro-Winkler scoring.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	// Strategy 1: full strings.
	score := matchr.JaroWinkler(inputFull, termFull, false)

	// Strategy 2: concatenated (no spaces).
	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	return score
}
