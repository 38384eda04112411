// Package transcript normalises final STT transcripts before they reach the
// reasoning stage.
//
// Raw speech-to-text output is rarely perfect for account-specific
// vocabulary — plan names, product models and department names are
// frequently misheard ("stream lion plus" for the "Streamline Plus" plan).
// The [Normalizer] applies a two-stage correction strategy:
//
//  1. Phonetic matching ([PhoneticMatcher]): fast, dictionary-free alignment
//     based on pronunciation similarity. Runs in-process with no network
//     calls, so it is safe on the live turn path.
//
//  2. LLM-assisted correction: a language model resolves ambiguous or
//     low-confidence spans using the full vocabulary list. This stage adds a
//     network round-trip and is intended for the durable transcript log, not
//     the turn hot path.
//
// Each [Correction] records which method produced the substitution and its
// confidence, so callers can audit, display, or selectively roll back
// changes.
//
// The package also provides [EndPhraseDetector], which spots
// conversation-ending phrases ("goodbye", "that's all") in final transcripts
// so the session can close gracefully.
//
// Implementations of both interfaces must be safe for concurrent use.
package transcript

import (
	"context"
	"sort"
	"strings"

	"github.com/parleyhq/parley/internal/transcript/llmcorrect"
	"github.com/parleyhq/parley/internal/transcript/phonetic"
	"github.com/parleyhq/parley/pkg/types"
)

const defaultLLMConfidenceThreshold = 0.5

// Correction captures a single word-level substitution made by the
// normalizer.
type Correction struct {
	// Original is the word as produced by the STT provider.
	Original string

	// Corrected is the replacement selected by the normalizer.
	Corrected string

	// Confidence is the normalizer's confidence in this substitution
	// (0.0–1.0). Values above 0.9 are considered high-confidence; values
	// below 0.5 indicate the correction is speculative.
	Confidence float64

	// Method describes which stage produced this substitution. Well-known
	// values:
	//   "phonetic" — produced by a [PhoneticMatcher].
	//   "llm"      — produced by a language-model correction pass.
	Method string
}

// Normalized is the output of a [Normalizer.Normalize] call. It pairs the
// original [types.Transcript] with the corrected text and an itemised record
// of every substitution that was applied.
type Normalized struct {
	// Original is the raw [types.Transcript] as received from the STT
	// provider.
	Original types.Transcript

	// Text is the corrected transcript text with all substitutions applied.
	// Suitable for downstream processing (reasoning context, memory
	// storage).
	Text string

	// Corrections is the ordered list of word-level substitutions applied to
	// produce Text. An empty (non-nil) slice means no corrections were
	// necessary.
	Corrections []Correction
}

// Normalizer applies multi-stage corrections to a raw [types.Transcript],
// resolving STT errors against the agent's configured vocabulary.
//
// Implementations must be safe for concurrent use.
type Normalizer interface {
	// Normalize processes transcript using the provided vocabulary and
	// returns a [Normalized] containing the corrected text and an itemised
	// record of every substitution made.
	//
	// vocabulary is the list of terms the normalizer should recognise within
	// the transcript text: plan names, product models, department names and
	// other account-specific proper nouns configured on the agent.
	//
	// Returns a non-nil *Normalized on success. When no corrections are
	// needed, Text equals transcript.Text and Corrections is an empty
	// (non-nil) slice.
	Normalize(ctx context.Context, transcript types.Transcript, vocabulary []string) (*Normalized, error)
}

// PhoneticMatcher resolves a single word to a known vocabulary term based on
// pronunciation similarity. It is the first normalizer stage and must be
// fast enough for real-time use — no network calls, no LLM round-trips.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	// Match attempts to find the term from vocabulary that is most
	// phonetically similar to word.
	//
	// Return values:
	//   corrected  — the best-matching term from vocabulary.
	//   confidence — similarity score in [0.0, 1.0] where 1.0 is a perfect match.
	//   matched    — true when a sufficiently similar term was found.
	//
	// When matched is false, corrected must equal word unchanged and
	// confidence must be 0. Implementations define their own similarity
	// threshold for deciding when a match is "sufficient".
	Match(word string, vocabulary []string) (corrected string, confidence float64, matched bool)
}

// Option is a functional option for configuring a [VocabNormalizer].
type Option func(*VocabNormalizer)

// WithPhoneticMatcher attaches a [PhoneticMatcher] as the first stage. When
// nil (the default), the phonetic stage is skipped entirely.
func WithPhoneticMatcher(m PhoneticMatcher) Option {
	return func(n *VocabNormalizer) {
		n.phonetic = m
	}
}

// WithLLMCorrector attaches an [llmcorrect.Corrector] as the second stage.
// When nil (the default), the LLM stage is skipped entirely.
func WithLLMCorrector(c *llmcorrect.Corrector) Option {
	return func(n *VocabNormalizer) {
		n.llmCorrector = c
	}
}

// WithLLMOnLowConfidence sets the STT word-confidence threshold below which
// a word is flagged as a low-confidence span and passed to the LLM corrector
// (when one is configured). Default: 0.5.
//
// Words with [types.WordDetail.Confidence] below this value that were NOT
// already corrected by the phonetic stage are submitted to the LLM for
// review. Words without any confidence data (i.e., the transcript has no
// Words slice) are always submitted when the LLM corrector is configured.
func WithLLMOnLowConfidence(threshold float64) Option {
	return func(n *VocabNormalizer) {
		n.llmThreshold = threshold
	}
}

// VocabNormalizer is the two-stage [Normalizer] implementation. Stages are
// optional and are applied in order:
//
//  1. [PhoneticMatcher] — fast, in-process phonetic vocabulary alignment.
//  2. [llmcorrect.Corrector] — LLM-assisted correction for low-confidence spans.
//
// VocabNormalizer is safe for concurrent use.
type VocabNormalizer struct {
	phonetic     PhoneticMatcher
	llmCorrector *llmcorrect.Corrector
	llmThreshold float64
}

// Ensure VocabNormalizer satisfies the Normalizer interface at compile time.
var _ Normalizer = (*VocabNormalizer)(nil)

// NewNormalizer constructs a [VocabNormalizer] with the supplied options. By
// default both stages are disabled (nil); use [WithPhoneticMatcher] and
// [WithLLMCorrector] to activate them.
func NewNormalizer(opts ...Option) *VocabNormalizer {
	n := &VocabNormalizer{
		llmThreshold: defaultLLMConfidenceThreshold,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize applies the configured stages to transcript and returns a
// [Normalized].
//
// Flow:
//  1. The transcript text is tokenised into whitespace-separated words.
//  2. When a [PhoneticMatcher] is configured, every single-word token is
//     tested against the vocabulary. Additionally, n-gram windows (up to the
//     maximum term word count) are tested to match multi-word terms.
//  3. Words that carry a [types.WordDetail] confidence score below the LLM
//     threshold AND were not corrected by the phonetic stage are collected
//     as low-confidence spans.
//  4. When an [llmcorrect.Corrector] is configured and at least one
//     low-confidence span exists (or no per-word confidence data is
//     available), the LLM corrector is invoked on the phonetic-corrected
//     text.
//  5. Phonetic and LLM corrections are merged into the final [Normalized].
//
// Context cancellation is respected: if ctx is Done before the LLM stage
// completes, an error is returned.
func (n *VocabNormalizer) Normalize(
	ctx context.Context,
	t types.Transcript,
	vocabulary []string,
) (*Normalized, error) {
	result := &Normalized{
		Original:    t,
		Corrections: []Correction{},
	}

	// --- Stage 1: phonetic matching ---
	workingText := t.Text
	var phoneticCorrections []Correction

	if n.phonetic != nil && len(vocabulary) > 0 {
		correctedText, corrections := n.applyPhonetic(t.Text, vocabulary)
		workingText = correctedText
		phoneticCorrections = corrections
	}

	// Build set of words already corrected by the phonetic stage. Multi-word
	// windows are split so per-word STT confidence entries can be matched.
	phoneticCorrectedWords := make(map[string]struct{}, len(phoneticCorrections))
	for _, c := range phoneticCorrections {
		for _, w := range strings.Fields(strings.ToLower(c.Original)) {
			phoneticCorrectedWords[w] = struct{}{}
		}
	}

	// --- Stage 2: LLM correction ---
	var llmCorrections []Correction

	if n.llmCorrector != nil && len(vocabulary) > 0 {
		lowConfSpans := n.collectLowConfidenceSpans(t.Words, phoneticCorrectedWords)

		// When there is no per-word confidence data, we always run the LLM.
		// When there IS per-word data, we only run if there are flagged spans.
		if len(t.Words) == 0 || len(lowConfSpans) > 0 {
			correctedText, rawCorrections, err := n.llmCorrector.Correct(
				ctx,
				workingText,
				vocabulary,
				lowConfSpans,
			)
			if err != nil {
				return nil, err
			}
			workingText = correctedText
			for _, rc := range rawCorrections {
				llmCorrections = append(llmCorrections, Correction{
					Original:   rc.Original,
					Corrected:  rc.Corrected,
					Confidence: rc.Confidence,
					Method:     "llm",
				})
			}
		}
	}

	// --- Merge results ---
	result.Text = workingText
	result.Corrections = append(result.Corrections, phoneticCorrections...)
	result.Corrections = append(result.Corrections, llmCorrections...)

	return result, nil
}

// phoneticCandidate is one n-gram window that matched a vocabulary term.
type phoneticCandidate struct {
	pos  int
	size int
	term string
	conf float64
}

// applyPhonetic runs the phonetic matching stage over the transcript text.
// It returns the corrected text and the list of corrections applied.
//
// The algorithm:
//  1. Tokenise the text into words.
//  2. Determine the maximum number of words in any vocabulary term, plus one
//     to absorb STT tokenisations that split a term word in two ("stream
//     line plus" for "Streamline Plus").
//  3. Test every n-gram window at every position and collect all matches.
//  4. Accept matches in descending confidence order, skipping any window
//     that overlaps an already-accepted one. A left-to-right greedy scan
//     would let a mediocre window starting one token early consume part of
//     a later exact match; global ordering by score avoids that.
//  5. Rebuild the text with accepted windows replaced by their terms.
func (n *VocabNormalizer) applyPhonetic(text string, vocabulary []string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	// When the matcher supports precomputation, prepare the vocabulary once
	// and use the fast path for all window comparisons.
	var matchFn func(string) (string, float64, bool)
	var maxTermWords int

	if pm, ok := n.phonetic.(*phonetic.Matcher); ok {
		ts := phonetic.PrepareTerms(vocabulary)
		maxTermWords = ts.MaxWords()
		matchFn = func(word string) (string, float64, bool) {
			return pm.MatchPrepared(word, ts)
		}
	} else {
		maxTermWords = maxWordCount(vocabulary)
		matchFn = func(word string) (string, float64, bool) {
			return n.phonetic.Match(word, vocabulary)
		}
	}

	if maxTermWords == 0 {
		return text, nil
	}
	maxWindow := maxTermWords + 1

	var candidates []phoneticCandidate
	for i := range tokens {
		maxN := maxWindow
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}
		for size := maxN; size >= 1; size-- {
			window := strings.Join(tokens[i:i+size], " ")
			if term, conf, ok := matchFn(window); ok {
				candidates = append(candidates, phoneticCandidate{
					pos:  i,
					size: size,
					term: term,
					conf: conf,
				})
			}
		}
	}

	if len(candidates) == 0 {
		return text, nil
	}

	sort.Slice(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.conf != cb.conf {
			return ca.conf > cb.conf
		}
		if ca.size != cb.size {
			return ca.size > cb.size
		}
		return ca.pos < cb.pos
	})

	used := make([]bool, len(tokens))
	accepted := make(map[int]phoneticCandidate)
	for _, c := range candidates {
		overlaps := false
		for i := c.pos; i < c.pos+c.size; i++ {
			if used[i] {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		for i := c.pos; i < c.pos+c.size; i++ {
			used[i] = true
		}
		accepted[c.pos] = c
	}

	var output []string
	var corrections []Correction
	for i := 0; i < len(tokens); {
		c, ok := accepted[i]
		if !ok {
			output = append(output, tokens[i])
			i++
			continue
		}
		output = append(output, strings.Fields(c.term)...)
		corrections = append(corrections, Correction{
			Original:   strings.Join(tokens[i:i+c.size], " "),
			Corrected:  c.term,
			Confidence: c.conf,
			Method:     "phonetic",
		})
		i += c.size
	}

	return strings.Join(output, " "), corrections
}

// collectLowConfidenceSpans returns the words whose STT confidence is below
// the configured threshold and that were not already corrected by the
// phonetic stage.
func (n *VocabNormalizer) collectLowConfidenceSpans(
	wordDetails []types.WordDetail,
	alreadyCorrected map[string]struct{},
) []string {
	var spans []string
	for _, wd := range wordDetails {
		wordLower := strings.ToLower(wd.Word)
		if _, corrected := alreadyCorrected[wordLower]; corrected {
			continue
		}
		if wd.Confidence < n.llmThreshold {
			spans = append(spans, wd.Word)
		}
	}
	return spans
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any vocabulary term. Returns 1 when vocabulary is empty.
func maxWordCount(vocabulary []string) int {
	max := 1
	for _, v := range vocabulary {
		if n := len(strings.Fields(v)); n > max {
			max = n
		}
	}
	return max
}
