package turn

import "strings"

// Keyword groups scored by the tool gate. Matching is case-insensitive on
// whitespace-split words with trailing punctuation stripped.
var (
	// questionWords open utterances that typically ask for information a
	// tool can fetch.
	questionWords = []string{
		"who", "what", "when", "where", "why", "how", "which",
		"can", "could", "would", "do", "does", "did", "is", "are",
	}

	// actionWords indicate the caller wants something done, not just said.
	actionWords = []string{
		"check", "lookup", "look", "search", "find", "fetch", "get",
		"book", "schedule", "cancel", "order", "update", "change",
		"set", "remember", "remind", "send", "track", "status",
	}

	// temporalWords pair with actions and questions that need live data.
	temporalWords = []string{
		"today", "tomorrow", "yesterday", "now", "currently", "latest",
		"time", "date", "week", "month", "morning", "tonight",
	}

	// smalltalkWords mark utterances that are social filler. They score
	// against offering tools but never below zero on their own, so the
	// gate still defaults open for mixed utterances.
	smalltalkWords = []string{
		"hi", "hello", "hey", "thanks", "thank", "bye", "goodbye",
		"okay", "ok", "yeah", "yes", "no", "sure", "cool", "great",
	}
)

// Gate decides whether tool definitions are offered to the reasoning call
// for a given utterance. Offering tools to the model costs prompt tokens and
// invites spurious calls, so plain chit-chat is filtered out; anything the
// scorer is unsure about is let through.
type Gate struct {
	question  map[string]struct{}
	action    map[string]struct{}
	temporal  map[string]struct{}
	smalltalk map[string]struct{}
}

// NewGate creates a Gate with the default keyword groups.
func NewGate() *Gate {
	return &Gate{
		question:  wordSet(questionWords),
		action:    wordSet(actionWords),
		temporal:  wordSet(temporalWords),
		smalltalk: wordSet(smalltalkWords),
	}
}

// ShouldOfferTools scores text and reports whether the reasoning call should
// include the tool catalogue. Question, action, and temporal words each add
// to the score; smalltalk words subtract. The gate closes only when the
// utterance scored negative, so an uncertain (zero-score) utterance still
// gets tools.
func (g *Gate) ShouldOfferTools(text string) bool {
	if g == nil {
		return true
	}
	score := 0
	if strings.Contains(text, "?") {
		score++
	}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:'\"")
		if w == "" {
			continue
		}
		if _, ok := g.question[w]; ok {
			score++
		}
		if _, ok := g.action[w]; ok {
			score += 2
		}
		if _, ok := g.temporal[w]; ok {
			score++
		}
		if _, ok := g.smalltalk[w]; ok {
			score -= 2
		}
	}
	return score >= 0
}

func wordSet(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
