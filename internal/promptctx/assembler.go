// Package promptctx assembles the per-turn prompt context for the reasoning
// call.
//
// Two memory layers are fetched concurrently for every turn:
//
//  1. Recent session transcript from the session store (L1).
//  2. Semantically similar history from the vector index (L2), found by
//     embedding the caller's utterance.
//
// Target assembly latency is < 50 ms on the hot path; the [Prefetcher] warms
// the L2 fetch from STT partials so the final assembly usually hits cache.
// Use [FormatSystemPrompt] to convert a [PromptContext] into a system prompt
// string ready for the LLM call.
package promptctx

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/pkg/memory"
	"github.com/parleyhq/parley/pkg/provider/embeddings"
	"github.com/parleyhq/parley/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// PromptContext is the assembled context injected into a reasoning call.
// All fields are optional; callers should check for nil/empty before using.
type PromptContext struct {
	// RecentTranscript is the last N minutes of session conversation, capped
	// at the assembler's maxEntries setting.
	RecentTranscript []types.TranscriptEntry

	// SemanticMatches holds the vector-index results closest to the caller's
	// utterance, most similar first.
	SemanticMatches []memory.ChunkResult

	// PrefetchMatches holds speculatively fetched results injected before
	// assembly (from [Prefetcher]). They may overlap SemanticMatches; the
	// formatter deduplicates by chunk ID.
	PrefetchMatches []memory.ChunkResult

	// AssemblyDuration records how long [Assembler.Assemble] took.
	AssemblyDuration time.Duration
}

// ─────────────────────────────────────────────────────────────────────────────
// Assembler
// ─────────────────────────────────────────────────────────────────────────────

// Assembler concurrently fetches both memory layers and combines them into a
// [PromptContext].
type Assembler struct {
	sessionStore   memory.SessionStore
	index          memory.SemanticIndex
	embedder       embeddings.Provider
	recentDuration time.Duration
	maxEntries     int
	topK           int
}

// Option is a functional option for [NewAssembler].
type Option func(*Assembler)

// WithRecentDuration sets how far back in time [Assembler.Assemble] looks
// when fetching the recent session transcript. Defaults to 5 minutes.
func WithRecentDuration(d time.Duration) Option {
	return func(a *Assembler) { a.recentDuration = d }
}

// WithMaxTranscriptEntries caps the number of transcript entries included in
// [PromptContext.RecentTranscript]. When the session store returns more than
// n entries the most-recent n are kept. Defaults to 50.
func WithMaxTranscriptEntries(n int) Option {
	return func(a *Assembler) { a.maxEntries = n }
}

// WithTopK sets how many semantic matches are requested from the vector
// index. Defaults to 5.
func WithTopK(k int) Option {
	return func(a *Assembler) { a.topK = k }
}

// NewAssembler creates an [Assembler] with sensible defaults.
// index and embedder may be nil together, which skips the semantic layer.
func NewAssembler(sessionStore memory.SessionStore, index memory.SemanticIndex, embedder embeddings.Provider, opts ...Option) *Assembler {
	a := &Assembler{
		sessionStore:   sessionStore,
		index:          index,
		embedder:       embedder,
		recentDuration: 5 * time.Minute,
		maxEntries:     50,
		topK:           5,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble concurrently fetches both memory layers for the given utterance
// and returns a fully populated [PromptContext].
//
// The fetches run in parallel via errgroup. If any fetch returns an error,
// assembly is aborted and that error is returned wrapped with a
// "prompt context: " prefix.
//
// Assemble respects context cancellation on all underlying I/O calls.
func (a *Assembler) Assemble(ctx context.Context, sessionID, callerID, utterance string) (*PromptContext, error) {
	start := time.Now()

	var (
		transcript []types.TranscriptEntry
		matches    []memory.ChunkResult
	)

	eg, egCtx := errgroup.WithContext(ctx)

	// ── goroutine 1: recent session transcript ───────────────────────────────
	eg.Go(func() error {
		entries, err := a.sessionStore.GetRecent(egCtx, sessionID, a.recentDuration)
		if err != nil {
			return fmt.Errorf("prompt context: get recent transcript for session %q: %w", sessionID, err)
		}
		// Truncate to the most-recent maxEntries entries.
		if len(entries) > a.maxEntries {
			entries = entries[len(entries)-a.maxEntries:]
		}
		transcript = entries
		return nil
	})

	// ── goroutine 2: semantic history search ─────────────────────────────────
	if a.index != nil && a.embedder != nil && utterance != "" {
		eg.Go(func() error {
			vec, err := a.embedder.Embed(egCtx, utterance)
			if err != nil {
				return fmt.Errorf("prompt context: embed utterance: %w", err)
			}
			results, err := a.index.Search(egCtx, vec, a.topK, memory.ChunkFilter{CallerID: callerID})
			if err != nil {
				return fmt.Errorf("prompt context: semantic search: %w", err)
			}
			matches = results
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return &PromptContext{
		RecentTranscript: transcript,
		SemanticMatches:  matches,
		AssemblyDuration: time.Since(start),
	}, nil
}
