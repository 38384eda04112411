package promptctx

import (
	"context"
	"strings"
	"sync"

	"github.com/parleyhq/parley/pkg/memory"
	"github.com/parleyhq/parley/pkg/provider/embeddings"
)

// minPartialWords is the minimum word count of a partial transcript before a
// speculative search is worth running. Very short partials embed poorly and
// mostly return noise.
const minPartialWords = 3

// Prefetcher speculatively queries the semantic index while the caller is
// still speaking, based on STT partial transcripts. By the time the final
// transcript lands and the prompt is assembled, the relevant history is
// already cached and assembly costs no vector round-trip.
//
// All exported methods are goroutine-safe.
type Prefetcher struct {
	index    memory.SemanticIndex
	embedder embeddings.Provider
	callerID string
	topK     int

	mu          sync.Mutex
	lastPartial string
	cache       map[string]memory.ChunkResult // chunk ID → result
}

// NewPrefetcher creates a [Prefetcher] for one caller's session.
func NewPrefetcher(index memory.SemanticIndex, embedder embeddings.Provider, callerID string) *Prefetcher {
	return &Prefetcher{
		index:    index,
		embedder: embedder,
		callerID: callerID,
		topK:     5,
		cache:    make(map[string]memory.ChunkResult),
	}
}

// ProcessPartial embeds a partial transcript and searches the semantic index,
// merging any new results into the cache. Partials shorter than three words
// or identical to the previous one are skipped.
//
// Errors from the embedder or index are silently swallowed so a transient
// prefetch failure never blocks the real-time voice path.
func (p *Prefetcher) ProcessPartial(ctx context.Context, partial string) {
	partial = strings.TrimSpace(partial)
	if len(strings.Fields(partial)) < minPartialWords {
		return
	}

	p.mu.Lock()
	if partial == p.lastPartial {
		p.mu.Unlock()
		return
	}
	p.lastPartial = partial
	p.mu.Unlock()

	vec, err := p.embedder.Embed(ctx, partial)
	if err != nil {
		return
	}
	results, err := p.index.Search(ctx, vec, p.topK, memory.ChunkFilter{CallerID: p.callerID})
	if err != nil {
		return
	}

	p.mu.Lock()
	for _, r := range results {
		if _, cached := p.cache[r.Chunk.ID]; !cached {
			p.cache[r.Chunk.ID] = r
		}
	}
	p.mu.Unlock()
}

// Results returns everything prefetched since the last [Prefetcher.Reset],
// ready for [PromptContext.PrefetchMatches].
func (p *Prefetcher) Results() []memory.ChunkResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]memory.ChunkResult, 0, len(p.cache))
	for _, r := range p.cache {
		out = append(out, r)
	}
	return out
}

// Reset clears the prefetch cache. Call this after each turn so stale
// results do not bleed into the next prompt.
func (p *Prefetcher) Reset() {
	p.mu.Lock()
	p.cache = make(map[string]memory.ChunkResult)
	p.lastPartial = ""
	p.mu.Unlock()
}
