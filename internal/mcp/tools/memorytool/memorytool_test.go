package memorytool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/memory"
	memmock "github.com/parleyhq/parley/pkg/memory/mock"
	embmock "github.com/parleyhq/parley/pkg/provider/embeddings/mock"
	"github.com/parleyhq/parley/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// recall_context
// ─────────────────────────────────────────────────────────────────────────────

func TestRecallContext_SemanticPath(t *testing.T) {
	t.Parallel()
	store := &memmock.SessionStore{}
	index := &memmock.SemanticIndex{
		SearchResult: []memory.ChunkResult{
			{
				Chunk: memory.Chunk{
					Content:   "Caller reported Fibrewave dropouts twice last month",
					SpeakerID: "caller-311",
					Topic:     "connectivity",
					Timestamp: time.Now(),
				},
				Distance: 0.12,
			},
		},
	}
	embedder := &embmock.Provider{EmbedResult: []float32{0.1, 0.2, 0.3}}

	handler := makeRecallContextHandler(store, index, embedder)
	out, err := handler(context.Background(), `{"query":"past connection problems","caller_id":"caller-311"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var hits []recallHit
	if err := json.Unmarshal([]byte(out), &hits); err != nil {
		t.Fatalf("failed to unmarshal: %v\noutput: %s", err, out)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if !strings.Contains(hits[0].Content, "Fibrewave") {
		t.Errorf("Content = %q, want mention of Fibrewave", hits[0].Content)
	}
	if hits[0].Distance != 0.12 {
		t.Errorf("Distance = %v, want 0.12", hits[0].Distance)
	}

	if n := len(embedder.EmbedCalls); n != 1 {
		t.Errorf("expected 1 Embed call, got %d", n)
	}
	if n := index.CallCount("Search"); n != 1 {
		t.Errorf("expected 1 semantic Search call, got %d", n)
	}
	if n := store.CallCount("Search"); n != 0 {
		t.Errorf("expected 0 full-text Search calls, got %d", n)
	}
}

func TestRecallContext_FilterForwarded(t *testing.T) {
	t.Parallel()
	store := &memmock.SessionStore{}
	index := &memmock.SemanticIndex{}
	embedder := &embmock.Provider{EmbedResult: []float32{0.5}}

	handler := makeRecallContextHandler(store, index, embedder)
	_, err := handler(context.Background(), `{"query":"billing dispute","caller_id":"caller-845","session_id":"sess-7","top_k":3}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := index.Calls()
	if len(calls) == 0 {
		t.Fatal("no semantic Search calls recorded")
	}
	topK := calls[0].Args[1].(int)
	if topK != 3 {
		t.Errorf("topK = %d, want 3", topK)
	}
	filter := calls[0].Args[2].(memory.ChunkFilter)
	if filter.CallerID != "caller-845" {
		t.Errorf("filter.CallerID = %q, want %q", filter.CallerID, "caller-845")
	}
	if filter.SessionID != "sess-7" {
		t.Errorf("filter.SessionID = %q, want %q", filter.SessionID, "sess-7")
	}
}

func TestRecallContext_FallbackWhenEmbedFails(t *testing.T) {
	t.Parallel()
	store := &memmock.SessionStore{
		SearchResult: []types.TranscriptEntry{
			{SpeakerID: "caller-311", Text: "my invoice doubled in march"},
		},
	}
	index := &memmock.SemanticIndex{}
	embedder := &embmock.Provider{EmbedErr: errors.New("model offline")}

	handler := makeRecallContextHandler(store, index, embedder)
	out, err := handler(context.Background(), `{"query":"invoice increase"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var hits []transcriptHit
	if err := json.Unmarshal([]byte(out), &hits); err != nil {
		t.Fatalf("failed to unmarshal: %v\noutput: %s", err, out)
	}
	if len(hits) != 1 {
		t.Errorf("expected 1 fallback hit, got %d", len(hits))
	}

	if n := index.CallCount("Search"); n != 0 {
		t.Errorf("expected 0 semantic Search calls after embed failure, got %d", n)
	}
	if n := store.CallCount("Search"); n != 1 {
		t.Errorf("expected 1 full-text Search call, got %d", n)
	}
}

func TestRecallContext_FallbackWhenNoEmbedder(t *testing.T) {
	t.Parallel()
	store := &memmock.SessionStore{}
	index := &memmock.SemanticIndex{}

	handler := makeRecallContextHandler(store, index, nil)
	_, err := handler(context.Background(), `{"query":"anything","top_k":4}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := store.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 full-text Search call, got %d", len(calls))
	}
	opts := calls[0].Args[1].(memory.SearchOpts)
	if opts.Limit != 4 {
		t.Errorf("fallback Limit = %d, want 4", opts.Limit)
	}
}

func TestRecallContext_EmptyQuery(t *testing.T) {
	t.Parallel()
	handler := makeRecallContextHandler(&memmock.SessionStore{}, &memmock.SemanticIndex{}, nil)

	_, err := handler(context.Background(), `{"query":""}`)
	if err == nil {
		t.Error("expected error for empty query")
	}
	if !strings.HasPrefix(err.Error(), "memory tool:") {
		t.Errorf("error %q should be prefixed with 'memory tool:'", err.Error())
	}
}

func TestRecallContext_IndexError(t *testing.T) {
	t.Parallel()
	index := &memmock.SemanticIndex{SearchErr: errors.New("connection refused")}
	embedder := &embmock.Provider{EmbedResult: []float32{0.1}}

	handler := makeRecallContextHandler(&memmock.SessionStore{}, index, embedder)
	_, err := handler(context.Background(), `{"query":"anything"}`)
	if err == nil {
		t.Error("expected error from index")
	}
}

func TestRecallContext_BadJSON(t *testing.T) {
	t.Parallel()
	handler := makeRecallContextHandler(&memmock.SessionStore{}, &memmock.SemanticIndex{}, nil)

	_, err := handler(context.Background(), `{bad json}`)
	if err == nil {
		t.Error("expected error for bad JSON")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// search_transcripts
// ─────────────────────────────────────────────────────────────────────────────

func TestSearchTranscripts_Success(t *testing.T) {
	t.Parallel()
	store := &memmock.SessionStore{
		SearchResult: []types.TranscriptEntry{
			{SpeakerID: "caller-311", SpeakerName: "Dana", Text: "I want to cancel Streamline Plus", Timestamp: time.Now()},
			{SpeakerID: "agent-billing", Text: "I can help with that cancellation", IsAgent: true, Timestamp: time.Now()},
		},
	}

	handler := makeSearchTranscriptsHandler(store)
	out, err := handler(context.Background(), `{"query":"cancel"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var hits []transcriptHit
	if err := json.Unmarshal([]byte(out), &hits); err != nil {
		t.Fatalf("failed to unmarshal: %v\noutput: %s", err, out)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].SpeakerName != "Dana" {
		t.Errorf("SpeakerName = %q, want %q", hits[0].SpeakerName, "Dana")
	}
	if !hits[1].IsAgent {
		t.Error("second hit should be flagged as agent speech")
	}

	if n := store.CallCount("Search"); n != 1 {
		t.Errorf("expected 1 Search call, got %d", n)
	}
}

func TestSearchTranscripts_OptsForwarded(t *testing.T) {
	t.Parallel()
	store := &memmock.SessionStore{}

	handler := makeSearchTranscriptsHandler(store)
	_, err := handler(context.Background(), `{"query":"refund","session_id":"sess-42","speaker_id":"caller-311","limit":7}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := store.Calls()
	if len(calls) == 0 {
		t.Fatal("no calls recorded")
	}
	opts := calls[0].Args[1].(memory.SearchOpts)
	if opts.SessionID != "sess-42" {
		t.Errorf("SessionID = %q, want %q", opts.SessionID, "sess-42")
	}
	if opts.SpeakerID != "caller-311" {
		t.Errorf("SpeakerID = %q, want %q", opts.SpeakerID, "caller-311")
	}
	if opts.Limit != 7 {
		t.Errorf("Limit = %d, want 7", opts.Limit)
	}
}

func TestSearchTranscripts_DefaultLimit(t *testing.T) {
	t.Parallel()
	store := &memmock.SessionStore{}
	handler := makeSearchTranscriptsHandler(store)

	_, err := handler(context.Background(), `{"query":"anything"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := store.Calls()
	if len(calls) == 0 {
		t.Fatal("no calls recorded")
	}
	opts := calls[0].Args[1].(memory.SearchOpts)
	if opts.Limit != defaultSearchLimit {
		t.Errorf("Limit = %d, want %d (default)", opts.Limit, defaultSearchLimit)
	}
}

func TestSearchTranscripts_EmptyQuery(t *testing.T) {
	t.Parallel()
	handler := makeSearchTranscriptsHandler(&memmock.SessionStore{})

	_, err := handler(context.Background(), `{"query":""}`)
	if err == nil {
		t.Error("expected error for empty query")
	}
	if !strings.HasPrefix(err.Error(), "memory tool:") {
		t.Errorf("error %q should be prefixed with 'memory tool:'", err.Error())
	}
}

func TestSearchTranscripts_StoreError(t *testing.T) {
	t.Parallel()
	store := &memmock.SessionStore{SearchErr: errors.New("database unavailable")}
	handler := makeSearchTranscriptsHandler(store)

	_, err := handler(context.Background(), `{"query":"anything"}`)
	if err == nil {
		t.Error("expected error from store")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// remember_fact
// ─────────────────────────────────────────────────────────────────────────────

func TestRememberFact_Success(t *testing.T) {
	t.Parallel()
	index := &memmock.SemanticIndex{}
	embedder := &embmock.Provider{EmbedResult: []float32{0.7, 0.8}}

	handler := makeRememberFactHandler(index, embedder)
	out, err := handler(context.Background(), `{"content":"Caller prefers email over phone callbacks","caller_id":"caller-311","session_id":"sess-7","topic":"preferences"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var res map[string]string
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to unmarshal: %v\noutput: %s", err, out)
	}
	if res["status"] != "stored" {
		t.Errorf("status = %q, want %q", res["status"], "stored")
	}
	if res["id"] == "" {
		t.Error("expected a non-empty chunk id")
	}

	if len(embedder.EmbedCalls) != 1 {
		t.Fatalf("expected 1 Embed call, got %d", len(embedder.EmbedCalls))
	}
	if got := embedder.EmbedCalls[0].Text; !strings.Contains(got, "email") {
		t.Errorf("embedded text = %q, want the fact content", got)
	}

	calls := index.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 IndexChunk call, got %d", len(calls))
	}
	chunk := calls[0].Args[0].(memory.Chunk)
	if chunk.ID == "" {
		t.Error("chunk.ID should be assigned")
	}
	if chunk.CallerID != "caller-311" {
		t.Errorf("chunk.CallerID = %q, want %q", chunk.CallerID, "caller-311")
	}
	if chunk.Topic != "preferences" {
		t.Errorf("chunk.Topic = %q, want %q", chunk.Topic, "preferences")
	}
	if len(chunk.Embedding) != 2 {
		t.Errorf("chunk.Embedding length = %d, want 2", len(chunk.Embedding))
	}
}

func TestRememberFact_MissingCallerID(t *testing.T) {
	t.Parallel()
	handler := makeRememberFactHandler(&memmock.SemanticIndex{}, &embmock.Provider{})

	_, err := handler(context.Background(), `{"content":"something"}`)
	if err == nil {
		t.Error("expected error for missing caller_id")
	}
}

func TestRememberFact_EmptyContent(t *testing.T) {
	t.Parallel()
	handler := makeRememberFactHandler(&memmock.SemanticIndex{}, &embmock.Provider{})

	_, err := handler(context.Background(), `{"content":"","caller_id":"caller-311"}`)
	if err == nil {
		t.Error("expected error for empty content")
	}
}

func TestRememberFact_NoEmbedder(t *testing.T) {
	t.Parallel()
	handler := makeRememberFactHandler(&memmock.SemanticIndex{}, nil)

	_, err := handler(context.Background(), `{"content":"a fact","caller_id":"caller-311"}`)
	if err == nil {
		t.Error("expected error when semantic memory is not configured")
	}
}

func TestRememberFact_EmbedError(t *testing.T) {
	t.Parallel()
	embedder := &embmock.Provider{EmbedErr: errors.New("model offline")}
	handler := makeRememberFactHandler(&memmock.SemanticIndex{}, embedder)

	_, err := handler(context.Background(), `{"content":"a fact","caller_id":"caller-311"}`)
	if err == nil {
		t.Error("expected error from embedder")
	}
}

func TestRememberFact_IndexError(t *testing.T) {
	t.Parallel()
	index := &memmock.SemanticIndex{IndexChunkErr: errors.New("disk full")}
	embedder := &embmock.Provider{EmbedResult: []float32{0.1}}
	handler := makeRememberFactHandler(index, embedder)

	_, err := handler(context.Background(), `{"content":"a fact","caller_id":"caller-311"}`)
	if err == nil {
		t.Error("expected error from index")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────────

func TestNewTools_ReturnsExpectedTools(t *testing.T) {
	t.Parallel()
	store := &memmock.SessionStore{}
	index := &memmock.SemanticIndex{}
	embedder := &embmock.Provider{}

	ts := NewTools(store, index, embedder)
	if len(ts) != 3 {
		t.Fatalf("NewTools returned %d tools, want 3", len(ts))
	}

	wantNames := map[string]bool{
		"recall_context":     true,
		"search_transcripts": true,
		"remember_fact":      true,
	}

	for _, tool := range ts {
		if !wantNames[tool.Definition.Name] {
			t.Errorf("unexpected tool name %q", tool.Definition.Name)
		}
		delete(wantNames, tool.Definition.Name)

		if tool.Handler == nil {
			t.Errorf("tool %q has nil Handler", tool.Definition.Name)
		}
		if tool.DeclaredP50 <= 0 {
			t.Errorf("tool %q DeclaredP50 = %d, want > 0", tool.Definition.Name, tool.DeclaredP50)
		}
		if tool.DeclaredMax <= 0 {
			t.Errorf("tool %q DeclaredMax = %d, want > 0", tool.Definition.Name, tool.DeclaredMax)
		}
	}

	for missing := range wantNames {
		t.Errorf("NewTools missing tool %q", missing)
	}
}
