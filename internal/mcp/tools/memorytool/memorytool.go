// Package memorytool provides built-in MCP tools that expose Parley's
// two-layer conversation memory to support agents.
//
// Three tools are exported via [NewTools]:
//   - "recall_context"     — semantic recall over indexed conversation chunks
//     (L2 vector search), falling back to L1 full-text search when no
//     embedding provider is available or the embedding call fails.
//   - "search_transcripts" — full-text search across session transcripts (L1).
//   - "remember_fact"      — stores a durable note about the caller in the
//     semantic index so later sessions can recall it.
//
// All handlers are safe for concurrent use.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/mcp/tools"
	"github.com/parleyhq/parley/pkg/memory"
	"github.com/parleyhq/parley/pkg/provider/embeddings"
	"github.com/parleyhq/parley/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// recall_context
// ─────────────────────────────────────────────────────────────────────────────

// recallContextArgs is the JSON-decoded input for the "recall_context" tool.
type recallContextArgs struct {
	// Query is the natural-language description of what to recall.
	Query string `json:"query"`

	// CallerID restricts recall to a single caller's sessions.
	// An empty string searches across all callers.
	CallerID string `json:"caller_id,omitempty"`

	// SessionID restricts recall to a single session.
	SessionID string `json:"session_id,omitempty"`

	// TopK caps the number of results returned. Defaults to 5 when ≤ 0.
	TopK int `json:"top_k,omitempty"`
}

// recallHit is one entry of the "recall_context" result payload. Embeddings
// are stripped so results stay small enough for an LLM context window.
type recallHit struct {
	Content   string    `json:"content"`
	SpeakerID string    `json:"speaker_id,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Distance  float64   `json:"distance"`
}

// ─────────────────────────────────────────────────────────────────────────────
// search_transcripts
// ─────────────────────────────────────────────────────────────────────────────

// searchTranscriptsArgs is the JSON-decoded input for the "search_transcripts"
// tool.
type searchTranscriptsArgs struct {
	// Query is the full-text search string matched against transcript entries.
	Query string `json:"query"`

	// SessionID optionally restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string `json:"session_id,omitempty"`

	// SpeakerID optionally restricts results to a single speaker.
	SpeakerID string `json:"speaker_id,omitempty"`

	// Limit caps the number of results returned. Defaults to 10 when ≤ 0.
	Limit int `json:"limit,omitempty"`
}

// transcriptHit is one entry of the "search_transcripts" result payload.
type transcriptHit struct {
	SpeakerName string    `json:"speaker_name,omitempty"`
	SpeakerID   string    `json:"speaker_id,omitempty"`
	Text        string    `json:"text"`
	IsAgent     bool      `json:"is_agent"`
	Timestamp   time.Time `json:"timestamp"`
}

// ─────────────────────────────────────────────────────────────────────────────
// remember_fact
// ─────────────────────────────────────────────────────────────────────────────

// rememberFactArgs is the JSON-decoded input for the "remember_fact" tool.
type rememberFactArgs struct {
	// Content is the fact to store, phrased so it is useful on its own
	// (e.g. "Caller prefers email over phone callbacks").
	Content string `json:"content"`

	// CallerID ties the fact to a caller so later sessions can recall it.
	CallerID string `json:"caller_id"`

	// SessionID records which session produced the fact.
	SessionID string `json:"session_id,omitempty"`

	// Topic is an optional coarse label (e.g. "billing", "preferences").
	Topic string `json:"topic,omitempty"`
}

const (
	// defaultRecallTopK is the default result limit for recall_context.
	defaultRecallTopK = 5

	// defaultSearchLimit is the default result limit for search_transcripts.
	defaultSearchLimit = 10
)

// ─────────────────────────────────────────────────────────────────────────────
// Handler constructors
// ─────────────────────────────────────────────────────────────────────────────

// makeRecallContextHandler returns a handler for the "recall_context" tool.
// It embeds the query and searches the semantic index; when embedder is nil
// or the embedding call fails, it degrades to L1 full-text search so the
// agent still gets an answer.
func makeRecallContextHandler(sessions memory.SessionStore, index memory.SemanticIndex, embedder embeddings.Provider) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a recallContextArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: recall_context: failed to parse arguments: %w", err)
		}
		if a.Query == "" {
			return "", fmt.Errorf("memory tool: recall_context: query must not be empty")
		}

		topK := a.TopK
		if topK <= 0 {
			topK = defaultRecallTopK
		}

		if embedder != nil && index != nil {
			vec, err := embedder.Embed(ctx, a.Query)
			if err == nil {
				results, searchErr := index.Search(ctx, vec, topK, memory.ChunkFilter{
					CallerID:  a.CallerID,
					SessionID: a.SessionID,
				})
				if searchErr != nil {
					return "", fmt.Errorf("memory tool: recall_context: %w", searchErr)
				}
				hits := make([]recallHit, len(results))
				for i, r := range results {
					hits[i] = recallHit{
						Content:   r.Chunk.Content,
						SpeakerID: r.Chunk.SpeakerID,
						Topic:     r.Chunk.Topic,
						Timestamp: r.Chunk.Timestamp,
						Distance:  r.Distance,
					}
				}
				return marshalResult("recall_context", hits)
			}
			// Embedding failed: fall through to the full-text path below.
		}

		entries, err := sessions.Search(ctx, a.Query, memory.SearchOpts{
			SessionID: a.SessionID,
			Limit:     topK,
		})
		if err != nil {
			return "", fmt.Errorf("memory tool: recall_context: %w", err)
		}
		return marshalResult("recall_context", transcriptHits(entries))
	}
}

// makeSearchTranscriptsHandler returns a handler for the "search_transcripts"
// tool that delegates to sessions.Search.
func makeSearchTranscriptsHandler(sessions memory.SessionStore) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a searchTranscriptsArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: search_transcripts: failed to parse arguments: %w", err)
		}
		if a.Query == "" {
			return "", fmt.Errorf("memory tool: search_transcripts: query must not be empty")
		}

		limit := a.Limit
		if limit <= 0 {
			limit = defaultSearchLimit
		}

		entries, err := sessions.Search(ctx, a.Query, memory.SearchOpts{
			SessionID: a.SessionID,
			SpeakerID: a.SpeakerID,
			Limit:     limit,
		})
		if err != nil {
			return "", fmt.Errorf("memory tool: search_transcripts: %w", err)
		}
		return marshalResult("search_transcripts", transcriptHits(entries))
	}
}

// makeRememberFactHandler returns a handler for the "remember_fact" tool.
// The fact is embedded and stored in the semantic index under a fresh chunk ID.
func makeRememberFactHandler(index memory.SemanticIndex, embedder embeddings.Provider) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a rememberFactArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: remember_fact: failed to parse arguments: %w", err)
		}
		if a.Content == "" {
			return "", fmt.Errorf("memory tool: remember_fact: content must not be empty")
		}
		if a.CallerID == "" {
			return "", fmt.Errorf("memory tool: remember_fact: caller_id must not be empty")
		}
		if embedder == nil || index == nil {
			return "", fmt.Errorf("memory tool: remember_fact: semantic memory is not configured")
		}

		vec, err := embedder.Embed(ctx, a.Content)
		if err != nil {
			return "", fmt.Errorf("memory tool: remember_fact: failed to embed content: %w", err)
		}

		chunk := memory.Chunk{
			ID:        uuid.NewString(),
			SessionID: a.SessionID,
			CallerID:  a.CallerID,
			Content:   a.Content,
			Embedding: vec,
			Topic:     a.Topic,
			Timestamp: time.Now(),
		}
		if err := index.IndexChunk(ctx, chunk); err != nil {
			return "", fmt.Errorf("memory tool: remember_fact: %w", err)
		}

		return marshalResult("remember_fact", map[string]string{
			"status": "stored",
			"id":     chunk.ID,
		})
	}
}

// transcriptHits maps session-store entries to the LLM-facing hit shape.
func transcriptHits(entries []types.TranscriptEntry) []transcriptHit {
	hits := make([]transcriptHit, len(entries))
	for i, e := range entries {
		hits[i] = transcriptHit{
			SpeakerName: e.SpeakerName,
			SpeakerID:   e.SpeakerID,
			Text:        e.Text,
			IsAgent:     e.IsAgent,
			Timestamp:   e.Timestamp,
		}
	}
	return hits
}

// marshalResult JSON-encodes a tool result payload.
func marshalResult(tool string, v any) (string, error) {
	res, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("memory tool: %s: failed to encode result: %w", tool, err)
	}
	return string(res), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────────

// NewTools constructs the full set of memory tools, wired to the provided
// memory backend implementations.
//
// sessions is the L1 session store used by search_transcripts and as the
// recall fallback. index is the L2 semantic index used by recall_context and
// remember_fact. embedder produces query/content embeddings; it may be nil,
// in which case recall_context degrades to full-text search and remember_fact
// reports an error.
//
// sessions must be non-nil.
func NewTools(sessions memory.SessionStore, index memory.SemanticIndex, embedder embeddings.Provider) []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "recall_context",
				Description: "Recall relevant details from earlier in this call or from the caller's previous calls. Uses semantic similarity, so the query can be a plain-language description of what you are looking for. Use caller_id to search across the caller's history.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Plain-language description of the information to recall.",
						},
						"caller_id": map[string]any{
							"type":        "string",
							"description": "Restrict recall to this caller's sessions. Omit to search all callers.",
						},
						"session_id": map[string]any{
							"type":        "string",
							"description": "Restrict recall to this session. Omit to search across sessions.",
						},
						"top_k": map[string]any{
							"type":        "integer",
							"description": "Maximum number of results to return. Defaults to 5.",
							"minimum":     1,
							"maximum":     50,
						},
					},
					"required": []string{"query"},
				},
				EstimatedDurationMs: 150,
				MaxDurationMs:       800,
				Idempotent:          true,
			},
			Handler:     makeRecallContextHandler(sessions, index, embedder),
			DeclaredP50: 150,
			DeclaredMax: 800,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "search_transcripts",
				Description: "Perform an exact full-text search across session transcripts. Returns matching utterances with speaker and timestamp. Prefer recall_context for fuzzy or conceptual lookups; use this when searching for exact words the caller or agent said.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Full-text search query matched against transcript entry text.",
						},
						"session_id": map[string]any{
							"type":        "string",
							"description": "Restrict results to this session ID. Omit to search all sessions.",
						},
						"speaker_id": map[string]any{
							"type":        "string",
							"description": "Restrict results to this speaker. Omit to match all speakers.",
						},
						"limit": map[string]any{
							"type":        "integer",
							"description": "Maximum number of results to return. Defaults to 10.",
							"minimum":     1,
							"maximum":     100,
						},
					},
					"required": []string{"query"},
				},
				EstimatedDurationMs: 100,
				MaxDurationMs:       500,
				Idempotent:          true,
			},
			Handler:     makeSearchTranscriptsHandler(sessions),
			DeclaredP50: 100,
			DeclaredMax: 500,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "remember_fact",
				Description: "Store a durable fact about the caller so future calls can recall it (e.g. contact preferences, open issues, promised follow-ups). Phrase the content so it is understandable on its own.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content": map[string]any{
							"type":        "string",
							"description": "The fact to remember, phrased as a standalone statement.",
						},
						"caller_id": map[string]any{
							"type":        "string",
							"description": "The caller this fact belongs to.",
						},
						"session_id": map[string]any{
							"type":        "string",
							"description": "The session that produced this fact.",
						},
						"topic": map[string]any{
							"type":        "string",
							"description": "Optional coarse label such as billing or preferences.",
						},
					},
					"required": []string{"content", "caller_id"},
				},
				EstimatedDurationMs: 200,
				MaxDurationMs:       1000,
			},
			Handler:     makeRememberFactHandler(index, embedder),
			DeclaredP50: 200,
			DeclaredMax: 1000,
		},
	}
}
