package feedback_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/parleyhq/parley/internal/feedback"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	mu      sync.Mutex
	ratings []feedback.Rating
	saveErr error
}

func (m *memStore) SaveRating(_ context.Context, r feedback.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.ratings = append(m.ratings, r)
	return nil
}

func (m *memStore) saved() []feedback.Rating {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]feedback.Rating(nil), m.ratings...)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/feedback", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_AcceptsValidRating(t *testing.T) {
	store := &memStore{}
	h := feedback.Handler(store)

	rec := post(t, h, `{"session_id":"session-room-1","turn_id":"turn-42","score":4,"comment":"quick and helpful"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body: %s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	saved := store.saved()
	if len(saved) != 1 {
		t.Fatalf("saved %d ratings, want 1", len(saved))
	}
	if saved[0].TurnID != "turn-42" || saved[0].Score != 4 {
		t.Errorf("saved rating = %+v, want turn-42 score 4", saved[0])
	}
}

func TestHandler_RejectsNonPost(t *testing.T) {
	h := feedback.Handler(&memStore{})
	req := httptest.NewRequest(http.MethodGet, "/feedback", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if got := rec.Header().Get("Allow"); got != http.MethodPost {
		t.Errorf("Allow header = %q, want %q", got, http.MethodPost)
	}
}

func TestHandler_RejectsInvalidBody(t *testing.T) {
	store := &memStore{}
	h := feedback.Handler(store)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"session_id":`},
		{"unknown field", `{"session_id":"s","turn_id":"t","score":3,"rating":5}`},
		{"missing session", `{"turn_id":"t","score":3}`},
		{"missing turn", `{"session_id":"s","score":3}`},
		{"score too low", `{"session_id":"s","turn_id":"t","score":0}`},
		{"score too high", `{"session_id":"s","turn_id":"t","score":6}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(t, h, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
	if len(store.saved()) != 0 {
		t.Errorf("invalid bodies should not be stored, got %d", len(store.saved()))
	}
}

func TestHandler_StoreFailure(t *testing.T) {
	store := &memStore{saveErr: errors.New("pool closed")}
	h := feedback.Handler(store)

	rec := post(t, h, `{"session_id":"s","turn_id":"t","score":5}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
