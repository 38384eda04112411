package room

import (
	"encoding/json"
	"net/http"
	"time"
)

// TokenHandler issues room access tokens over HTTP so that browser and mobile
// clients can join rooms without holding the gateway API secret themselves.
type TokenHandler struct {
	minter *TokenMinter
}

// NewTokenHandler creates a TokenHandler backed by the given minter.
func NewTokenHandler(minter *TokenMinter) *TokenHandler {
	return &TokenHandler{minter: minter}
}

// Handler returns an http.Handler that serves the token endpoint:
//
//	POST /tokens — mint an access token for a room and identity
func (h *TokenHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tokens", h.handleMint)
	return mux
}

// tokenRequest is the JSON body for the token endpoint.
type tokenRequest struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
}

// tokenResponse is the JSON body returned from the token endpoint.
type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleMint handles POST /tokens.
func (h *TokenHandler) handleMint(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Room == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}
	if req.Identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}

	token, err := h.minter.Mint(req.Room, req.Identity)
	if err != nil {
		http.Error(w, "failed to mint token: "+err.Error(), http.StatusInternalServerError)
		return
	}

	claims, err := h.minter.Verify(token)
	if err != nil {
		http.Error(w, "minted token failed verification: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(tokenResponse{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	})
}
