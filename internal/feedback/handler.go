package feedback

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler accepts POST /feedback requests carrying a JSON [Rating] body and
// writes them to the store. Responds 202 Accepted on success.
func Handler(store Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var rating Rating
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rating); err != nil {
			http.Error(w, "invalid feedback body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if rating.SessionID == "" || rating.TurnID == "" {
			http.Error(w, "session_id and turn_id are required", http.StatusBadRequest)
			return
		}
		if rating.Score < 1 || rating.Score > 5 {
			http.Error(w, "score must be between 1 and 5", http.StatusBadRequest)
			return
		}

		if err := store.SaveRating(r.Context(), rating); err != nil {
			slog.Error("feedback: save rating failed",
				"session_id", rating.SessionID,
				"turn_id", rating.TurnID,
				"err", err,
			)
			http.Error(w, "could not store feedback", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}
