package gateway

import (
	"encoding/json"
	"net/http"
)

// errorEnvelope is the uniform error body. Responses are never empty
// with an abrupt close; the outermost middleware guarantees a JSON
// envelope even on panic.
type errorEnvelope struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, errorEnvelope{Error: code, Details: details})
}

// recoverMiddleware catches handler panics and returns a well-formed
// 500 envelope.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal", "unexpected server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// decodeBody parses a JSON request body into dst, returning a caller
// error message on failure.
func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	return decoder.Decode(dst)
}
