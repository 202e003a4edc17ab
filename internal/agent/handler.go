package agent

import (
	"encoding/json"
	"net/http"
)

// NewHealthHandler serves GET /health over plain HTTP for liveness probes
// that cannot speak gRPC.
func NewHealthHandler(s *JobServer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.health(r.Context()))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
