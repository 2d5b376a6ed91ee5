package httpadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const reloadTimeout = 15 * time.Second

// Reloader re-reads the persisted session and rebinds the chat connection.
type Reloader interface {
	ReloadKick(ctx context.Context) (channel string, err error)
}

type Server struct {
	rel Reloader
}

func New(rel Reloader) *Server { return &Server{rel: rel} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/kick/reload", s.handleReload)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), reloadTimeout)
	defer cancel()

	channel, err := s.rel.ReloadKick(ctx)
	if err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Status   string `json:"status"`
		Reloaded bool   `json:"reloaded"`
		Channel  string `json:"channel"`
	}{Status: "ok", Reloaded: true, Channel: channel})
}
