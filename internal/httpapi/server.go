package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/you/kickmonitor/internal/events"
	"github.com/you/kickmonitor/internal/metrics"
)

const (
	sseClientBuffer = 256
	ssePingInterval = 20 * time.Second
)

// Status is the snapshot served on /status.
type Status struct {
	Channel       string `json:"channel,omitempty"`
	ChatroomID    int64  `json:"chatroom_id,omitempty"`
	ChatState     string `json:"chat_state"`
	Authenticated bool   `json:"authenticated"`
	DroppedEvents int64  `json:"dropped_events"`
}

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type Options struct {
	Addr           string
	Build          BuildInfo
	Metrics        *metrics.Metrics
	Status         func() Status
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
}

// Server exposes health, build info, metrics and a server-sent event stream of
// consumer events.
type Server struct {
	httpServer *http.Server
	opts       Options
	mux        *http.ServeMux
	limiter    *ipRateLimiter
	cors       *corsPolicy
	started    time.Time

	mu      sync.Mutex
	clients map[chan events.Event]struct{}
	closed  bool
}

func New(opts Options) *Server {
	srv := &Server{
		opts:    opts,
		mux:     http.NewServeMux(),
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		started: time.Now(),
		clients: make(map[chan events.Event]struct{}),
	}

	srv.mux.HandleFunc("/healthz", srv.handleHealthz)
	srv.mux.HandleFunc("/info", srv.handleInfo)
	srv.mux.HandleFunc("/status", srv.handleStatus)
	srv.mux.Handle("/metrics", opts.Metrics.Handler())
	srv.mux.HandleFunc("/stream", srv.handleStream)

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.wrap(srv.mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Mux lets other packages register routes, such as the admin endpoints.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type infoResponse struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	BuiltAt       string `json:"built_at,omitempty"`
	GoVersion     string `json:"go_version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:       s.opts.Build.Version,
		Commit:        s.opts.Build.Revision,
		GoVersion:     runtime.Version(),
		UptimeSeconds: int64(time.Since(s.started) / time.Second),
	}
	if built := s.opts.Build.BuiltAt; !built.IsZero() {
		resp.BuiltAt = built.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var st Status
	if s.opts.Status != nil {
		st = s.opts.Status()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := baseWriter(w).(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan events.Event, sseClientBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clients[clientCh] = struct{}{}
	s.mu.Unlock()
	s.opts.Metrics.IncSSEClients(1)

	defer func() {
		s.mu.Lock()
		delete(s.clients, clientCh)
		s.mu.Unlock()
		s.opts.Metrics.IncSSEClients(-1)
	}()

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case ev, ok := <-clientCh:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

// Broadcast fans ev out to every SSE client. Slow clients miss events.
func (s *Server) Broadcast(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.clients {
		select {
		case ch <- ev:
		default:
			s.opts.Metrics.IncBroadcastDrops()
		}
	}
}

func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
	}
	s.clients = make(map[chan events.Event]struct{})
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
