// Package statusserver exposes a read-only HTTP introspection surface over a
// channel.Registry: JSON listings of registry membership and per-channel
// detail, plus a liveness endpoint. It never mutates channel state — the
// routes only ever call Registry.Snapshot()/Lookup() and Channel's read
// accessors.
//
// Adapted from pkg/httpmetrics/server.go's HTTP-server lifecycle (listener,
// graceful Shutdown, background Serve goroutine), upgraded to
// github.com/gorilla/mux for the path-parameter route ("/channels/{id}")
// the bare net/http.ServeMux of the original version cannot express without
// manual string splitting.
package statusserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/go-orlink/orlink/pkg/channel"
	"github.com/go-orlink/orlink/pkg/logger"
	"github.com/go-orlink/orlink/pkg/metrics"
)

// Server serves the channel registry's contents over HTTP.
type Server struct {
	address  string
	registry *channel.Registry
	metrics  *metrics.Metrics
	logger   *logger.Logger
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a status server over reg. m may be nil, in which case
// /metrics reports zero values.
func New(address string, reg *channel.Registry, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		address:  address,
		registry: reg,
		metrics:  m,
		logger:   log.Component("statusserver"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/channels", s.handleChannels).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id}", s.handleChannel).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	s.server = &http.Server{
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("statusserver: listen on %s: %w", s.address, err)
	}
	s.listener = listener
	s.logger.Info("status server listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("statusserver: shutdown: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Address returns the actual listening address, valid after Start.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

// channelDetail is the JSON view of one channel's introspectable state.
type channelDetail struct {
	ID                uint64 `json:"id"`
	State             string `json:"state"`
	InitiatedRemotely bool   `json:"initiated_remotely"`
	IsCanonical       bool   `json:"is_canonical"`
	Nickname          string `json:"nickname,omitempty"`
	IdentityDigest    string `json:"identity_digest,omitempty"`
	DirreqID          string `json:"dirreq_id,omitempty"`
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}
	ch, ok := s.registry.Lookup(id)
	if !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	digest := ch.IdentityDigest()
	detail := channelDetail{
		ID:                ch.ID(),
		State:             ch.State().String(),
		InitiatedRemotely: ch.InitiatedRemotely(),
		IsCanonical:       ch.IsCanonical(),
		Nickname:          ch.Nickname(),
		DirreqID:          ch.DirreqID(),
	}
	if digest != ([20]byte{}) {
		detail.IdentityDigest = fmt.Sprintf("%x", digest)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
