package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"stemrelay/core/audit"
	"stemrelay/core/auth"
	"stemrelay/core/config"
	"stemrelay/core/dandelion"
	"stemrelay/core/logx"
	"stemrelay/core/mempool"
	"stemrelay/core/networking"
	"stemrelay/core/storage"
	"stemrelay/types/ids"
)

// Deps are the node components the API reads from.
type Deps struct {
	Relay   *dandelion.Relay
	Network *networking.Network
	Gossip  *mempool.GossipEngine
	Store   *storage.Storage
	Auth    *auth.Authorizer
	Events  *audit.MemoryAuditLogger
	NodeID  string
	DBPath  string
}

type Server struct {
	Deps
	ListenAddr string
	tls        config.APIConfig
	started    time.Time
	http       *http.Server
	log        zerolog.Logger
}

func NewServer(listenAddr string, apiCfg config.APIConfig, d Deps) *Server {
	return &Server{
		Deps:       d,
		ListenAddr: listenAddr,
		tls:        apiCfg,
		started:    time.Now(),
		log:        logx.New("api"),
	}
}

// Handler builds the route table. Operator routes require a bearer token.
// Anything that reveals stem-phase holdings or route assignments is an
// operator route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.HandleStatus)
	mux.HandleFunc("/nodehealth", s.HandleNodeHealth)
	mux.HandleFunc("/health/liveness", s.HandleLiveness)
	mux.HandleFunc("/health/readiness", s.HandleReadiness)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/mempool", s.handleMempool)

	op := s.Auth.RequireOperator
	mux.HandleFunc("/relay/epoch", op("epoch", s.handleEpoch))
	mux.HandleFunc("/relay/stats", op("relay_stats", s.handleRelayStats))
	mux.HandleFunc("/relay/rotate", op("rotate_epoch", s.handleRotate))
	mux.HandleFunc("/relay/fluff", op("fluff", s.handleFluff))
	mux.HandleFunc("/submit_tx", op("submit_tx", s.handleSubmitTx))
	mux.HandleFunc("/connect_peer", op("connect_peer", s.handleConnectPeer))
	mux.HandleFunc("/audit", op("audit", s.handleAudit))
	RegisterDevRelayInspectAPI(mux, s)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).Dur("took", time.Since(start)).Msg("request")
	})
}

// Start serves until Shutdown. TLS is used when a cert and key are configured.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	var err error
	if s.tls.TLSCertPath != "" {
		s.log.Info().Str("addr", s.ListenAddr).Str("cert", s.tls.TLSCertPath).Msg("API listening (https)")
		err = s.http.ListenAndServeTLS(s.tls.TLSCertPath, s.tls.TLSKeyPath)
	} else {
		s.log.Info().Str("addr", s.ListenAddr).Msg("API listening (http)")
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "invalid method", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func hashParam(w http.ResponseWriter, r *http.Request) (ids.ID, bool) {
	raw := r.URL.Query().Get("hash")
	if raw == "" {
		http.Error(w, "missing hash parameter", http.StatusBadRequest)
		return ids.Empty, false
	}
	h, err := ids.FromString(raw)
	if err != nil {
		http.Error(w, "invalid hash: "+err.Error(), http.StatusBadRequest)
		return ids.Empty, false
	}
	return h, true
}
