package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"stemrelay/core/dandelion"
	"stemrelay/core/mempool"
	"stemrelay/core/networking"
	"stemrelay/core/validation"
)

type peerView struct {
	ID          string    `json:"id"`
	NodeID      string    `json:"node_id"`
	ListenAddr  string    `json:"listen_addr,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	Outbound    bool      `json:"outbound"`
	StemCapable bool      `json:"stem_capable"`
	ConnectedAt time.Time `json:"connected_at"`
}

type PeersResponse struct {
	Peers []peerView           `json:"peers"`
	Bans  []networking.BanInfo `json:"bans"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	resp := PeersResponse{Peers: []peerView{}, Bans: []networking.BanInfo{}}
	if s.Network != nil {
		for _, p := range s.Network.Peers().ListPeers() {
			resp.Peers = append(resp.Peers, peerView{
				ID:          p.ID.String(),
				NodeID:      p.NodeID,
				ListenAddr:  p.ListenAddr,
				UserAgent:   p.UserAgent,
				Outbound:    p.Outbound,
				StemCapable: p.StemCapable,
				ConnectedAt: p.ConnectedAt,
			})
		}
		resp.Bans = append(resp.Bans, s.Network.Bans().List()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

type mempoolEntry struct {
	Hash      string    `json:"hash"`
	Size      int       `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

type MempoolResponse struct {
	Count int            `json:"count"`
	Txs   []mempoolEntry `json:"txs"`
}

// handleMempool lists fluffed transactions only. Stem-phase txs live in relay state.
func (s *Server) handleMempool(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	resp := MempoolResponse{Txs: []mempoolEntry{}}
	if s.Gossip != nil {
		txs := s.Gossip.Mempool.GetAllTxs()
		sort.SliceStable(txs, func(i, j int) bool { return txs[i].Timestamp < txs[j].Timestamp })
		for _, tx := range txs {
			resp.Txs = append(resp.Txs, mempoolEntry{
				Hash:      tx.Hash.String(),
				Size:      len(tx.Payload),
				Timestamp: time.Unix(tx.Timestamp, 0).UTC(),
			})
		}
		resp.Count = len(resp.Txs)
	}
	writeJSON(w, http.StatusOK, resp)
}

type EpochResponse struct {
	dandelion.EpochInfo
	Assignments map[string]string `json:"assignments"`
}

func (s *Server) epochResponse(info dandelion.EpochInfo) EpochResponse {
	resp := EpochResponse{EpochInfo: info, Assignments: map[string]string{}}
	for src, succ := range s.Relay.Routes().Routes() {
		resp.Assignments[src.String()] = succ.String()
	}
	return resp
}

func (s *Server) handleEpoch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.epochResponse(s.Relay.Routes().Epoch()))
}

func (s *Server) handleRelayStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.Relay.Stats())
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	info := s.Relay.Routes().Rotate()
	s.log.Info().Uint64("epoch", info.Number).Msg("epoch rotated by operator")
	writeJSON(w, http.StatusOK, s.epochResponse(info))
}

type FluffResponse struct {
	Hash     string `json:"hash"`
	Promoted bool   `json:"promoted"`
}

func (s *Server) handleFluff(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	h, ok := hashParam(w, r)
	if !ok {
		return
	}
	promoted, err := s.Relay.Fluff(h)
	if errors.Is(err, dandelion.ErrUnknownTx) {
		http.Error(w, "tx not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, FluffResponse{Hash: h.String(), Promoted: promoted})
}

type SubmitTxRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type SubmitTxResponse struct {
	Hash  string          `json:"hash"`
	Phase dandelion.Phase `json:"phase"`
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, validation.MaxTxSize+1024))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var req SubmitTxRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Payload) == 0 {
		http.Error(w, "body must be {\"payload\": {...}}", http.StatusBadRequest)
		return
	}
	tx := mempool.NewTransaction(req.Payload)
	phase, err := s.Relay.SubmitLocal(tx)
	switch {
	case errors.Is(err, validation.ErrMalformedTx):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, dandelion.ErrAlreadyKnown):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitTxResponse{Hash: tx.Hash.String(), Phase: phase})
}

type ConnectPeerRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleConnectPeer(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req ConnectPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		http.Error(w, "body must be {\"address\": \"host:port\"}", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	id, err := s.Network.Connect(ctx, req.Address)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, networking.ErrBanned) || errors.Is(err, networking.ErrSelfConnect) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"peer": id.String()})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.Events == nil {
		http.Error(w, "audit log not enabled", http.StatusNotFound)
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 50
	}
	writeJSON(w, http.StatusOK, s.Events.Recent(n))
}
