// Dev-only: exposes the full relay record for a tx, including stem-phase state
// that must never be reachable from the p2p side.
package server

import (
	"encoding/json"
	"net/http"

	"stemrelay/core/dandelion"
)

// RegisterDevRelayInspectAPI registers the operator-only relay record endpoint.
func RegisterDevRelayInspectAPI(mux *http.ServeMux, s *Server) {
	mux.HandleFunc("/dev/relay_record", s.Auth.RequireOperator("inspect", s.handleDevRelayRecord))
}

type RelayRecordResponse struct {
	dandelion.RecordView
	Payload json.RawMessage `json:"payload,omitempty"`
	Raw     string          `json:"raw,omitempty"`
}

func (s *Server) handleDevRelayRecord(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	h, ok := hashParam(w, r)
	if !ok {
		return
	}
	rec, ok := s.Relay.State().Lookup(h)
	if !ok {
		http.Error(w, "tx not found", http.StatusNotFound)
		return
	}
	resp := RelayRecordResponse{RecordView: rec.View()}
	if json.Valid(rec.Tx.Payload) {
		resp.Payload = rec.Tx.Payload
	} else {
		resp.Raw = string(rec.Tx.Payload)
	}
	writeJSON(w, http.StatusOK, resp)
}
