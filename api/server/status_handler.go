// status_handler.go - HTTP handler for /status
package server

import "net/http"

// HandleStatus responds to /status with node status
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	metrics := s.GetNodeMetrics()
	resp := StatusResponse{
		Status:     s.healthStatus(metrics),
		NodeID:     s.NodeID,
		Uptime:     metrics.UptimeSeconds,
		PeerCount:  metrics.PeerCount,
		Version:    NodeVersion(),
		APIVersion: APIVersion(),
		Metrics:    metrics,
	}
	if s.Network != nil {
		resp.Listen = s.Network.Addr()
	}
	if s.Relay != nil {
		resp.Dandelion = s.Relay.Enabled()
	}
	writeJSON(w, http.StatusOK, resp)
}
