// health_handler.go - HTTP handlers for /nodehealth, /health/liveness, /health/readiness
package server

import "net/http"

// NodeLiveness reports whether the relay loop has been wired up.
func (s *Server) NodeLiveness() bool {
	return s.Relay != nil && s.Network != nil
}

// NodeReadiness is true once the node has peers and its database answers.
func (s *Server) NodeReadiness() (bool, string) {
	if !s.NodeLiveness() {
		return false, "not started"
	}
	if s.Network.Peers().Len() == 0 {
		return false, "no peers"
	}
	if s.Store != nil {
		if _, err := s.Store.NodeID(); err != nil {
			return false, "database: " + err.Error()
		}
	}
	return true, ""
}

func (s *Server) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	alive := s.NodeLiveness()
	status := http.StatusOK
	if !alive {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, LivenessResponse{Alive: alive})
}

func (s *Server) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ready, reason := s.NodeReadiness()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ReadinessResponse{Ready: ready, Reason: reason})
}

func (s *Server) HandleNodeHealth(w http.ResponseWriter, r *http.Request) {
	metrics := s.GetNodeMetrics()
	writeJSON(w, http.StatusOK, NodeHealthResponse{
		Status:  s.healthStatus(metrics),
		Metrics: metrics,
	})
}
