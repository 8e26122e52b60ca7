// status_response.go - JSON response structs for status/health endpoints
package server

// StatusResponse represents the JSON structure for /status endpoint
type StatusResponse struct {
	Status     string      `json:"status"`
	NodeID     string      `json:"node_id"`
	Listen     string      `json:"listen"`
	Uptime     int64       `json:"uptime_seconds"`
	PeerCount  int         `json:"peer_count"`
	Version    string      `json:"version"`
	APIVersion string      `json:"api_version"`
	Dandelion  bool        `json:"dandelion"`
	Metrics    NodeMetrics `json:"metrics"`
}

// NodeHealthResponse is the response type for the /nodehealth endpoint
type NodeHealthResponse struct {
	Status  string      `json:"status"`
	Metrics NodeMetrics `json:"metrics"`
}

type LivenessResponse struct {
	Alive bool `json:"alive"`
}

type ReadinessResponse struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}
