// metrics.go - resource and relay metrics for the node
package server

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
)

// NodeMetrics holds granular health metrics for the node.
type NodeMetrics struct {
	UptimeSeconds  int64   `json:"uptime_seconds"`
	PeerCount      int     `json:"peer_count"`
	StemPeers      int     `json:"stem_peers"`
	BannedPeers    int     `json:"banned_peers"`
	MempoolSize    int     `json:"mempool_size"`
	Epoch          uint64  `json:"epoch"`
	CPULoadPercent float64 `json:"cpu_load_percent"`
	MemoryMB       float64 `json:"memory_mb"`
	DiskFreeMB     float64 `json:"disk_free_mb"`
}

// GetNodeMetrics returns current health metrics for the node.
func (s *Server) GetNodeMetrics() NodeMetrics {
	m := NodeMetrics{UptimeSeconds: int64(time.Since(s.started).Seconds())}

	if s.Network != nil {
		m.PeerCount = s.Network.Peers().Len()
		m.BannedPeers = len(s.Network.Bans().List())
	}
	if s.Relay != nil {
		m.Epoch = s.Relay.Routes().Epoch().Number
		if s.Network != nil {
			m.StemPeers = len(s.Network.Peers().StemPeers(s.Relay.Config().OutboundOnly))
		}
	}
	if s.Gossip != nil {
		m.MempoolSize = s.Gossip.Mempool.Len()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.MemoryMB = float64(ms.Alloc) / (1024 * 1024)

	path := s.DBPath
	if path == "" {
		path = "/"
	}
	if usage, err := disk.Usage(path); err == nil {
		m.DiskFreeMB = float64(usage.Free) / (1024 * 1024)
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPULoadPercent = pct[0]
	}
	return m
}

// healthStatus derives a one-word status from metrics.
func (s *Server) healthStatus(m NodeMetrics) string {
	switch {
	case s.Relay == nil || s.Network == nil:
		return "initializing"
	case m.PeerCount == 0:
		return "isolated"
	case s.Relay.Enabled() && m.StemPeers == 0:
		// txs still propagate, just without a stem phase
		return "degraded"
	default:
		return "healthy"
	}
}
