package api

import (
	"encoding/json"
	"time"
)

type Metrics struct {
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

type EpochInfo struct {
	Number   uint64    `json:"number"`
	Started  time.Time `json:"started"`
	Ends     time.Time `json:"ends"`
	Routes   int       `json:"routes"`
	Diffuser bool      `json:"diffuser"`
}

type RelayStats struct {
	Enabled bool      `json:"enabled"`
	Epoch   EpochInfo `json:"epoch"`
	State   struct {
		Records    int            `json:"records"`
		Stemming   int            `json:"stemming"`
		Fluffed    int            `json:"fluffed"`
		Admitted   uint64         `json:"admitted_total"`
		Promotions map[string]int `json:"promotions_total"`
		Collected  uint64         `json:"collected_total"`
	} `json:"state"`
	InFlight int `json:"getdata_in_flight"`
}

type Status struct {
	Status     string  `json:"status"`
	NodeID     string  `json:"node_id"`
	Listen     string  `json:"listen"`
	Uptime     int64   `json:"uptime_seconds"`
	PeerCount  int     `json:"peer_count"`
	Version    string  `json:"version"`
	APIVersion string  `json:"api_version"`
	Dandelion  bool    `json:"dandelion"`
	Metrics    Metrics `json:"metrics"`
}

type Health struct {
	Status  string  `json:"status"`
	Metrics Metrics `json:"metrics"`
}

type Peer struct {
	ID          string    `json:"id"`
	NodeID      string    `json:"node_id"`
	ListenAddr  string    `json:"listen_addr"`
	UserAgent   string    `json:"user_agent"`
	Outbound    bool      `json:"outbound"`
	StemCapable bool      `json:"stem_capable"`
	ConnectedAt time.Time `json:"connected_at"`
}

type Ban struct {
	Address    string    `json:"address"`
	Until      time.Time `json:"until"`
	Violations int       `json:"violations"`
}

type Peers struct {
	Peers []Peer `json:"peers"`
	Bans  []Ban  `json:"bans"`
}

type MempoolTx struct {
	Hash      string    `json:"hash"`
	Size      int       `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

type Mempool struct {
	Count int         `json:"count"`
	Txs   []MempoolTx `json:"txs"`
}

type Epoch struct {
	EpochInfo
	Assignments map[string]string `json:"assignments"`
}

type SubmitResult struct {
	Hash  string `json:"hash"`
	Phase string `json:"phase"`
}

type FluffResult struct {
	Hash     string `json:"hash"`
	Promoted bool   `json:"promoted"`
}

type RelayRecord struct {
	Hash            string          `json:"hash"`
	Phase           string          `json:"phase"`
	Origin          string          `json:"origin"`
	Successor       string          `json:"successor"`
	StemmedTo       string          `json:"stemmed_to"`
	CreatedAt       time.Time       `json:"created_at"`
	EmbargoDeadline time.Time       `json:"embargo_deadline"`
	PromotedAt      *time.Time      `json:"promoted_at"`
	Reason          string          `json:"reason"`
	Payload         json.RawMessage `json:"payload"`
	Raw             string          `json:"raw"`
}

type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	EntityID  string            `json:"entity_id"`
	Peer      string            `json:"peer"`
	Result    string            `json:"result"`
	Reason    string            `json:"reason"`
	Metadata  map[string]string `json:"metadata"`
}
