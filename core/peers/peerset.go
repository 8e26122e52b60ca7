package peers

import (
	"sort"
	"sync"
	"time"

	"stemrelay/types/ids"
)

// Peer is a connected peer as seen by the relay layer.
type Peer struct {
	ID          ids.PeerID // canonical host:port of the connection
	NodeID      string     // self-reported node id from the hello
	ListenAddr  string     // address the peer accepts connections on
	UserAgent   string
	Outbound    bool // we dialed it
	StemCapable bool // hello advertised the dandelion service bit
	ConnectedAt time.Time
}

// PeerSet is the registry of currently connected peers.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[ids.PeerID]Peer
}

// NewPeerSet creates a new empty PeerSet
func NewPeerSet() *PeerSet {
	return &PeerSet{
		peers: make(map[ids.PeerID]Peer),
	}
}

// AddPeer adds or updates a peer
func (ps *PeerSet) AddPeer(peer Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.peers[peer.ID] = peer
}

// RemovePeer removes a peer by ID and reports whether it was present.
func (ps *PeerSet) RemovePeer(id ids.PeerID) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, ok := ps.peers[id]
	delete(ps.peers, id)
	return ok
}

// GetPeer returns a peer by ID (and bool for existence)
func (ps *PeerSet) GetPeer(id ids.PeerID) (Peer, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	peer, ok := ps.peers[id]
	return peer, ok
}

// ListPeers returns all peers sorted by ID.
func (ps *PeerSet) ListPeers() []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]Peer, 0, len(ps.peers))
	for _, peer := range ps.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the IDs of all connected peers, sorted.
func (ps *PeerSet) IDs() []ids.PeerID {
	list := ps.ListPeers()
	out := make([]ids.PeerID, len(list))
	for i, p := range list {
		out[i] = p.ID
	}
	return out
}

// StemPeers returns connected stem-capable peers, sorted, optionally only
// the ones we dialed.
func (ps *PeerSet) StemPeers(outboundOnly bool) []ids.PeerID {
	var out []ids.PeerID
	for _, p := range ps.ListPeers() {
		if !p.StemCapable || (outboundOnly && !p.Outbound) {
			continue
		}
		out = append(out, p.ID)
	}
	return out
}

// IsStemCandidate reports whether id is connected and stem capable.
func (ps *PeerSet) IsStemCandidate(id ids.PeerID, outboundOnly bool) bool {
	p, ok := ps.GetPeer(id)
	return ok && p.StemCapable && (!outboundOnly || p.Outbound)
}

func (ps *PeerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}
