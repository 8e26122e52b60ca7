package mempool

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stemrelay/core/logx"
	"stemrelay/types/ids"
)

// Broadcaster is the network half of flood relay.
type Broadcaster interface {
	PeerIDs() []ids.PeerID
	SendInventory(peer ids.PeerID, hashes []ids.ID) error
}

// GossipEngine is the general flood relay ("fluff"): every transaction handed
// to it is stored in the mempool and announced by inv to all peers, once.
type GossipEngine struct {
	mu      sync.Mutex
	seen    map[ids.ID]time.Time // dedup: hash -> first broadcast
	net     Broadcaster
	Mempool *Mempool
	log     zerolog.Logger
}

// NewGossipEngine creates a new gossip engine
func NewGossipEngine(net Broadcaster, mempool *Mempool) *GossipEngine {
	return &GossipEngine{
		seen:    make(map[ids.ID]time.Time),
		net:     net,
		Mempool: mempool,
		log:     logx.New("gossip"),
	}
}

// SetBroadcaster swaps the network side; the node wires it after the
// network has been built.
func (ge *GossipEngine) SetBroadcaster(b Broadcaster) {
	ge.mu.Lock()
	ge.net = b
	ge.mu.Unlock()
}

// Seen reports whether hash already went through flood relay.
func (ge *GossipEngine) Seen(hash ids.ID) bool {
	ge.mu.Lock()
	defer ge.mu.Unlock()
	_, ok := ge.seen[hash]
	return ok
}

// BroadcastTx adds tx to the mempool and announces it to every peer except
// exclude. It returns false when tx was already broadcast.
func (ge *GossipEngine) BroadcastTx(tx Transaction, exclude ids.PeerID) bool {
	ge.mu.Lock()
	if _, seen := ge.seen[tx.Hash]; seen {
		ge.mu.Unlock()
		return false
	}
	ge.seen[tx.Hash] = time.Now()
	net := ge.net
	ge.mu.Unlock()

	ge.Mempool.AddTx(tx)
	if net == nil {
		return true
	}
	peers := net.PeerIDs()
	sent := 0
	for _, p := range peers {
		if p == exclude {
			continue
		}
		if err := net.SendInventory(p, []ids.ID{tx.Hash}); err != nil {
			ge.log.Debug().Err(err).Str("peer", p.String()).Str("tx", tx.Hash.Short()).Msg("inv send failed")
			continue
		}
		sent++
	}
	ge.log.Info().Str("tx", tx.Hash.Short()).Int("peers", sent).Msg("fluff broadcast")
	return true
}

// Forget prunes dedup entries older than maxAge, keeping the set bounded.
func (ge *GossipEngine) Forget(maxAge time.Duration, now time.Time) {
	ge.mu.Lock()
	defer ge.mu.Unlock()
	for h, at := range ge.seen {
		if now.Sub(at) > maxAge {
			delete(ge.seen, h)
		}
	}
}
