package dandelion

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"stemrelay/core/config"
	"stemrelay/types/ids"
)

// ErrNoRoute means no stem-capable peer other than the source is connected.
var ErrNoRoute = errors.New("dandelion: no stem route")

// PeerRegistry exposes the connected peers eligible as stem successors.
type PeerRegistry interface {
	StemPeers(outboundOnly bool) []ids.PeerID
	IsStemCandidate(id ids.PeerID, outboundOnly bool) bool
}

// routeSnapshot is immutable once published; writers copy it.
type routeSnapshot struct {
	epoch    uint64
	started  time.Time
	diffuser bool
	routes   map[ids.PeerID]ids.PeerID // source -> successor
}

func (s *routeSnapshot) with(source, succ ids.PeerID) *routeSnapshot {
	next := &routeSnapshot{
		epoch:    s.epoch,
		started:  s.started,
		diffuser: s.diffuser,
		routes:   make(map[ids.PeerID]ids.PeerID, len(s.routes)+1),
	}
	for k, v := range s.routes {
		next.routes[k] = v
	}
	if succ != "" {
		next.routes[source] = succ
	}
	return next
}

// EpochInfo describes the current routing epoch.
type EpochInfo struct {
	Number   uint64    `json:"number"`
	Started  time.Time `json:"started"`
	Ends     time.Time `json:"ends"`
	Routes   int       `json:"routes"`
	Diffuser bool      `json:"diffuser"`
}

// RoutingTable maps each source peer to one stem successor per epoch.
// Reads go through an atomic snapshot; rotation, re-roll and invalidation
// are serialized by mu.
type RoutingTable struct {
	mu   sync.Mutex
	snap atomic.Pointer[routeSnapshot]

	registry     PeerRegistry
	clock        Clock
	rng          *lockedRand
	epochLen     time.Duration
	outboundOnly bool
	diffuseProb  float64
}

// NewRoutingTable builds a table over registry. seed 0 picks a time seed.
func NewRoutingTable(registry PeerRegistry, cfg config.DandelionConfig, clock Clock, seed int64) *RoutingTable {
	if clock == nil {
		clock = SystemClock
	}
	rt := &RoutingTable{
		registry:     registry,
		clock:        clock,
		rng:          newLockedRand(seed),
		epochLen:     cfg.Epoch,
		outboundOnly: cfg.OutboundOnly,
		diffuseProb:  cfg.RelayFluffProbability,
	}
	rt.mu.Lock()
	rt.rotateLocked(clock.Now(), 0)
	rt.mu.Unlock()
	return rt
}

// SuccessorFor returns the epoch's successor for source, choosing one
// uniformly among stem-capable peers other than source on first use or when
// the previous choice is gone.
func (rt *RoutingTable) SuccessorFor(source ids.PeerID) (ids.PeerID, error) {
	snap := rt.current()
	if succ, ok := snap.routes[source]; ok && rt.registry.IsStemCandidate(succ, rt.outboundOnly) {
		return succ, nil
	}
	return rt.assign(source)
}

func (rt *RoutingTable) assign(source ids.PeerID) (ids.PeerID, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	snap := rt.snap.Load()
	if succ, ok := snap.routes[source]; ok && rt.registry.IsStemCandidate(succ, rt.outboundOnly) {
		return succ, nil
	}
	var candidates []ids.PeerID
	for _, p := range rt.registry.StemPeers(rt.outboundOnly) {
		if p != source {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		// drop a stale entry so the next call does not trust it
		if _, ok := snap.routes[source]; ok {
			next := snap.with(source, "")
			delete(next.routes, source)
			rt.snap.Store(next)
		}
		return "", ErrNoRoute
	}
	succ := candidates[rt.rng.Intn(len(candidates))]
	rt.snap.Store(snap.with(source, succ))
	return succ, nil
}

// current returns the live snapshot, rotating first when the epoch is over.
func (rt *RoutingTable) current() *routeSnapshot {
	now := rt.clock.Now()
	snap := rt.snap.Load()
	if now.Sub(snap.started) < rt.epochLen {
		return snap
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	snap = rt.snap.Load()
	if now.Sub(snap.started) < rt.epochLen {
		return snap
	}
	return rt.rotateLocked(now, snap.epoch+1)
}

func (rt *RoutingTable) rotateLocked(now time.Time, epoch uint64) *routeSnapshot {
	next := &routeSnapshot{
		epoch:    epoch,
		started:  now,
		diffuser: rt.diffuseProb > 0 && rt.rng.Float64() < rt.diffuseProb,
		routes:   make(map[ids.PeerID]ids.PeerID),
	}
	rt.snap.Store(next)
	return next
}

// Rotate starts a new epoch immediately, discarding all assignments.
func (rt *RoutingTable) Rotate() EpochInfo {
	rt.mu.Lock()
	rt.rotateLocked(rt.clock.Now(), rt.snap.Load().epoch+1)
	rt.mu.Unlock()
	return rt.Epoch()
}

// Refresh rotates if the epoch boundary has passed.
func (rt *RoutingTable) Refresh() {
	rt.current()
}

// PeerDisconnected drops assignments keyed by or pointing at peer; the
// affected sources get a fresh successor on their next lookup.
func (rt *RoutingTable) PeerDisconnected(peer ids.PeerID) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	snap := rt.snap.Load()
	next := snap.with("", "")
	dropped := 0
	for src, succ := range next.routes {
		if src == peer || succ == peer {
			delete(next.routes, src)
			dropped++
		}
	}
	if dropped > 0 {
		rt.snap.Store(next)
	}
	return dropped
}

// IsDiffuser reports whether this node fluffs relayed stems this epoch.
func (rt *RoutingTable) IsDiffuser() bool {
	return rt.current().diffuser
}

// Epoch describes the current epoch without rotating it.
func (rt *RoutingTable) Epoch() EpochInfo {
	snap := rt.current()
	return EpochInfo{
		Number:   snap.epoch,
		Started:  snap.started,
		Ends:     snap.started.Add(rt.epochLen),
		Routes:   len(snap.routes),
		Diffuser: snap.diffuser,
	}
}

// Routes returns a copy of the current assignments.
func (rt *RoutingTable) Routes() map[ids.PeerID]ids.PeerID {
	snap := rt.current()
	out := make(map[ids.PeerID]ids.PeerID, len(snap.routes))
	for k, v := range snap.routes {
		out[k] = v
	}
	return out
}
