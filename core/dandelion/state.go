package dandelion

import (
	"errors"
	"sync"
	"time"

	"stemrelay/core/config"
	"stemrelay/core/mempool"
	"stemrelay/types/ids"
)

// ErrUnknownTx is returned for hashes without a relay record.
var ErrUnknownTx = errors.New("dandelion: unknown transaction")

// StateStats is a point-in-time summary of the relay state.
type StateStats struct {
	Records    int                   `json:"records"`
	Stemming   int                   `json:"stemming"`
	Fluffed    int                   `json:"fluffed"`
	Admitted   uint64                `json:"admitted_total"`
	Promotions map[PromoteReason]int `json:"promotions_total"`
	Collected  uint64                `json:"collected_total"`
}

// RelayState owns one RelayRecord per transaction hash.
type RelayState struct {
	mu      sync.RWMutex
	records map[ids.ID]*RelayRecord

	routes *RoutingTable
	cfg    config.DandelionConfig
	clock  Clock
	rng    *lockedRand

	hookMu    sync.RWMutex
	onPromote func(*RelayRecord)

	statsMu    sync.Mutex
	admitted   uint64
	collected  uint64
	promotions map[PromoteReason]int
}

func NewRelayState(routes *RoutingTable, cfg config.DandelionConfig, clock Clock, seed int64) *RelayState {
	if clock == nil {
		clock = SystemClock
	}
	return &RelayState{
		records:    make(map[ids.ID]*RelayRecord),
		routes:     routes,
		cfg:        cfg,
		clock:      clock,
		rng:        newLockedRand(seed),
		promotions: make(map[PromoteReason]int),
	}
}

// OnPromote sets the hook fired once by the winner of each promotion.
func (s *RelayState) OnPromote(fn func(*RelayRecord)) {
	s.hookMu.Lock()
	s.onPromote = fn
	s.hookMu.Unlock()
}

// Admit returns the record for tx, creating it in stem phase when new.
// created reports whether this call created it. A new record whose source
// has no stem route is still created and returned together with ErrNoRoute;
// the caller is expected to promote it.
func (s *RelayState) Admit(tx mempool.Transaction, source ids.PeerID) (rec *RelayRecord, created bool, err error) {
	if rec, ok := s.Lookup(tx.Hash); ok {
		return rec, false, nil
	}

	// Only the creating call may assign a route for source.
	// Lock order: s.mu, then the routing table.
	s.mu.Lock()
	if existing, ok := s.records[tx.Hash]; ok {
		s.mu.Unlock()
		return existing, false, nil
	}
	succ, routeErr := s.routes.SuccessorFor(source)
	now := s.clock.Now()
	fresh := &RelayRecord{
		Tx:              tx,
		Origin:          source,
		Successor:       succ,
		CreatedAt:       now,
		EmbargoDeadline: now.Add(s.drawEmbargo()),
	}
	s.records[tx.Hash] = fresh
	s.mu.Unlock()

	s.statsMu.Lock()
	s.admitted++
	s.statsMu.Unlock()
	return fresh, true, routeErr
}

// drawEmbargo samples min + Exp(avg), capped at max.
func (s *RelayState) drawEmbargo() time.Duration {
	d := s.cfg.EmbargoMin
	if s.cfg.EmbargoAvgAdd > 0 {
		d += time.Duration(s.rng.ExpFloat64() * float64(s.cfg.EmbargoAvgAdd))
	}
	if s.cfg.EmbargoMax > 0 && d > s.cfg.EmbargoMax {
		d = s.cfg.EmbargoMax
	}
	return d
}

// Promote moves hash from stem to fluff. It returns true only for the call
// that performed the transition; repeated or concurrent calls are no-ops.
func (s *RelayState) Promote(hash ids.ID, reason PromoteReason) bool {
	rec, ok := s.Lookup(hash)
	if !ok {
		return false
	}
	if !rec.promote(s.clock.Now(), reason) {
		return false
	}
	s.statsMu.Lock()
	s.promotions[reason]++
	s.statsMu.Unlock()

	s.hookMu.RLock()
	hook := s.onPromote
	s.hookMu.RUnlock()
	if hook != nil {
		hook(rec)
	}
	return true
}

// IsStemming reports whether hash has a record that is still in stem.
func (s *RelayState) IsStemming(hash ids.ID) bool {
	rec, ok := s.Lookup(hash)
	return ok && rec.Phase() == PhaseStem
}

func (s *RelayState) Lookup(hash ids.ID) (*RelayRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[hash]
	return rec, ok
}

// Expired lists stem records whose embargo deadline is at or before now.
func (s *RelayState) Expired(now time.Time) []*RelayRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RelayRecord
	for _, rec := range s.records {
		if rec.Phase() == PhaseStem && !rec.EmbargoDeadline.After(now) {
			out = append(out, rec)
		}
	}
	return out
}

// Collect drops fluff records promoted more than the retention window ago.
func (s *RelayState) Collect(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for h, rec := range s.records {
		at, _, ok := rec.Promotion()
		if ok && now.Sub(at) > s.cfg.Retention {
			delete(s.records, h)
			dropped++
		}
	}
	if dropped > 0 {
		s.statsMu.Lock()
		s.collected += uint64(dropped)
		s.statsMu.Unlock()
	}
	return dropped
}

func (s *RelayState) Stats() StateStats {
	st := StateStats{Promotions: make(map[PromoteReason]int)}
	s.mu.RLock()
	st.Records = len(s.records)
	for _, rec := range s.records {
		if rec.Phase() == PhaseStem {
			st.Stemming++
		} else {
			st.Fluffed++
		}
	}
	s.mu.RUnlock()

	s.statsMu.Lock()
	st.Admitted = s.admitted
	st.Collected = s.collected
	for k, v := range s.promotions {
		st.Promotions[k] = v
	}
	s.statsMu.Unlock()
	return st
}
