package dandelion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stemrelay/core/audit"
	"stemrelay/core/config"
	"stemrelay/core/logx"
	"stemrelay/core/mempool"
	"stemrelay/types/ids"
)

// ErrAlreadyKnown is returned when a locally submitted tx was already seen.
var ErrAlreadyKnown = errors.New("dandelion: transaction already known")

// getDataTimeout bounds how long an unanswered getdata blocks re-requests.
const getDataTimeout = 20 * time.Second

// Messenger is the network send side used by the relay.
type Messenger interface {
	Sender
	SendTx(peer ids.PeerID, tx mempool.Transaction) error
	SendNotFound(peer ids.PeerID, hashes []ids.ID) error
	SendGetData(peer ids.PeerID, hashes []ids.ID) error
}

// TxChecker validates a transaction before it is relayed.
type TxChecker interface {
	Validate(tx mempool.Transaction) error
}

// Options wires a Relay to its collaborators. Messenger may be set later
// through SetMessenger.
type Options struct {
	Config    config.DandelionConfig
	Registry  PeerRegistry
	Messenger Messenger
	Flood     FloodRelay
	Pool      TxSource
	Validator TxChecker
	Audit     audit.AuditLogger
	Clock     Clock
	Seed      int64
}

type inflight struct {
	peer ids.PeerID
	at   time.Time
}

// Relay is the entry point for locally created transactions and for every
// relay message received from peers.
type Relay struct {
	cfg       config.DandelionConfig
	routes    *RoutingTable
	state     *RelayState
	embargo   *EmbargoTimer
	probe     *ProbeDefense
	announcer *Announcer
	flood     FloodRelay
	pool      TxSource
	validator TxChecker
	audit     audit.AuditLogger
	clock     Clock
	rng       *lockedRand
	log       zerolog.Logger

	msgMu     sync.RWMutex
	messenger Messenger

	reqMu     sync.Mutex
	requested map[ids.ID]inflight
}

// relaySender defers to whatever messenger the relay holds at send time.
type relaySender struct{ r *Relay }

func (s relaySender) SendStem(peer ids.PeerID, tx mempool.Transaction) error {
	m := s.r.getMessenger()
	if m == nil {
		return fmt.Errorf("no messenger for %s", peer)
	}
	return m.SendStem(peer, tx)
}

func NewRelay(opts Options) *Relay {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}
	auditor := opts.Audit
	if auditor == nil {
		auditor = audit.Fanout{}
	}
	log := logx.New("dandelion")
	routes := NewRoutingTable(opts.Registry, opts.Config, clock, opts.Seed)
	// distinct streams for routing, embargo draws and local coin flips
	state := NewRelayState(routes, opts.Config, clock, opts.Seed*7+1)
	r := &Relay{
		cfg:       opts.Config,
		routes:    routes,
		state:     state,
		embargo:   NewEmbargoTimer(state, routes, opts.Config.Tick, clock, log),
		probe:     NewProbeDefense(state, opts.Pool),
		flood:     opts.Flood,
		pool:      opts.Pool,
		validator: opts.Validator,
		audit:     auditor,
		clock:     clock,
		rng:       newLockedRand(opts.Seed*13 + 3),
		log:       log,
		messenger: opts.Messenger,
		requested: make(map[ids.ID]inflight),
	}
	r.announcer = NewAnnouncer(relaySender{r}, opts.Flood, log)
	state.OnPromote(r.promoted)
	return r
}

func (r *Relay) SetMessenger(m Messenger) {
	r.msgMu.Lock()
	r.messenger = m
	r.msgMu.Unlock()
}

func (r *Relay) getMessenger() Messenger {
	r.msgMu.RLock()
	defer r.msgMu.RUnlock()
	return r.messenger
}

// Enabled reports whether this node stems at all.
func (r *Relay) Enabled() bool { return r.cfg.Enabled }

func (r *Relay) Config() config.DandelionConfig { return r.cfg }

func (r *Relay) State() *RelayState     { return r.state }
func (r *Relay) Routes() *RoutingTable  { return r.routes }
func (r *Relay) Probe() *ProbeDefense   { return r.probe }
func (r *Relay) Embargo() *EmbargoTimer { return r.embargo }

// promoted runs once per record, from whichever trigger won the promotion.
func (r *Relay) promoted(rec *RelayRecord) {
	_, reason, _ := rec.Promotion()
	ev := audit.NewEvent(audit.EventPromoted, rec.Hash().String())
	ev.Peer = rec.Origin.String()
	ev.Reason = string(reason)
	r.audit.LogEvent(ev)
	r.log.Info().Str("tx", rec.Hash().Short()).Str("reason", string(reason)).Msg("promoted to fluff")
	if err := r.announcer.Announce(rec); err != nil {
		r.log.Warn().Err(err).Str("tx", rec.Hash().Short()).Msg("fluff hand-off failed")
	}
}

func (r *Relay) known(hash ids.ID) bool {
	if _, ok := r.state.Lookup(hash); ok {
		return true
	}
	if r.flood != nil && r.flood.Seen(hash) {
		return true
	}
	if r.pool != nil {
		if _, ok := r.pool.GetTx(hash); ok {
			return true
		}
	}
	return false
}

func (r *Relay) validate(from ids.PeerID, tx mempool.Transaction) error {
	if r.validator == nil {
		return nil
	}
	if err := r.validator.Validate(tx); err != nil {
		ev := audit.NewEvent(audit.EventMalformed, tx.Hash.String())
		ev.Peer = from.String()
		ev.Result = "dropped"
		ev.Reason = err.Error()
		r.audit.LogEvent(ev)
		return err
	}
	return nil
}

// SubmitLocal originates tx from this node. It returns the phase the
// transaction entered.
func (r *Relay) SubmitLocal(tx mempool.Transaction) (Phase, error) {
	if err := r.validate(ids.Self, tx); err != nil {
		return PhaseFluff, err
	}
	if r.known(tx.Hash) {
		return PhaseFluff, ErrAlreadyKnown
	}
	if !r.cfg.Enabled || r.rng.Float64() >= r.cfg.StemProbability {
		r.flood.BroadcastTx(tx, "")
		return PhaseFluff, nil
	}
	return r.stem(ids.Self, tx, false), nil
}

// stem admits tx from source and sends it along the stem. It falls back to
// fluff whenever the stem cannot be continued.
func (r *Relay) stem(source ids.PeerID, tx mempool.Transaction, relayed bool) Phase {
	rec, created, err := r.state.Admit(tx, source)
	if !created {
		return rec.Phase()
	}
	if errors.Is(err, ErrNoRoute) {
		r.state.Promote(tx.Hash, ReasonNoRoute)
		return PhaseFluff
	}
	if relayed && r.routes.IsDiffuser() {
		r.state.Promote(tx.Hash, ReasonDiffuser)
		return PhaseFluff
	}
	if err := r.announcer.Announce(rec); err != nil {
		r.log.Warn().Err(err).Msg("stem send failed")
		r.state.Promote(tx.Hash, ReasonSendFailed)
		return PhaseFluff
	}
	ev := audit.NewEvent(audit.EventStemRelayed, tx.Hash.String())
	ev.Peer = rec.Successor.String()
	ev.Metadata = map[string]string{"origin": source.String()}
	r.audit.LogEvent(ev)
	return PhaseStem
}

// received stamps tx with the local receive time. A sender's timestamp is
// never trusted or forwarded.
func (r *Relay) received(tx mempool.Transaction) mempool.Transaction {
	tx.Timestamp = r.clock.Now().Unix()
	return tx
}

// HandleStem processes a dandeliontx message from a peer.
func (r *Relay) HandleStem(from ids.PeerID, tx mempool.Transaction) error {
	tx = r.received(tx)
	if !r.cfg.Enabled {
		return r.HandleTx(from, tx)
	}
	if err := r.validate(from, tx); err != nil {
		return fmt.Errorf("stem from %s: %w", from, err)
	}
	if r.known(tx.Hash) {
		// seen before: a loop or a late duplicate, either way no second stem
		r.log.Debug().Str("tx", tx.Hash.Short()).Str("from", from.String()).Msg("duplicate stem dropped")
		return nil
	}
	r.stem(from, tx, true)
	return nil
}

// HandleTx processes a full transaction received in the fluff phase, either
// unsolicited or as a getdata answer.
func (r *Relay) HandleTx(from ids.PeerID, tx mempool.Transaction) error {
	tx = r.received(tx)
	r.clearRequest(tx.Hash)
	if err := r.validate(from, tx); err != nil {
		return fmt.Errorf("tx from %s: %w", from, err)
	}
	if _, ok := r.state.Lookup(tx.Hash); ok {
		r.state.Promote(tx.Hash, ReasonObservedFluff)
		return nil
	}
	r.flood.BroadcastTx(tx, from)
	return nil
}

// HandleInv processes an inventory announcement. Any announced hash we hold
// in stem has been fluffed by someone else and is promoted.
func (r *Relay) HandleInv(from ids.PeerID, hashes []ids.ID) error {
	var unknown []ids.ID
	for _, h := range hashes {
		if _, ok := r.state.Lookup(h); ok {
			r.state.Promote(h, ReasonObservedFluff)
			continue
		}
		if !r.known(h) {
			unknown = append(unknown, h)
		}
	}
	if len(unknown) == 0 {
		return nil
	}

	now := r.clock.Now()
	var want []ids.ID
	r.reqMu.Lock()
	for _, h := range unknown {
		if req, ok := r.requested[h]; ok && now.Sub(req.at) < getDataTimeout {
			continue
		}
		r.requested[h] = inflight{peer: from, at: now}
		want = append(want, h)
	}
	r.reqMu.Unlock()
	if len(want) == 0 {
		return nil
	}
	m := r.getMessenger()
	if m == nil {
		return fmt.Errorf("getdata to %s: no messenger", from)
	}
	return m.SendGetData(from, want)
}

// HandleGetData answers a getdata request through probe defense.
func (r *Relay) HandleGetData(from ids.PeerID, hashes []ids.ID) error {
	found, notFound := r.probe.OnGetData(from, hashes)
	m := r.getMessenger()
	if m == nil {
		return fmt.Errorf("getdata from %s: no messenger", from)
	}
	var errs []error
	for _, tx := range found {
		if err := m.SendTx(from, tx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(notFound) > 0 {
		if err := m.SendNotFound(from, notFound); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleNotFound releases outstanding requests so another peer's inv can
// trigger a fresh getdata.
func (r *Relay) HandleNotFound(from ids.PeerID, hashes []ids.ID) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()
	for _, h := range hashes {
		if req, ok := r.requested[h]; ok && req.peer == from {
			delete(r.requested, h)
		}
	}
}

func (r *Relay) clearRequest(hash ids.ID) {
	r.reqMu.Lock()
	delete(r.requested, hash)
	r.reqMu.Unlock()
}

func (r *Relay) PeerConnected(peer ids.PeerID) {
	r.log.Debug().Str("peer", peer.String()).Msg("peer connected")
}

// PeerDisconnected re-rolls routes through peer. Records already stemmed to
// it stay on their embargo.
func (r *Relay) PeerDisconnected(peer ids.PeerID) {
	n := r.routes.PeerDisconnected(peer)
	r.reqMu.Lock()
	for h, req := range r.requested {
		if req.peer == peer {
			delete(r.requested, h)
		}
	}
	r.reqMu.Unlock()
	if n > 0 {
		r.log.Info().Str("peer", peer.String()).Int("routes", n).Msg("dropped stem routes")
	}
}

// Fluff promotes a stemming transaction on operator request.
func (r *Relay) Fluff(hash ids.ID) (bool, error) {
	if _, ok := r.state.Lookup(hash); !ok {
		return false, ErrUnknownTx
	}
	return r.state.Promote(hash, ReasonOperator), nil
}

// Tick runs one embargo pass and expires stale getdata requests.
func (r *Relay) Tick() int {
	now := r.clock.Now()
	r.reqMu.Lock()
	for h, req := range r.requested {
		if now.Sub(req.at) >= getDataTimeout {
			delete(r.requested, h)
		}
	}
	r.reqMu.Unlock()
	return r.embargo.Tick()
}

// Run ticks every configured interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// RelayStats is the relay section of the status API.
type RelayStats struct {
	Enabled  bool       `json:"enabled"`
	Epoch    EpochInfo  `json:"epoch"`
	State    StateStats `json:"state"`
	InFlight int        `json:"getdata_in_flight"`
}

func (r *Relay) Stats() RelayStats {
	r.reqMu.Lock()
	n := len(r.requested)
	r.reqMu.Unlock()
	return RelayStats{
		Enabled:  r.cfg.Enabled,
		Epoch:    r.routes.Epoch(),
		State:    r.state.Stats(),
		InFlight: n,
	}
}
