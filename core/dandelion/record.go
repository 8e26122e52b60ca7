package dandelion

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"stemrelay/core/mempool"
	"stemrelay/types/ids"
)

// Phase is the relay phase of a transaction.
type Phase int32

const (
	PhaseStem Phase = iota
	PhaseFluff
)

func (p Phase) String() string {
	switch p {
	case PhaseStem:
		return "stem"
	case PhaseFluff:
		return "fluff"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stem":
		*p = PhaseStem
	case "fluff":
		*p = PhaseFluff
	default:
		return fmt.Errorf("unknown phase %q", b)
	}
	return nil
}

// PromoteReason records which trigger moved a record to fluff.
type PromoteReason string

const (
	ReasonEmbargo       PromoteReason = "embargo-expired"
	ReasonObservedFluff PromoteReason = "observed-fluff"
	ReasonNoRoute       PromoteReason = "no-route"
	ReasonSendFailed    PromoteReason = "stem-send-failed"
	ReasonDiffuser      PromoteReason = "diffuser"
	ReasonOperator      PromoteReason = "operator"
)

type promotion struct {
	at     time.Time
	reason PromoteReason
}

// RelayRecord is the relay bookkeeping for one transaction.
// Tx, Origin, Successor, CreatedAt and EmbargoDeadline never change after
// admission. The phase is the promotion pointer: nil is stem, set is fluff.
type RelayRecord struct {
	Tx              mempool.Transaction
	Origin          ids.PeerID
	Successor       ids.PeerID // empty when no route existed at admission
	CreatedAt       time.Time
	EmbargoDeadline time.Time

	promoted atomic.Pointer[promotion]
	fluffed  atomic.Bool // flood relay hand-off done

	mu        sync.Mutex
	stemmedTo ids.PeerID
}

func (r *RelayRecord) Hash() ids.ID {
	return r.Tx.Hash
}

func (r *RelayRecord) Phase() Phase {
	if r.promoted.Load() == nil {
		return PhaseStem
	}
	return PhaseFluff
}

// Promotion returns when and why the record left stem.
func (r *RelayRecord) Promotion() (time.Time, PromoteReason, bool) {
	p := r.promoted.Load()
	if p == nil {
		return time.Time{}, "", false
	}
	return p.at, p.reason, true
}

// promote is the single STEM->FLUFF transition; only one caller wins.
func (r *RelayRecord) promote(at time.Time, reason PromoteReason) bool {
	return r.promoted.CompareAndSwap(nil, &promotion{at: at, reason: reason})
}

// claimStem reserves the one directed stem send for peer. It fails if any
// peer, including peer itself, was already sent the stem.
func (r *RelayRecord) claimStem(peer ids.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stemmedTo != "" {
		return false
	}
	r.stemmedTo = peer
	return true
}

// StemmedTo returns the peer that received the directed stem, if any.
func (r *RelayRecord) StemmedTo() ids.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stemmedTo
}

func (r *RelayRecord) claimFluff() bool {
	return r.fluffed.CompareAndSwap(false, true)
}

// RecordView is a JSON-friendly copy of a record.
type RecordView struct {
	Hash            ids.ID        `json:"hash"`
	Phase           Phase         `json:"phase"`
	Origin          ids.PeerID    `json:"origin"`
	Successor       ids.PeerID    `json:"successor,omitempty"`
	StemmedTo       ids.PeerID    `json:"stemmed_to,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	EmbargoDeadline time.Time     `json:"embargo_deadline"`
	PromotedAt      *time.Time    `json:"promoted_at,omitempty"`
	Reason          PromoteReason `json:"reason,omitempty"`
}

func (r *RelayRecord) View() RecordView {
	v := RecordView{
		Hash:            r.Hash(),
		Phase:           r.Phase(),
		Origin:          r.Origin,
		Successor:       r.Successor,
		StemmedTo:       r.StemmedTo(),
		CreatedAt:       r.CreatedAt,
		EmbargoDeadline: r.EmbargoDeadline,
	}
	if at, reason, ok := r.Promotion(); ok {
		v.PromotedAt = &at
		v.Reason = reason
	}
	return v
}
