package dandelion

import (
	"fmt"

	"github.com/rs/zerolog"

	"stemrelay/core/mempool"
	"stemrelay/types/ids"
)

// Sender transmits a directed stem message to one peer. It must not block.
type Sender interface {
	SendStem(peer ids.PeerID, tx mempool.Transaction) error
}

// FloodRelay is the general fluff broadcast.
type FloodRelay interface {
	BroadcastTx(tx mempool.Transaction, exclude ids.PeerID) bool
	Seen(hash ids.ID) bool
}

// Announcer tells peers about a transaction according to its phase.
type Announcer struct {
	sender Sender
	flood  FloodRelay
	log    zerolog.Logger
}

func NewAnnouncer(sender Sender, flood FloodRelay, log zerolog.Logger) *Announcer {
	return &Announcer{sender: sender, flood: flood, log: log}
}

// Announce sends a stem record to its successor and nobody else, or hands a
// fluff record to flood relay. Both happen at most once per record.
func (a *Announcer) Announce(rec *RelayRecord) error {
	if rec.Phase() == PhaseFluff {
		if !rec.claimFluff() {
			return nil
		}
		a.flood.BroadcastTx(rec.Tx, "")
		return nil
	}
	if rec.Successor == "" {
		return ErrNoRoute
	}
	if !rec.claimStem(rec.Successor) {
		return nil
	}
	if err := a.sender.SendStem(rec.Successor, rec.Tx); err != nil {
		return fmt.Errorf("stem %s to %s: %w", rec.Hash().Short(), rec.Successor, err)
	}
	a.log.Debug().Str("tx", rec.Hash().Short()).Str("to", rec.Successor.String()).Msg("stem relayed")
	return nil
}
