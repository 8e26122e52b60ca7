package dandelion

import (
	"time"

	"github.com/rs/zerolog"
)

// EmbargoTimer promotes stem records whose embargo ran out, so a transaction
// surfaces even if every downstream peer drops it.
type EmbargoTimer struct {
	state    *RelayState
	routes   *RoutingTable
	clock    Clock
	interval time.Duration
	log      zerolog.Logger
}

func NewEmbargoTimer(state *RelayState, routes *RoutingTable, interval time.Duration, clock Clock, log zerolog.Logger) *EmbargoTimer {
	if clock == nil {
		clock = SystemClock
	}
	return &EmbargoTimer{state: state, routes: routes, clock: clock, interval: interval, log: log}
}

// Tick promotes every expired stem record, collects old fluff records and
// rolls the routing epoch when due. It returns the number of promotions won.
func (t *EmbargoTimer) Tick() int {
	now := t.clock.Now()
	promoted := 0
	for _, rec := range t.state.Expired(now) {
		if t.state.Promote(rec.Hash(), ReasonEmbargo) {
			promoted++
			t.log.Info().Str("tx", rec.Hash().Short()).
				Dur("held", now.Sub(rec.CreatedAt)).Msg("embargo expired, fluffing")
		}
	}
	if n := t.state.Collect(now); n > 0 {
		t.log.Debug().Int("records", n).Msg("collected fluffed records")
	}
	if t.routes != nil {
		t.routes.Refresh()
	}
	return promoted
}
