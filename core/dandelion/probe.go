package dandelion

import (
	"stemrelay/core/mempool"
	"stemrelay/types/ids"
)

// TxSource is the fluff mempool.
type TxSource interface {
	GetTx(hash ids.ID) (mempool.Transaction, bool)
}

// ProbeDefense answers getdata without revealing stem-phase holdings.
type ProbeDefense struct {
	state *RelayState
	pool  TxSource
}

func NewProbeDefense(state *RelayState, pool TxSource) *ProbeDefense {
	return &ProbeDefense{state: state, pool: pool}
}

// OnGetData splits hashes into transactions we may serve and hashes to
// answer with notfound. A stem-phase hash is notfound for every requester,
// the successor included, exactly like a hash never seen.
func (p *ProbeDefense) OnGetData(peer ids.PeerID, hashes []ids.ID) (found []mempool.Transaction, notFound []ids.ID) {
	for _, h := range hashes {
		if rec, ok := p.state.Lookup(h); ok {
			if rec.Phase() == PhaseStem {
				notFound = append(notFound, h)
				continue
			}
			found = append(found, rec.Tx)
			continue
		}
		if p.pool != nil {
			if tx, ok := p.pool.GetTx(h); ok {
				found = append(found, tx)
				continue
			}
		}
		notFound = append(notFound, h)
	}
	return found, notFound
}
