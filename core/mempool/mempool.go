package mempool

import (
	"sync"
	"time"

	"stemrelay/types/ids"
)

// Mempool holds fluffed transactions, the ones this node will serve to getdata.
// Stem-phase transactions never enter it before promotion.
type Mempool struct {
	mu     sync.Mutex
	txs    map[ids.ID]Transaction
	order  []ids.ID // FIFO order for eviction
	maxTxs int
}

// NewMempool creates a new mempool with a maximum size
func NewMempool(maxTxs int) *Mempool {
	return &Mempool{
		txs:    make(map[ids.ID]Transaction),
		order:  make([]ids.ID, 0),
		maxTxs: maxTxs,
	}
}

// AddTx adds a transaction to the pool (returns false if duplicate).
// When full the oldest transaction is evicted.
func (mp *Mempool) AddTx(tx Transaction) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if _, exists := mp.txs[tx.Hash]; exists {
		return false
	}
	if mp.maxTxs > 0 && len(mp.txs) >= mp.maxTxs {
		oldest := mp.order[0]
		delete(mp.txs, oldest)
		mp.order = mp.order[1:]
	}
	mp.txs[tx.Hash] = tx
	mp.order = append(mp.order, tx.Hash)
	return true
}

// RemoveTx removes a transaction by hash
func (mp *Mempool) RemoveTx(hash ids.ID) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if _, exists := mp.txs[hash]; !exists {
		return
	}
	delete(mp.txs, hash)
	for i, h := range mp.order {
		if h == hash {
			mp.order = append(mp.order[:i], mp.order[i+1:]...)
			break
		}
	}
}

// GetTx returns a transaction by hash (and bool for existence)
func (mp *Mempool) GetTx(hash ids.ID) (Transaction, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	tx, ok := mp.txs[hash]
	return tx, ok
}

func (mp *Mempool) HasTx(hash ids.ID) bool {
	_, ok := mp.GetTx(hash)
	return ok
}

func (mp *Mempool) Len() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.txs)
}

// GetAllTxs returns all transactions in insertion order
func (mp *Mempool) GetAllTxs() []Transaction {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	txs := make([]Transaction, 0, len(mp.txs))
	for _, h := range mp.order {
		txs = append(txs, mp.txs[h])
	}
	return txs
}

// PurgeExpired drops transactions older than maxAge and returns how many went.
func (mp *Mempool) PurgeExpired(maxAge time.Duration, now time.Time) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	cutoff := now.Add(-maxAge).Unix()
	kept := make([]ids.ID, 0, len(mp.order))
	purged := 0
	for _, h := range mp.order {
		if mp.txs[h].Timestamp < cutoff {
			delete(mp.txs, h)
			purged++
			continue
		}
		kept = append(kept, h)
	}
	mp.order = kept
	return purged
}
