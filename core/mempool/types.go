package mempool

import (
	"time"

	"stemrelay/types/ids"
)

// Transaction is a fully formed transaction as handed to the relay layer.
type Transaction struct {
	Hash      ids.ID `json:"hash"`                // sha256 of Payload
	Payload   []byte `json:"payload"`             // Serialized transaction body
	Timestamp int64  `json:"timestamp,omitempty"` // Unix seconds when first seen locally; never sent to peers
}

// NewTransaction builds a Transaction whose hash commits to payload.
func NewTransaction(payload []byte) Transaction {
	return Transaction{
		Hash:      ids.NewID(payload),
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
}

// HashMatches reports whether Hash is the content hash of Payload.
func (tx Transaction) HashMatches() bool {
	return ids.NewID(tx.Payload) == tx.Hash
}
