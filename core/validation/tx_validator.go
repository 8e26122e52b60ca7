package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"stemrelay/core/mempool"
)

// ErrMalformedTx marks a transaction that fails structural checks. Peers that
// send too many of these get banned.
var ErrMalformedTx = errors.New("malformed transaction")

// MaxTxSize bounds a single transaction payload.
const MaxTxSize = 100 * 1024

const txSchemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "inputs", "outputs"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "inputs": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["prev", "index"],
        "properties": {
          "prev": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "index": {"type": "integer", "minimum": 0}
        }
      }
    },
    "outputs": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["address", "amount"],
        "properties": {
          "address": {"type": "string", "minLength": 1, "maxLength": 128},
          "amount": {"type": "integer", "exclusiveMinimum": 0}
        }
      }
    },
    "nonce": {"type": "integer", "minimum": 0}
  }
}`

// TxValidator checks transactions before they are relayed.
type TxValidator struct {
	schema *gojsonschema.Schema
}

func NewTxValidator() (*TxValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(txSchemaV1))
	if err != nil {
		return nil, fmt.Errorf("compile tx schema: %w", err)
	}
	return &TxValidator{schema: schema}, nil
}

// Validate returns an error wrapping ErrMalformedTx when tx must not be relayed.
func (v *TxValidator) Validate(tx mempool.Transaction) error {
	if len(tx.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedTx)
	}
	if len(tx.Payload) > MaxTxSize {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", ErrMalformedTx, len(tx.Payload), MaxTxSize)
	}
	if !tx.HashMatches() {
		return fmt.Errorf("%w: hash does not commit to payload", ErrMalformedTx)
	}
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(tx.Payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrMalformedTx, strings.Join(msgs, "; "))
	}
	return nil
}
