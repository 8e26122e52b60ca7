package wire

import (
	"errors"
	"fmt"
	"time"

	"stemrelay/core/mempool"
	"stemrelay/types/ids"
)

// Commands
const (
	CmdHello    = "hello"
	CmdStem     = "dandeliontx"
	CmdInv      = "inv"
	CmdGetData  = "getdata"
	CmdTx       = "tx"
	CmdNotFound = "notfound"
)

// ServiceDandelion is advertised by nodes that accept stem transactions.
const ServiceDandelion uint64 = 1 << 0

// InvTypeTx is the only inventory type carried by this protocol.
const InvTypeTx = 1

// MaxMessageSize bounds one encoded line, newline included.
const MaxMessageSize = 1 << 20

// MaxInventory bounds hashes per inv/getdata/notfound.
const MaxInventory = 5000

var (
	ErrUnknownCommand   = errors.New("wire: unknown command")
	ErrMalformedMessage = errors.New("wire: malformed message")
	ErrMessageTooLarge  = errors.New("wire: message too large")
)

// Hello is exchanged once in each direction when a connection opens.
type Hello struct {
	NodeID     string    `json:"node_id"`
	ListenAddr string    `json:"listen_addr"`
	UserAgent  string    `json:"user_agent"`
	Services   uint64    `json:"services"`
	Timestamp  time.Time `json:"timestamp"`
}

// StemCapable reports whether the sender accepts dandeliontx messages.
func (h Hello) StemCapable() bool {
	return h.Services&ServiceDandelion != 0
}

type InvVect struct {
	Type int    `json:"type"`
	Hash ids.ID `json:"hash"`
}

// Message is the envelope for every line on the wire. Exactly one payload
// field is set, according to Command.
type Message struct {
	Command   string               `json:"cmd"`
	Hello     *Hello               `json:"hello,omitempty"`
	Tx        *mempool.Transaction `json:"tx,omitempty"`
	Inventory []InvVect            `json:"inv,omitempty"`
}

func NewHello(h Hello) Message {
	return Message{Command: CmdHello, Hello: &h}
}

// NewStem and NewTx drop the local first-seen time; receivers stamp their own.
func NewStem(tx mempool.Transaction) Message {
	tx.Timestamp = 0
	return Message{Command: CmdStem, Tx: &tx}
}

func NewTx(tx mempool.Transaction) Message {
	tx.Timestamp = 0
	return Message{Command: CmdTx, Tx: &tx}
}

func NewInv(hashes []ids.ID) Message {
	return Message{Command: CmdInv, Inventory: vectors(hashes)}
}

func NewGetData(hashes []ids.ID) Message {
	return Message{Command: CmdGetData, Inventory: vectors(hashes)}
}

func NewNotFound(hashes []ids.ID) Message {
	return Message{Command: CmdNotFound, Inventory: vectors(hashes)}
}

func vectors(hashes []ids.ID) []InvVect {
	out := make([]InvVect, len(hashes))
	for i, h := range hashes {
		out[i] = InvVect{Type: InvTypeTx, Hash: h}
	}
	return out
}

// Hashes returns the tx hashes of the inventory.
func (m Message) Hashes() []ids.ID {
	out := make([]ids.ID, 0, len(m.Inventory))
	for _, v := range m.Inventory {
		if v.Type == InvTypeTx {
			out = append(out, v.Hash)
		}
	}
	return out
}

// Validate checks that the payload matches the command.
func (m Message) Validate() error {
	switch m.Command {
	case CmdHello:
		if m.Hello == nil {
			return fmt.Errorf("%w: hello without body", ErrMalformedMessage)
		}
	case CmdStem, CmdTx:
		if m.Tx == nil {
			return fmt.Errorf("%w: %s without tx", ErrMalformedMessage, m.Command)
		}
	case CmdInv, CmdGetData, CmdNotFound:
		if len(m.Inventory) == 0 {
			return fmt.Errorf("%w: empty %s", ErrMalformedMessage, m.Command)
		}
		if len(m.Inventory) > MaxInventory {
			return fmt.Errorf("%w: %d inventory entries", ErrMalformedMessage, len(m.Inventory))
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, m.Command)
	}
	return nil
}
