package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// WriteMessage encodes m as one JSON line.
func WriteMessage(w io.Writer, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Command, err)
	}
	if len(data)+1 > MaxMessageSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrMessageTooLarge, m.Command, len(data))
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// Reader decodes newline-delimited messages from a stream.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, MaxMessageSize)}
}

// ReadMessage returns the next message. A decode or validation failure
// wraps ErrMalformedMessage or ErrUnknownCommand and leaves the stream
// usable; ErrMessageTooLarge and I/O errors do not.
func (r *Reader) ReadMessage() (Message, error) {
	line, err := r.br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return Message{}, ErrMessageTooLarge
	}
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}
