package msgchan

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single control message. The protocol's
// messages are a few dozen bytes; the limit exists so a broken or
// hostile peer cannot make a reader allocate without bound.
const MaxMessageSize = 64 * 1024

// writeMessage frames one message onto a byte stream: a 4-byte
// big-endian length followed by the payload. QUIC and HTTP/2 channels
// use this; WebSocket has native message boundaries.
func writeMessage(w io.Writer, msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(msg), MaxMessageSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(msg) == 0 {
		return nil
	}
	_, err := w.Write(msg)
	return err
}

// readMessage reads one length-prefixed message from a byte stream.
func readMessage(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", n, MaxMessageSize)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
