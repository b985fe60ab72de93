package protocol

import (
	"bytes"
	"strconv"
)

// Datagram payloads understood on the broker's UDP port.
const (
	// KeepalivePayload must match the received datagram exactly.
	KeepalivePayload = "|keepalive|"

	// PunchMePrefix starts a punch request; the requesting client's
	// session id follows in decimal after the final bar.
	PunchMePrefix = "|punchme|"

	// PunchPayload is what a server agent fires at a client's observed
	// endpoint. Only its arrival matters; the content is never
	// interpreted by anyone.
	PunchPayload = "pinhole"
)

// DatagramKind classifies a received datagram payload.
type DatagramKind int

const (
	// DatagramIgnored is anything that is not a recognized payload.
	DatagramIgnored DatagramKind = iota
	// DatagramKeepalive refreshes the tracked endpoint.
	DatagramKeepalive
	// DatagramPunchMe requests a punch toward the sender.
	DatagramPunchMe
)

// String returns a short name for the kind, used as a metric label.
func (k DatagramKind) String() string {
	switch k {
	case DatagramKeepalive:
		return "keepalive"
	case DatagramPunchMe:
		return "punchme"
	default:
		return "ignored"
	}
}

// Datagram is a classified datagram payload. ReplyID is meaningful only
// for DatagramPunchMe.
type Datagram struct {
	Kind    DatagramKind
	ReplyID uint64
}

// ParseDatagram classifies a raw payload. ok is false for payloads the
// broker must ignore, including punchme datagrams whose id does not
// parse; a datagram can never be an error, only noise.
func ParseDatagram(payload []byte) (Datagram, bool) {
	if bytes.Equal(payload, []byte(KeepalivePayload)) {
		return Datagram{Kind: DatagramKeepalive}, true
	}
	if bytes.HasPrefix(payload, []byte(PunchMePrefix)) {
		// The id is whatever follows the final bar, matching senders
		// that build the payload by appending to the prefix.
		idx := bytes.LastIndexByte(payload, '|')
		id, err := strconv.ParseUint(string(payload[idx+1:]), 10, 64)
		if err != nil {
			return Datagram{}, false
		}
		return Datagram{Kind: DatagramPunchMe, ReplyID: id}, true
	}
	return Datagram{}, false
}

// PunchMeDatagram builds the payload a client sends to request a punch
// toward its own observed endpoint.
func PunchMeDatagram(id uint64) []byte {
	return strconv.AppendUint([]byte(PunchMePrefix), id, 10)
}

// KeepaliveDatagram returns the fixed keepalive payload.
func KeepaliveDatagram() []byte {
	return []byte(KeepalivePayload)
}
