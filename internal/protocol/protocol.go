// Package protocol defines the wire protocol spoken between the pinhole
// broker and its agents: JSON control messages carried over a message
// channel, and the raw datagram payloads seen on the broker's UDP port.
package protocol

// Connection roles, declared by the first message on a control channel.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Control-channel request names.
const (
	// RequestInfo asks the broker for the service's last observed
	// external endpoint. Sent by clients.
	RequestInfo = "info"

	// RequestPunch instructs a server agent to punch a hole toward a
	// client endpoint. Sent by the broker, never by agents.
	RequestPunch = "punch"
)

// Result values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Error reasons surfaced to peers in Result.Why.
const (
	ReasonUnknownConnectionType = "unknown connection type"
	ReasonUnknownRequest        = "unknown request"
	ReasonNoServers             = "no servers available"
)
