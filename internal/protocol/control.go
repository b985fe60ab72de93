package protocol

import (
	"encoding/json"
	"fmt"
)

// Hello is the first message on a new control connection, declaring the
// peer's role.
type Hello struct {
	New string `json:"new"`
}

// HelloAck acknowledges a role declaration. ID is present only when the
// peer registered as a client.
type HelloAck struct {
	Result string  `json:"result"`
	Why    string  `json:"why,omitempty"`
	ID     *uint64 `json:"id,omitempty"`
}

// Request is a control-channel request. Request selects the operation;
// the client_* fields are populated only for punch instructions.
type Request struct {
	Request       string `json:"request"`
	ClientAddress string `json:"client_address,omitempty"`
	ClientPort    uint16 `json:"client_port,omitempty"`
}

// Result is the generic success/error response.
type Result struct {
	Result string `json:"result"`
	Why    string `json:"why,omitempty"`
}

// Info is a successful info response carrying the service's external
// endpoint as the broker last observed it.
type Info struct {
	Result  string `json:"result"`
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

// marshal encodes a message struct. The structs here hold only strings
// and integers, so failure means a programming error.
func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}

// Encode serializes the hello as a single control message.
func (h *Hello) Encode() []byte { return marshal(h) }

// Encode serializes the acknowledgement as a single control message.
func (a *HelloAck) Encode() []byte { return marshal(a) }

// Encode serializes the request as a single control message.
func (r *Request) Encode() []byte { return marshal(r) }

// Encode serializes the result as a single control message.
func (r *Result) Encode() []byte { return marshal(r) }

// Encode serializes the info response as a single control message.
func (i *Info) Encode() []byte { return marshal(i) }

// ClientHelloAck builds the acknowledgement for a freshly registered
// client, carrying its assigned session id.
func ClientHelloAck(id uint64) *HelloAck {
	return &HelloAck{Result: ResultOK, ID: &id}
}

// ServerHelloAck builds the acknowledgement for a freshly registered
// server.
func ServerHelloAck() *HelloAck {
	return &HelloAck{Result: ResultOK}
}

// OKResult builds a bare success response.
func OKResult() *Result {
	return &Result{Result: ResultOK}
}

// ErrorResult builds an error response with the given reason. An empty
// reason omits the why field entirely.
func ErrorResult(why string) *Result {
	return &Result{Result: ResultError, Why: why}
}

// PunchInstruction builds the punch request the broker sends to server
// agents.
func PunchInstruction(clientAddress string, clientPort uint16) *Request {
	return &Request{
		Request:       RequestPunch,
		ClientAddress: clientAddress,
		ClientPort:    clientPort,
	}
}

// ParseHello decodes a role declaration.
func ParseHello(data []byte) (*Hello, error) {
	var h Hello
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse hello: %w", err)
	}
	return &h, nil
}

// ParseHelloAck decodes a role acknowledgement.
func ParseHelloAck(data []byte) (*HelloAck, error) {
	var a HelloAck
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse hello ack: %w", err)
	}
	return &a, nil
}

// ParseRequest decodes a control-channel request.
func ParseRequest(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	return &r, nil
}

// ParseResult decodes a success/error response. Messages with extra
// fields (such as an info response) still decode; callers that need
// those fields use ParseInfo.
func ParseResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &r, nil
}

// ParseInfo decodes an info response.
func ParseInfo(data []byte) (*Info, error) {
	var i Info
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, fmt.Errorf("parse info: %w", err)
	}
	return &i, nil
}
