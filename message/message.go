// Package message defines the envelope exchanged between endpoints and server nodes.
//
// Every frame on a socket or a broker exchange is one Envelope. The Type field
// tells the receiver which channel the frame belongs to:
//
//	request / response / error                     socket <-> node
//	server-request / server-response / server-error  node <-> node
//	remote-client-*                                 node -> peer node -> peer socket
//	ping / pong / init / close                      liveness and lifecycle
package message

import (
	"encoding/json"
	"fmt"
)

// Type is the wire name of an envelope kind.
type Type string

const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypeError    Type = "error"
	TypePing     Type = "ping"
	TypePong     Type = "pong"
	TypeInit     Type = "init"
	TypeClose    Type = "close"

	TypeServerRequest  Type = "server-request"
	TypeServerResponse Type = "server-response"
	TypeServerError    Type = "server-error"

	TypeRemoteClientRequest  Type = "remote-client-request"
	TypeRemoteClientResponse Type = "remote-client-response"
	TypeRemoteClientError    Type = "remote-client-error"
)

var replies = map[Type][2]Type{
	TypeRequest:             {TypeResponse, TypeError},
	TypeServerRequest:       {TypeServerResponse, TypeServerError},
	TypeRemoteClientRequest: {TypeRemoteClientResponse, TypeRemoteClientError},
}

// Valid reports whether t is one of the known wire names.
func (t Type) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeError, TypePing, TypePong, TypeInit, TypeClose,
		TypeServerRequest, TypeServerResponse, TypeServerError,
		TypeRemoteClientRequest, TypeRemoteClientResponse, TypeRemoteClientError:
		return true
	}
	return false
}

func (t Type) IsRequest() bool {
	_, ok := replies[t]
	return ok
}

func (t Type) IsResponse() bool {
	return t == TypeResponse || t == TypeServerResponse || t == TypeRemoteClientResponse
}

func (t Type) IsError() bool {
	return t == TypeError || t == TypeServerError || t == TypeRemoteClientError
}

// ResponseFor returns the success reply kind for a request kind.
func ResponseFor(t Type) (Type, bool) {
	r, ok := replies[t]
	return r[0], ok
}

// ErrorFor returns the failure reply kind for a request kind.
func ErrorFor(t Type) (Type, bool) {
	r, ok := replies[t]
	return r[1], ok
}

// Envelope is a single frame. Which fields are set depends on Type:
//
//   - requests carry Name, Args and CorrelationID; broker requests add ReplyTo and Sender.
//   - responses carry Result; errors carry Message, Data, ErrorType and ErrorSubtype.
//   - ping/pong carry only CorrelationID; init and close carry nothing.
type Envelope struct {
	Type          Type              `json:"type"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Name          string            `json:"name,omitempty"`
	Args          []json.RawMessage `json:"args,omitempty"`
	Result        json.RawMessage   `json:"result,omitempty"`
	Message       string            `json:"message,omitempty"`
	Data          json.RawMessage   `json:"data,omitempty"`
	ErrorType     string            `json:"errorType,omitempty"`
	ErrorSubtype  string            `json:"errorSubtype,omitempty"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	Sender        string            `json:"sender,omitempty"`
}

// Reply builds the success reply for req carrying result.
func Reply(req *Envelope, result json.RawMessage) *Envelope {
	t, _ := ResponseFor(req.Type)
	return &Envelope{Type: t, CorrelationID: req.CorrelationID, Result: result}
}

// EncodeArgs marshals call arguments into their raw wire form.
func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		if r, ok := a.(json.RawMessage); ok {
			raw = append(raw, r)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode arg %d: %w", i, err)
		}
		raw = append(raw, b)
	}
	return raw, nil
}

// Args is the positional argument list of a request as it came off the wire.
type Args []json.RawMessage

func (a Args) Len() int { return len(a) }

// Bind decodes argument i into v. A missing argument leaves v untouched.
func (a Args) Bind(i int, v any) error {
	if i < 0 || i >= len(a) {
		return nil
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("arg %d: %w", i, err)
	}
	return nil
}

// String decodes argument i as a string, returning "" when absent or not a string.
func (a Args) String(i int) string {
	var s string
	_ = a.Bind(i, &s)
	return s
}

// Raw returns the arguments as a plain slice.
func (a Args) Raw() []json.RawMessage { return []json.RawMessage(a) }

// Marshal encodes a handler result for a reply. Raw JSON passes through.
func Marshal(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}
