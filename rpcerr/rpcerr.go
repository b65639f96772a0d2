// Package rpcerr defines the error record carried by error envelopes.
package rpcerr

import (
	"encoding/json"
	"errors"

	"swarm-rpc/message"
)

// Kind separates failures raised by user handlers from failures of the framework itself.
type Kind string

const (
	KindEndpoint Kind = "endpoint"
	KindProtocol Kind = "protocol"
)

const (
	SubtypeUnhandled   = "unhandled"
	SubtypeTimeout     = "timeout"
	SubtypeClosed      = "closed"
	SubtypeRateLimited = "ratelimited"
	SubtypeMalformed   = "malformed"
)

// Sentinels for errors.Is. Only Kind and Subtype take part in the comparison.
var (
	ErrTimeout     = &Error{Kind: KindProtocol, Subtype: SubtypeTimeout}
	ErrUnhandled   = &Error{Kind: KindProtocol, Subtype: SubtypeUnhandled}
	ErrClosed      = &Error{Kind: KindProtocol, Subtype: SubtypeClosed}
	ErrRateLimited = &Error{Kind: KindProtocol, Subtype: SubtypeRateLimited}
)

// Error is the record sent back to a requester when a call fails.
type Error struct {
	Message string
	Data    any
	Kind    Kind
	Subtype string
}

func (e *Error) Error() string {
	if e.Subtype != "" {
		return string(e.Kind) + "/" + e.Subtype + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Subtype == t.Subtype
}

// DecodeData unmarshals Data into v. Data received off the wire is a json.RawMessage;
// locally built errors are re-marshalled first.
func (e *Error) DecodeData(v any) error {
	raw, err := e.rawData()
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (e *Error) rawData() (json.RawMessage, error) {
	switch d := e.Data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	default:
		return json.Marshal(d)
	}
}

// Fill writes the error fields of an outgoing error envelope.
func (e *Error) Fill(env *message.Envelope) {
	env.Message = e.Message
	env.ErrorType = string(e.Kind)
	env.ErrorSubtype = e.Subtype
	if raw, err := e.rawData(); err == nil {
		env.Data = raw
	}
}

// New builds an endpoint error carrying data. Handlers return it to fail a call with details.
func New(msg string, data any) *Error {
	return &Error{Message: msg, Data: data, Kind: KindEndpoint}
}

// Unhandled is returned when no handler is registered for a route.
func Unhandled(route string) *Error {
	return &Error{
		Message: "No handler found for request '" + route + "'",
		Data:    map[string]string{"requestName": route},
		Kind:    KindProtocol,
		Subtype: SubtypeUnhandled,
	}
}

func Timeout() *Error {
	return &Error{Message: "Request timed out", Kind: KindProtocol, Subtype: SubtypeTimeout}
}

func Closed() *Error {
	return &Error{Message: "Connection closed", Kind: KindProtocol, Subtype: SubtypeClosed}
}

func RateLimited() *Error {
	return &Error{Message: "Rate limit exceeded", Kind: KindProtocol, Subtype: SubtypeRateLimited}
}

func Malformed(msg string) *Error {
	return &Error{Message: msg, Kind: KindProtocol, Subtype: SubtypeMalformed}
}

// Normalize converts any error into an Error record. Records pass through unchanged;
// everything else becomes an endpoint error with the error text as message.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Message: err.Error(), Kind: KindEndpoint}
}

// FromEnvelope rebuilds the record carried by an error envelope.
// Kinds other than endpoint are reported as protocol.
func FromEnvelope(env *message.Envelope) *Error {
	e := &Error{
		Message: env.Message,
		Kind:    KindProtocol,
		Subtype: env.ErrorSubtype,
	}
	if Kind(env.ErrorType) == KindEndpoint {
		e.Kind = KindEndpoint
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		e.Data = env.Data
	}
	return e
}

// Reply builds the error envelope answering req with err.
func Reply(req *message.Envelope, err error) *message.Envelope {
	t, _ := message.ErrorFor(req.Type)
	env := &message.Envelope{Type: t, CorrelationID: req.CorrelationID}
	Normalize(err).Fill(env)
	return env
}
