package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type identifies the payload carried by an Envelope. The set is closed; wire
// values outside it are preserved verbatim so dispatchers can route them
// through a single unknown-type arm instead of branching on raw strings.
type Type string

const (
	TypeAuthenticate       Type = "authenticate"
	TypeAuthenticateOK     Type = "authenticate_success"
	TypeAuthenticateError  Type = "authenticate_error"
	TypeSubscribeOrders    Type = "subscribe_orders"
	TypeOrderUpdate        Type = "order_update"
	TypeStatusUpdate       Type = "status_update"
	TypeOrderStatusChanged Type = "order_status_changed"
	TypeNewOrder           Type = "new_order"
	TypePing               Type = "ping"
	TypePong               Type = "pong"
	TypeError              Type = "error"
)

var knownTypes = map[Type]struct{}{
	TypeAuthenticate:       {},
	TypeAuthenticateOK:     {},
	TypeAuthenticateError:  {},
	TypeSubscribeOrders:    {},
	TypeOrderUpdate:        {},
	TypeStatusUpdate:       {},
	TypeOrderStatusChanged: {},
	TypeNewOrder:           {},
	TypePing:               {},
	TypePong:               {},
	TypeError:              {},
}

// Known reports whether the type belongs to the closed protocol set.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// ErrMalformed indicates the inbound frame was not a valid envelope.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the uniform message unit exchanged over the realtime channel.
// ID is a client-generated correlation token; replies directed at the sender
// of an id-bearing envelope echo the same id so the sender can settle its
// pending acknowledgment.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   string          `json:"id,omitempty"`
}

// Decode parses a wire frame into an Envelope, rejecting frames without a type.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &env, nil
}

// Encode marshals an envelope with the supplied payload. A nil payload yields
// an envelope without a data member.
func Encode(t Type, payload any, id string) ([]byte, error) {
	env := Envelope{Type: t, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Data = data
	}
	return json.Marshal(&env)
}

// DecodePayload unmarshals the envelope data member into the supplied target.
func (e *Envelope) DecodePayload(target any) error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
