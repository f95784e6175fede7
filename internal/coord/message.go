package coord

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one of the five protocol message kinds
type Kind string

const (
	// KindHello announces a newly started or re-announcing peer
	KindHello Kind = "hello"

	// KindHelloAck is the primary's answer to a hello
	KindHelloAck Kind = "hello_ack"

	// KindHeartbeat is the primary's periodic liveness announcement
	KindHeartbeat Kind = "heartbeat"

	// KindGoodbye is the best-effort graceful shutdown notice
	KindGoodbye Kind = "goodbye"

	// KindFocusRequest asks the surviving primary to request user attention
	KindFocusRequest Kind = "focus_request"
)

// Envelope is the wire form of every protocol message. hello_ack and
// heartbeat additionally carry the sender's primary-since timestamp so
// colliding primaries resolve on a total order rather than clock arithmetic.
type Envelope struct {
	Kind     Kind   `json:"kind"`
	SenderID string `json:"sender_id"`
	SentAt   int64  `json:"sent_at"` // epoch milliseconds

	// PrimarySince is set on hello_ack and heartbeat only
	PrimarySince int64 `json:"primary_since,omitempty"` // epoch milliseconds
}

// Validate checks the envelope invariants
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindHello, KindGoodbye, KindFocusRequest:
	case KindHelloAck, KindHeartbeat:
		if e.PrimarySince <= 0 {
			return fmt.Errorf("%s message missing primary_since", e.Kind)
		}
	default:
		return fmt.Errorf("unknown message kind: %q", e.Kind)
	}

	if e.SenderID == "" {
		return fmt.Errorf("message missing sender_id")
	}

	if e.SentAt <= 0 {
		return fmt.Errorf("message missing sent_at")
	}

	return nil
}

// Encode serializes the envelope for the bus
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Decode parses and validates an envelope received from the bus
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// olderPrimary reports whether primary a outranks primary b. The order is
// total and identical from every peer's view: the older primary-since wins,
// and exact ties fall to the lexicographically smaller peer identity.
func olderPrimary(aSince int64, aID string, bSince int64, bID string) bool {
	if aSince != bSince {
		return aSince < bSince
	}
	return aID < bID
}
