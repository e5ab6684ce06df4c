package pgbp

import (
	"encoding/json"
	"fmt"
	"slices"
)

type EventKind int

const (
	MintRequestEvent EventKind = iota
	AuthRequestEvent
	AuthGrantedEvent
	PaymentCompleteEvent
	UnknownEvent
)

func (kind EventKind) String() string {
	switch kind {
	case MintRequestEvent:
		return "mint_request"
	case AuthRequestEvent:
		return "auth_request"
	case AuthGrantedEvent:
		return "auth_granted"
	case PaymentCompleteEvent:
		return "payment_complete"
	default:
		return "unknown"
	}
}

func StringToEventKind(kind string) EventKind {
	switch kind {
	case "mint_request":
		return MintRequestEvent
	case "auth_request":
		return AuthRequestEvent
	case "auth_granted":
		return AuthGrantedEvent
	case "payment_complete":
		return PaymentCompleteEvent
	}
	return UnknownEvent
}

func (kind EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(kind.String())
}

func (kind *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed := StringToEventKind(s)
	if parsed == UnknownEvent {
		return fmt.Errorf("unknown event kind '%v'", s)
	}
	*kind = parsed
	return nil
}

// Event is an entry in the public event log.
// EncryptedData is relayed as opaque bytes. For MintRequest, AuthRequest
// and AuthGranted it holds a JSON encoded envelope. PaymentComplete
// carries no encrypted data and Amount is the minted amount.
type Event struct {
	Seq           uint64    `json:"seq" cbor:"1,keyasint"`
	Kind          EventKind `json:"kind" cbor:"2,keyasint"`
	RequestId     string    `json:"requestId" cbor:"3,keyasint"`
	Requester     string    `json:"requester" cbor:"4,keyasint"`
	Amount        string    `json:"amount,omitempty" cbor:"5,keyasint,omitempty"`
	Expiration    int64     `json:"expiration,omitempty" cbor:"6,keyasint,omitempty"`
	EncryptedData []byte    `json:"encryptedData,omitempty" cbor:"7,keyasint,omitempty"`
	Timestamp     int64     `json:"timestamp" cbor:"8,keyasint"`
}

// EventFilter selects events from the log. Zero values match everything.
// FromSeq is inclusive.
type EventFilter struct {
	FromSeq   uint64
	Requester string
	RequestId string
	Kinds     []EventKind
	Limit     int
}

func (f EventFilter) Match(event Event) bool {
	if event.Seq < f.FromSeq {
		return false
	}
	if len(f.Requester) > 0 && f.Requester != event.Requester {
		return false
	}
	if len(f.RequestId) > 0 && f.RequestId != event.RequestId {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, event.Kind) {
		return false
	}
	return true
}

// Full reports whether events already holds as many events as the filter allows.
func (f EventFilter) Full(events []Event) bool {
	return f.Limit > 0 && len(events) >= f.Limit
}
