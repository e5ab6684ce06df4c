// Package pgbp contains the core types and errors
// of the Provable GBP mint-request protocol.
package pgbp

import (
	"encoding/json"
	"fmt"
)

const (
	TokenName     = "Provable GBP"
	TokenSymbol   = "PGBP"
	TokenDecimals = 18
)

// Status of a mint request. Requests move along
// Requested -> Authorizing -> Granted -> Settled.
// Expired is never stored, it is derived from the
// request expiration when the request is read.
type Status int

const (
	Requested Status = iota
	Authorizing
	Granted
	Settled
	Expired
	Unknown
)

func (status Status) String() string {
	switch status {
	case Requested:
		return "REQUESTED"
	case Authorizing:
		return "AUTHORIZING"
	case Granted:
		return "GRANTED"
	case Settled:
		return "SETTLED"
	case Expired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

func StringToStatus(status string) Status {
	switch status {
	case "REQUESTED":
		return Requested
	case "AUTHORIZING":
		return Authorizing
	case "GRANTED":
		return Granted
	case "SETTLED":
		return Settled
	case "EXPIRED":
		return Expired
	}
	return Unknown
}

func (status Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(status.String())
}

func (status *Status) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed := StringToStatus(s)
	if parsed == Unknown {
		return fmt.Errorf("unknown status '%v'", s)
	}
	*status = parsed
	return nil
}

// Final reports whether no further transition can leave the status.
func (status Status) Final() bool {
	return status == Settled || status == Expired
}
