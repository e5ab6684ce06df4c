package pgbp

import (
	"errors"
	"strings"
)

// Payloads exchanged through the confidential channel. The mint
// never sees them in plaintext, it only relays their envelopes.

// MintRequestPayload is encrypted by the requester to the operator.
type MintRequestPayload struct {
	InstitutionId string `json:"institutionId"`
	SortCode      string `json:"sortCode"`
	AccountNumber string `json:"accountNumber"`
	Name          string `json:"name"`
	// requester's encryption public key in base64
	PublicKey string `json:"publicKey"`
}

// AuthRequestPayload is encrypted by the operator to the requester.
type AuthRequestPayload struct {
	Url       string `json:"url"`
	ConsentId string `json:"consentId"`
}

// AuthGrantedPayload is encrypted by the requester to the operator.
type AuthGrantedPayload struct {
	ConsentCode string `json:"consentCode"`
	// requester's encryption public key in base64
	PublicKey string `json:"publicKey"`
}

var (
	ErrInvalidSortCode      = errors.New("sort code must be 6 digits")
	ErrInvalidAccountNumber = errors.New("account number must be 8 digits")
	ErrMissingField         = errors.New("missing required field")
)

func (p MintRequestPayload) Validate() error {
	if len(strings.TrimSpace(p.InstitutionId)) == 0 ||
		len(strings.TrimSpace(p.Name)) == 0 ||
		len(strings.TrimSpace(p.PublicKey)) == 0 {
		return ErrMissingField
	}
	if !digits(p.SortCode, 6) {
		return ErrInvalidSortCode
	}
	if !digits(p.AccountNumber, 8) {
		return ErrInvalidAccountNumber
	}
	return nil
}

func (p AuthGrantedPayload) Validate() error {
	if len(strings.TrimSpace(p.ConsentCode)) == 0 {
		return ErrMissingField
	}
	return nil
}

func digits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
