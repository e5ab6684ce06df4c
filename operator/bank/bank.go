// Package bank abstracts the Open Banking payment initiation flow
// used by the operator to collect fiat before minting.
package bank

import (
	"context"
	"errors"
)

const SettledStatus = "AcceptedSettlementCompleted"

var (
	ErrConsentNotFound  = errors.New("consent not found")
	ErrConsentNotGiven  = errors.New("consent was not approved")
	ErrInvalidCode      = errors.New("invalid consent code")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrConsentUsed      = errors.New("consent already used")
	ErrInvalidToken     = errors.New("invalid access token")
	ErrMissingRequestId = errors.New("request id is required")
)

type OpenBankingClient interface {
	// GetPaymentAuthAccessToken gets a client credentials token
	// for creating the payment consent of a request.
	GetPaymentAuthAccessToken(ctx context.Context, requestId string) (*AccessToken, error)

	// CreatePaymentAuthRequest creates a payment consent from the payer to
	// the beneficiary and returns the url the payer must visit to approve it.
	CreatePaymentAuthRequest(ctx context.Context, payer *PaymentAuthRequest, access *AccessToken,
		beneficiary *AccountDetails) (*PaymentAuthResponse, error)

	// SubmitPayment exchanges the consent code for a token and submits the payment.
	SubmitPayment(ctx context.Context, data *PaymentAuthGranted, payer *PaymentAuthRequest,
		beneficiary *AccountDetails) (*SubmitPaymentResponse, error)

	GetPaymentStatus(ctx context.Context, data *SubmitPaymentResponse) (*PaymentStatusResponse, error)
}

type PaymentAuthRequest struct {
	RequestId     string
	InstitutionId string
	// amount in GBP as a decimal string
	Amount string
	Payer  AccountDetails
}

type AccountDetails struct {
	SortCode      string `toml:"sort_code"`
	AccountNumber string `toml:"account_number"`
	Name          string `toml:"name"`
}

type AccessToken struct {
	Token     string
	ExpiresIn int
}

type PaymentAuthResponse struct {
	RequestId string
	Url       string
	ConsentId string
}

type PaymentAuthGranted struct {
	ConsentId   string
	RequestId   string
	ConsentCode string
}

type SubmitPaymentResponse struct {
	RequestId    string
	ConsentCode  string
	ConsentToken string
	PaymentId    string
}

type PaymentStatusResponse struct {
	RequestId string
	PaymentId string
	Status    string
	Settled   bool
}
