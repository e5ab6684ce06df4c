package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elnosh/provablegbp/client"
	"github.com/elnosh/provablegbp/crypto"
	"github.com/elnosh/provablegbp/operator/bank"
	"github.com/elnosh/provablegbp/pgbp"
)

var (
	// ErrInvalidEvent is returned for events that will never be processable.
	ErrInvalidEvent   = errors.New("invalid event")
	ErrUnknownRequest = errors.New("no ongoing request")
)

// Handler reacts to the mint's events on behalf of the operator.
// Ongoing requests are tracked in memory only.
type Handler struct {
	mintURL     string
	keys        *crypto.Keys
	bankClient  bank.OpenBankingClient
	beneficiary bank.AccountDetails
	scheduler   *PaymentScheduler
	bankTimeout time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	cache map[string]*ongoingRequest
}

type ongoingRequest struct {
	consentId          string
	paymentAuthRequest *bank.PaymentAuthRequest
	// encrypted AuthRequest payload sent to the requester
	challenge     []byte
	challengeSent bool
}

func NewHandler(
	mintURL string,
	keys *crypto.Keys,
	bankClient bank.OpenBankingClient,
	beneficiary bank.AccountDetails,
	scheduler *PaymentScheduler,
	bankTimeout time.Duration,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		mintURL:     mintURL,
		keys:        keys,
		bankClient:  bankClient,
		beneficiary: beneficiary,
		scheduler:   scheduler,
		bankTimeout: bankTimeout,
		logger:      logger,
		cache:       make(map[string]*ongoingRequest),
	}
}

// ProcessEvent dispatches an event from the log. Events
// the operator does not act on are ignored.
func (h *Handler) ProcessEvent(ctx context.Context, event pgbp.Event) error {
	switch event.Kind {
	case pgbp.MintRequestEvent:
		return h.ProcessMintRequest(ctx, event)
	case pgbp.AuthGrantedEvent:
		return h.ProcessAuthGranted(ctx, event)
	}
	return nil
}

// ProcessMintRequest opens the requester's payload, creates the payment
// consent at the bank and sends the requester the encrypted challenge.
func (h *Handler) ProcessMintRequest(ctx context.Context, event pgbp.Event) error {
	requestId := event.RequestId
	h.logger.Info("MintRequest event", slog.String("reqId", requestId))

	h.mu.Lock()
	ongoing := h.cache[requestId]
	sent := ongoing != nil && ongoing.challengeSent
	h.mu.Unlock()
	if sent {
		h.logger.Info("MintRequest already processed", slog.String("reqId", requestId))
		return nil
	}
	if ongoing == nil {
		var err error
		if ongoing, err = h.createConsent(ctx, event); err != nil {
			return err
		}
	}

	// a consent is only created once per request. Retries send the same challenge.
	if _, err := client.PostAuthRequest(h.mintURL, h.keys.Identity, requestId, ongoing.challenge); err != nil {
		var protocolErr pgbp.Error
		if !errors.As(err, &protocolErr) {
			return fmt.Errorf("error calling AuthRequest: %w", err)
		}
		// an earlier attempt may have reached the mint without us seeing the response
		if !errors.Is(err, pgbp.InvalidTransitionErr) || !h.challengeDelivered(requestId) {
			h.forget(requestId)
			return fmt.Errorf("error calling AuthRequest: %w", err)
		}
		h.logger.Info("AuthRequest was already accepted by the mint", slog.String("reqId", requestId))
	}

	h.mu.Lock()
	ongoing.challengeSent = true
	h.mu.Unlock()

	h.logger.Info("MintRequest processed. AuthRequest sent",
		slog.String("reqId", requestId), slog.String("consentId", ongoing.consentId))
	return nil
}

// createConsent opens the requester's payload, creates the payment consent
// at the bank and caches it with the challenge for the requester.
func (h *Handler) createConsent(ctx context.Context, event pgbp.Event) (*ongoingRequest, error) {
	requestId := event.RequestId

	var payload pgbp.MintRequestPayload
	if err := h.keys.Encryption.DecryptData(event.EncryptedData, &payload); err != nil {
		return nil, fmt.Errorf("%w: could not decrypt mint request payload: %v", ErrInvalidEvent, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	amount, err := pgbp.ParseAmount(event.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	h.logger.Debug("MintRequest payload",
		slog.String("reqId", requestId),
		slog.String("institutionId", payload.InstitutionId),
		slog.String("accountNumber", redact(payload.AccountNumber)))

	paymentAuthRequest := &bank.PaymentAuthRequest{
		RequestId:     requestId,
		InstitutionId: payload.InstitutionId,
		Amount:        pgbp.ToDecimal(amount, pgbp.TokenDecimals),
		Payer: bank.AccountDetails{
			SortCode:      payload.SortCode,
			AccountNumber: payload.AccountNumber,
			Name:          payload.Name,
		},
	}

	bankCtx, cancel := context.WithTimeout(ctx, h.bankTimeout)
	defer cancel()

	token, err := h.bankClient.GetPaymentAuthAccessToken(bankCtx, requestId)
	if err != nil {
		return nil, fmt.Errorf("could not get bank access token: %v", err)
	}
	consent, err := h.bankClient.CreatePaymentAuthRequest(bankCtx, paymentAuthRequest, token, &h.beneficiary)
	if err != nil {
		return nil, fmt.Errorf("could not create payment consent: %v", err)
	}

	challenge, err := crypto.EncryptData(payload.PublicKey, pgbp.AuthRequestPayload{
		Url:       consent.Url,
		ConsentId: consent.ConsentId,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: could not encrypt challenge to requester: %v", ErrInvalidEvent, err)
	}

	ongoing := &ongoingRequest{
		consentId:          consent.ConsentId,
		paymentAuthRequest: paymentAuthRequest,
		challenge:          challenge,
	}
	h.mu.Lock()
	h.cache[requestId] = ongoing
	h.mu.Unlock()
	return ongoing, nil
}

// challengeDelivered reports whether the mint already moved the request
// past Requested on an AuthRequest from this operator.
func (h *Handler) challengeDelivered(requestId string) bool {
	request, err := client.GetMintRequest(h.mintURL, requestId)
	if err != nil {
		h.logger.Error("could not get mint request: "+err.Error(), slog.String("reqId", requestId))
		return false
	}
	switch request.Status {
	case pgbp.Authorizing, pgbp.Granted, pgbp.Settled:
		return true
	}
	return false
}

// ProcessAuthGranted submits the payment approved by the requester
// and schedules polling of its status.
func (h *Handler) ProcessAuthGranted(ctx context.Context, event pgbp.Event) error {
	requestId := event.RequestId
	h.logger.Info("AuthGranted event", slog.String("reqId", requestId))

	var payload pgbp.AuthGrantedPayload
	if err := h.keys.Encryption.DecryptData(event.EncryptedData, &payload); err != nil {
		return fmt.Errorf("%w: could not decrypt auth granted payload: %v", ErrInvalidEvent, err)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	ongoing := h.ongoing(requestId)
	if ongoing == nil {
		return fmt.Errorf("%w for request '%v'", ErrUnknownRequest, requestId)
	}

	granted := &bank.PaymentAuthGranted{
		RequestId:   requestId,
		ConsentId:   ongoing.consentId,
		ConsentCode: payload.ConsentCode,
	}

	bankCtx, cancel := context.WithTimeout(ctx, h.bankTimeout)
	defer cancel()

	payment, err := h.bankClient.SubmitPayment(bankCtx, granted, ongoing.paymentAuthRequest, &h.beneficiary)
	if err != nil {
		return fmt.Errorf("could not submit payment: %v", err)
	}
	h.logger.Info("payment submitted", slog.String("reqId", requestId), slog.String("paymentId", payment.PaymentId))

	if !h.scheduler.SchedulePayment(payment) {
		h.logger.Error("duplicate payment request",
			slog.String("reqId", requestId), slog.String("paymentId", payment.PaymentId))
	}

	h.logger.Info("AuthGranted processed", slog.String("reqId", requestId))
	return nil
}

// ProcessPaymentStatus completes the mint request once its payment settled.
// It returns true when the payment no longer needs to be polled.
func (h *Handler) ProcessPaymentStatus(ctx context.Context, status *bank.PaymentStatusResponse) (bool, error) {
	h.logger.Info("payment status",
		slog.String("reqId", status.RequestId),
		slog.String("paymentId", status.PaymentId),
		slog.Bool("settled", status.Settled))

	if !status.Settled {
		return false, nil
	}

	res, err := client.PostPaymentComplete(h.mintURL, h.keys.Identity, status.RequestId)
	if err != nil {
		var protocolErr pgbp.Error
		if errors.As(err, &protocolErr) {
			// the mint will never accept completing this request
			h.forget(status.RequestId)
			return true, fmt.Errorf("mint rejected PaymentComplete: %w", err)
		}
		return false, fmt.Errorf("error calling PaymentComplete: %w", err)
	}
	h.forget(status.RequestId)

	h.logger.Info("PaymentComplete call",
		slog.String("reqId", status.RequestId),
		slog.String("paymentId", status.PaymentId),
		slog.String("minted", res.Minted))
	return true, nil
}

func (h *Handler) ongoing(requestId string) *ongoingRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache[requestId]
}

func (h *Handler) forget(requestId string) {
	h.mu.Lock()
	delete(h.cache, requestId)
	h.mu.Unlock()
}

// redact keeps the last 4 characters.
func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
