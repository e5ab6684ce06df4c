package bank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	pendingStatus  = "AcceptedSettlementInProcess"
	defaultBaseURL = "https://bank.sandbox.local"
)

// Sandbox is an in-process bank. Consents must be approved with
// ApproveConsent and payments settle after a number of status polls.
type Sandbox struct {
	mu sync.Mutex

	baseURL     string
	settleAfter int
	tokens      map[string]struct{}
	consents    map[string]*sandboxConsent
	payments    map[string]*sandboxPayment

	logger *slog.Logger
}

type sandboxConsent struct {
	requestId   string
	amount      string
	payer       AccountDetails
	beneficiary AccountDetails
	code        string
	used        bool
}

type sandboxPayment struct {
	requestId string
	amount    string
	polls     int
}

// NewSandbox returns a sandbox bank whose payments settle on the
// settleAfter-th status poll. A value below 1 settles on the first poll.
func NewSandbox(baseURL string, settleAfter int, logger *slog.Logger) *Sandbox {
	if len(baseURL) == 0 {
		baseURL = defaultBaseURL
	}
	return &Sandbox{
		baseURL:     baseURL,
		settleAfter: max(settleAfter, 1),
		tokens:      make(map[string]struct{}),
		consents:    make(map[string]*sandboxConsent),
		payments:    make(map[string]*sandboxPayment),
		logger:      logger,
	}
}

func (s *Sandbox) GetPaymentAuthAccessToken(ctx context.Context, requestId string) (*AccessToken, error) {
	if len(requestId) == 0 {
		return nil, ErrMissingRequestId
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("issued sandbox access token", slog.String("requestId", requestId))
	return &AccessToken{Token: token, ExpiresIn: 3600}, nil
}

func (s *Sandbox) CreatePaymentAuthRequest(
	ctx context.Context,
	payer *PaymentAuthRequest,
	access *AccessToken,
	beneficiary *AccountDetails,
) (*PaymentAuthResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if access == nil {
		return nil, ErrInvalidToken
	}
	if _, ok := s.tokens[access.Token]; !ok {
		return nil, ErrInvalidToken
	}
	delete(s.tokens, access.Token)

	consentId := uuid.NewString()
	s.consents[consentId] = &sandboxConsent{
		requestId:   payer.RequestId,
		amount:      payer.Amount,
		payer:       payer.Payer,
		beneficiary: *beneficiary,
	}

	query := url.Values{}
	query.Set("consent_id", consentId)
	query.Set("institution", payer.InstitutionId)
	authURL := fmt.Sprintf("%s/authorize?%s", s.baseURL, query.Encode())

	s.logger.Info("created sandbox payment consent",
		slog.String("requestId", payer.RequestId), slog.String("consentId", consentId))

	return &PaymentAuthResponse{RequestId: payer.RequestId, Url: authURL, ConsentId: consentId}, nil
}

// ApproveConsent simulates the payer approving the consent at the bank
// and returns the code the bank would redirect them with.
func (s *Sandbox) ApproveConsent(consentId string) (*PaymentAuthGranted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consent, ok := s.consents[consentId]
	if !ok {
		return nil, ErrConsentNotFound
	}
	if len(consent.code) == 0 {
		consent.code = uuid.NewString()
	}

	return &PaymentAuthGranted{
		ConsentId:   consentId,
		RequestId:   consent.requestId,
		ConsentCode: consent.code,
	}, nil
}

func (s *Sandbox) SubmitPayment(
	ctx context.Context,
	data *PaymentAuthGranted,
	payer *PaymentAuthRequest,
	beneficiary *AccountDetails,
) (*SubmitPaymentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consent, ok := s.consents[data.ConsentId]
	if !ok {
		return nil, ErrConsentNotFound
	}
	if len(consent.code) == 0 {
		return nil, ErrConsentNotGiven
	}
	if consent.code != data.ConsentCode {
		return nil, ErrInvalidCode
	}
	if consent.used {
		return nil, ErrConsentUsed
	}
	consent.used = true

	paymentId := uuid.NewString()
	s.payments[paymentId] = &sandboxPayment{requestId: consent.requestId, amount: consent.amount}

	s.logger.Info("submitted sandbox payment",
		slog.String("requestId", consent.requestId), slog.String("paymentId", paymentId))

	return &SubmitPaymentResponse{
		RequestId:    data.RequestId,
		ConsentCode:  data.ConsentCode,
		ConsentToken: uuid.NewString(),
		PaymentId:    paymentId,
	}, nil
}

func (s *Sandbox) GetPaymentStatus(ctx context.Context, data *SubmitPaymentResponse) (*PaymentStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, ok := s.payments[data.PaymentId]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	payment.polls++

	status := pendingStatus
	if payment.polls >= s.settleAfter {
		status = SettledStatus
	}

	return &PaymentStatusResponse{
		RequestId: data.RequestId,
		PaymentId: data.PaymentId,
		Status:    status,
		Settled:   status == SettledStatus,
	}, nil
}

// Handler serves the consent page linked from the authorization url.
// Visiting it approves the consent and returns the consent code
// the payer hands back to the mint in AuthGranted.
func (s *Sandbox) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/authorize", s.authorize).Methods(http.MethodGet)
	return r
}

type consentPage struct {
	ConsentId   string `json:"consentId"`
	RequestId   string `json:"requestId"`
	ConsentCode string `json:"consentCode"`
}

func (s *Sandbox) authorize(rw http.ResponseWriter, req *http.Request) {
	consentId := req.URL.Query().Get("consent_id")
	granted, err := s.ApproveConsent(consentId)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusNotFound)
		return
	}

	s.logger.Info("sandbox consent approved", slog.String("consentId", consentId))

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(consentPage{
		ConsentId:   granted.ConsentId,
		RequestId:   granted.RequestId,
		ConsentCode: granted.ConsentCode,
	})
}
