package operator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/elnosh/provablegbp/client"
	"github.com/elnosh/provablegbp/crypto"
	"github.com/elnosh/provablegbp/mint"
	"github.com/elnosh/provablegbp/operator/bank"
	"github.com/elnosh/provablegbp/pgbp"
	"github.com/holiman/uint256"
)

const testConfigTOML = `
log_level = "debug"

[mint]
url = "%v"

[bank]
provider = "sandbox"
settle_after = 2

[beneficiary]
sort_code = "600000"
account_number = "87654321"
name = "Issuer Ltd"

[tuning]
event_poll_interval = 5
max_attempts = 2
`

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testSetup struct {
	mintURL      string
	operator     *Operator
	operatorKeys *crypto.Keys
	sandbox      *bank.Sandbox
	requester    *crypto.Keys
}

func newKeys(t *testing.T) *crypto.Keys {
	mnemonic, err := crypto.NewMnemonic()
	if err != nil {
		t.Fatal(err)
	}
	keys, err := crypto.KeysFromMnemonic(mnemonic)
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func setupOperator(t *testing.T, bankClient func(*bank.Sandbox) bank.OpenBankingClient) *testSetup {
	return setupOperatorWithMint(t, bankClient, nil)
}

// setupOperatorWithMint lets wrapMint sit between the operator and the mint.
func setupOperatorWithMint(
	t *testing.T,
	bankClient func(*bank.Sandbox) bank.OpenBankingClient,
	wrapMint func(http.Handler) http.Handler,
) *testSetup {
	operatorKeys := newKeys(t)

	ratio, err := mint.NewRatio(999, 1000)
	if err != nil {
		t.Fatal(err)
	}
	mintConfig := mint.Config{
		MintPath:              t.TempDir(),
		Operator:              operatorKeys.Identity.Id(),
		OperatorEncryptionKey: operatorKeys.Encryption.PublicKeyBase64(),
		Ratio:                 ratio,
		LogLevel:              mint.Disable,
	}
	m, err := mint.LoadMint(mintConfig)
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}
	handler := mint.SetupMintServer(m, mintConfig).Handler()
	if wrapMint != nil {
		handler = wrapMint(handler)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		m.Shutdown()
	})

	config, err := LoadConfigData([]byte(fmtConfig(server.URL)))
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}

	sandbox := bank.NewSandbox("", config.Bank.SettleAfter, discardLogger)
	var bankImpl bank.OpenBankingClient = sandbox
	if bankClient != nil {
		bankImpl = bankClient(sandbox)
	}
	operator, err := NewOperator(config, operatorKeys, bankImpl, discardLogger)
	if err != nil {
		t.Fatalf("error setting up operator: %v", err)
	}
	if err := operator.CheckMint(); err != nil {
		t.Fatalf("unexpected error checking mint: %v", err)
	}

	return &testSetup{
		mintURL:      server.URL,
		operator:     operator,
		operatorKeys: operatorKeys,
		sandbox:      sandbox,
		requester:    newKeys(t),
	}
}

func fmtConfig(mintURL string) string {
	return fmt.Sprintf(testConfigTOML, mintURL)
}

func (s *testSetup) mintRequest(t *testing.T, amount uint64) *pgbp.MintRequestResponse {
	data, err := crypto.EncryptData(s.operatorKeys.Encryption.PublicKeyBase64(), pgbp.MintRequestPayload{
		InstitutionId: "natwest-sandbox",
		SortCode:      "500000",
		AccountNumber: "12345678",
		Name:          "Jane Doe",
		PublicKey:     s.requester.Encryption.PublicKeyBase64(),
	})
	if err != nil {
		t.Fatal(err)
	}
	request, err := client.PostMintRequest(s.mintURL, s.requester.Identity, uint256.NewInt(amount), data)
	if err != nil {
		t.Fatalf("unexpected error in mint request: %v", err)
	}
	return request
}

// grant reads the challenge addressed to the requester, approves
// the consent at the bank and sends the code to the operator.
func (s *testSetup) grant(t *testing.T, requestId string) {
	events, err := client.GetEvents(s.mintURL, pgbp.EventFilter{
		RequestId: requestId,
		Kinds:     []pgbp.EventKind{pgbp.AuthRequestEvent},
	})
	if err != nil {
		t.Fatalf("unexpected error getting events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 auth request event but got %v", len(events))
	}

	var challenge pgbp.AuthRequestPayload
	if err := s.requester.Encryption.DecryptData(events[0].EncryptedData, &challenge); err != nil {
		t.Fatalf("requester could not decrypt challenge: %v", err)
	}
	authURL, err := url.Parse(challenge.Url)
	if err != nil {
		t.Fatalf("invalid challenge url: %v", err)
	}
	if authURL.Query().Get("consent_id") != challenge.ConsentId {
		t.Fatalf("challenge url does not reference consent '%v'", challenge.ConsentId)
	}

	granted, err := s.sandbox.ApproveConsent(challenge.ConsentId)
	if err != nil {
		t.Fatalf("unexpected error approving consent: %v", err)
	}
	data, err := crypto.EncryptData(s.operatorKeys.Encryption.PublicKeyBase64(), pgbp.AuthGrantedPayload{
		ConsentCode: granted.ConsentCode,
		PublicKey:   s.requester.Encryption.PublicKeyBase64(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.PostAuthGranted(s.mintURL, s.requester.Identity, requestId, data); err != nil {
		t.Fatalf("unexpected error in auth granted: %v", err)
	}
}

func expectRequestStatus(t *testing.T, mintURL, id string, expected pgbp.Status) {
	t.Helper()
	request, err := client.GetMintRequest(mintURL, id)
	if err != nil {
		t.Fatalf("unexpected error getting mint request: %v", err)
	}
	if request.Status != expected {
		t.Fatalf("expected status '%v' but got '%v'", expected, request.Status)
	}
}

func TestOperatorSettlementFlow(t *testing.T) {
	s := setupOperator(t, nil)
	eventTask := s.operator.EventTask()
	paymentTask := s.operator.PaymentTask()

	request := s.mintRequest(t, 1000)

	eventTask.FetchAndProcessEvents()
	expectRequestStatus(t, s.mintURL, request.Id, pgbp.Authorizing)

	// running again does not process the request twice
	eventTask.FetchAndProcessEvents()

	s.grant(t, request.Id)
	expectRequestStatus(t, s.mintURL, request.Id, pgbp.Granted)

	eventTask.FetchAndProcessEvents()
	if len(s.operator.handler.scheduler.ScheduledPayments()) != 1 {
		t.Fatal("expected payment to be scheduled")
	}

	// sandbox settles on the second poll
	paymentTask.CheckPaymentStatuses()
	expectRequestStatus(t, s.mintURL, request.Id, pgbp.Granted)

	paymentTask.CheckPaymentStatuses()
	expectRequestStatus(t, s.mintURL, request.Id, pgbp.Settled)

	if len(s.operator.handler.scheduler.ScheduledPayments()) != 0 {
		t.Fatal("expected payment to be unscheduled")
	}

	balance, err := client.GetBalance(s.mintURL, s.requester.Identity.Id())
	if err != nil {
		t.Fatalf("unexpected error getting balance: %v", err)
	}
	if balance.Uint64() != 999 {
		t.Fatalf("expected balance of 999 but got %v", balance)
	}
}

func TestEventTaskSkipsInvalidEvents(t *testing.T) {
	s := setupOperator(t, nil)

	if _, err := client.PostMintRequest(s.mintURL, s.requester.Identity, uint256.NewInt(10), []byte("garbage")); err != nil {
		t.Fatalf("unexpected error in mint request: %v", err)
	}
	valid := s.mintRequest(t, 1000)

	s.operator.EventTask().FetchAndProcessEvents()
	expectRequestStatus(t, s.mintURL, valid.Id, pgbp.Authorizing)

	if next := s.operator.EventTask().NextSeq(); next != 3 {
		t.Fatalf("expected next seq 3 but got %v", next)
	}
}

type flakyBank struct {
	*bank.Sandbox
	failures int
}

func (b *flakyBank) GetPaymentAuthAccessToken(ctx context.Context, requestId string) (*bank.AccessToken, error) {
	if b.failures > 0 {
		b.failures--
		return nil, errors.New("bank unavailable")
	}
	return b.Sandbox.GetPaymentAuthAccessToken(ctx, requestId)
}

func TestEventTaskRetries(t *testing.T) {
	flaky := &flakyBank{failures: 1}
	s := setupOperator(t, func(sandbox *bank.Sandbox) bank.OpenBankingClient {
		flaky.Sandbox = sandbox
		return flaky
	})

	request := s.mintRequest(t, 1000)

	s.operator.EventTask().FetchAndProcessEvents()
	expectRequestStatus(t, s.mintURL, request.Id, pgbp.Requested)
	if next := s.operator.EventTask().NextSeq(); next != 1 {
		t.Fatalf("expected cursor to stay at 1 but got %v", next)
	}

	s.operator.EventTask().FetchAndProcessEvents()
	expectRequestStatus(t, s.mintURL, request.Id, pgbp.Authorizing)
}

func TestEventTaskGivesUp(t *testing.T) {
	flaky := &flakyBank{failures: 10}
	s := setupOperator(t, func(sandbox *bank.Sandbox) bank.OpenBankingClient {
		flaky.Sandbox = sandbox
		return flaky
	})

	s.mintRequest(t, 1000)

	// max_attempts is 2
	s.operator.EventTask().FetchAndProcessEvents()
	s.operator.EventTask().FetchAndProcessEvents()
	if next := s.operator.EventTask().NextSeq(); next != 2 {
		t.Fatalf("expected cursor to move past failing event but got %v", next)
	}
}

// loseResponse lets the first request to path reach the mint but answers
// the caller with a gateway error.
func loseResponse(path string) func(http.Handler) http.Handler {
	var mu sync.Mutex
	lost := false
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			drop := r.URL.Path == path && !lost
			if drop {
				lost = true
			}
			mu.Unlock()

			if drop {
				next.ServeHTTP(httptest.NewRecorder(), r)
				http.Error(w, "bad gateway", http.StatusBadGateway)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func TestAuthRequestResponseLost(t *testing.T) {
	s := setupOperatorWithMint(t, nil, loseResponse("/v1/mint/auth"))
	eventTask := s.operator.EventTask()
	paymentTask := s.operator.PaymentTask()

	request := s.mintRequest(t, 1000)

	// the mint accepted the AuthRequest but the operator saw an error
	eventTask.FetchAndProcessEvents()
	expectRequestStatus(t, s.mintURL, request.Id, pgbp.Authorizing)
	if next := eventTask.NextSeq(); next != 1 {
		t.Fatalf("expected cursor to stay at 1 but got %v", next)
	}

	// the retry finds the request already authorizing and keeps the consent
	eventTask.FetchAndProcessEvents()
	if next := eventTask.NextSeq(); next != 2 {
		t.Fatalf("expected cursor to move past the mint request but got %v", next)
	}

	s.grant(t, request.Id)
	eventTask.FetchAndProcessEvents()
	if len(s.operator.handler.scheduler.ScheduledPayments()) != 1 {
		t.Fatal("expected payment to be scheduled")
	}

	paymentTask.CheckPaymentStatuses()
	paymentTask.CheckPaymentStatuses()
	expectRequestStatus(t, s.mintURL, request.Id, pgbp.Settled)
}

func TestProcessAuthGrantedUnknownRequest(t *testing.T) {
	s := setupOperator(t, nil)

	data, err := crypto.EncryptData(s.operatorKeys.Encryption.PublicKeyBase64(), pgbp.AuthGrantedPayload{ConsentCode: "code"})
	if err != nil {
		t.Fatal(err)
	}
	event := pgbp.Event{Kind: pgbp.AuthGrantedEvent, RequestId: "0xunknown", EncryptedData: data}
	err = s.operator.Handler().ProcessEvent(context.Background(), event)
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected error '%v' but got '%v'", ErrUnknownRequest, err)
	}
}

func TestProcessPaymentStatusRejected(t *testing.T) {
	s := setupOperator(t, nil)
	request := s.mintRequest(t, 1000)

	// payment settled for a request that was never granted
	done, err := s.operator.Handler().ProcessPaymentStatus(context.Background(), &bank.PaymentStatusResponse{
		RequestId: request.Id,
		Settled:   true,
	})
	if !done {
		t.Fatal("expected payment to stop being polled")
	}
	if !errors.Is(err, pgbp.InvalidTransitionErr) {
		t.Fatalf("expected error '%v' but got '%v'", pgbp.InvalidTransitionErr, err)
	}

	done, err = s.operator.Handler().ProcessPaymentStatus(context.Background(), &bank.PaymentStatusResponse{
		RequestId: request.Id,
	})
	if done || err != nil {
		t.Fatalf("expected pending payment to keep being polled: %v %v", done, err)
	}
}

func TestCheckMintMismatch(t *testing.T) {
	s := setupOperator(t, nil)

	other, err := NewOperator(s.operator.config, newKeys(t), s.sandbox, discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.CheckMint(); !errors.Is(err, ErrOperatorMismatch) {
		t.Fatalf("expected error '%v' but got '%v'", ErrOperatorMismatch, err)
	}
}
