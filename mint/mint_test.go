package mint

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/elnosh/provablegbp/crypto"
	"github.com/elnosh/provablegbp/mint/storage"
	"github.com/elnosh/provablegbp/mint/storage/bolt"
	"github.com/elnosh/provablegbp/mint/storage/sqlite"
	"github.com/elnosh/provablegbp/pgbp"
	"github.com/holiman/uint256"
)

var encryptedData = []byte(`{"version":"x25519-xsalsa20-poly1305","nonce":"","ephemPublicKey":"","ciphertext":""}`)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type testMint struct {
	*Mint
	clock     *testClock
	operator  *crypto.Identity
	requester *crypto.Identity
	other     *crypto.Identity
}

func newIdentity(t *testing.T) *crypto.Identity {
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("error generating identity: %v", err)
	}
	return id
}

func testConfig(t *testing.T, operator *crypto.Identity) Config {
	encryptionKey, err := crypto.GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("error generating encryption key: %v", err)
	}
	ratio, err := NewRatio(95, 100)
	if err != nil {
		t.Fatalf("error creating ratio: %v", err)
	}
	return Config{
		RequestTTL:            time.Hour,
		Ratio:                 ratio,
		Operator:              operator.Id(),
		OperatorEncryptionKey: encryptionKey.PublicKeyBase64(),
		LogLevel:              Disable,
	}
}

func setupTestMint(t *testing.T, db storage.MintDB) *testMint {
	operator := newIdentity(t)
	m, err := newMint(db, testConfig(t, operator), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("error setting up mint: %v", err)
	}

	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	m.now = clock.Now

	return &testMint{
		Mint:      m,
		clock:     clock,
		operator:  operator,
		requester: newIdentity(t),
		other:     newIdentity(t),
	}
}

// backends runs test against a mint backed by each storage implementation.
func backends(t *testing.T, test func(t *testing.T, m *testMint)) {
	t.Run("sqlite", func(t *testing.T) {
		db, err := sqlite.InitSQLite(t.TempDir())
		if err != nil {
			t.Fatalf("error setting up sqlite: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		test(t, setupTestMint(t, db))
	})
	t.Run("bolt", func(t *testing.T) {
		db, err := bolt.InitBolt(t.TempDir())
		if err != nil {
			t.Fatalf("error setting up bolt: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		test(t, setupTestMint(t, db))
	})
}

func (m *testMint) request(t *testing.T, amount uint64) storage.MintRequest {
	request, err := m.MintRequest(m.requester.Id(), uint256.NewInt(amount), encryptedData)
	if err != nil {
		t.Fatalf("unexpected error creating mint request: %v", err)
	}
	return request
}

func (m *testMint) expectStatus(t *testing.T, id string, expected pgbp.Status) {
	t.Helper()
	request, err := m.GetMintRequest(id)
	if err != nil {
		t.Fatalf("unexpected error getting mint request: %v", err)
	}
	if request.Status != expected {
		t.Fatalf("expected status '%v' but got '%v'", expected, request.Status)
	}
}

func expectErr(t *testing.T, err, expected error) {
	t.Helper()
	if !errors.Is(err, expected) {
		t.Fatalf("expected error '%v' but got '%v'", expected, err)
	}
}

func TestMintRequest(t *testing.T) {
	backends(t, func(t *testing.T, m *testMint) {
		ids := make(map[string]bool)
		for i := 0; i < 20; i++ {
			// same requester, same amount, same clock reading
			request := m.request(t, 100)
			if ids[request.Id] {
				t.Fatalf("duplicate request id '%v'", request.Id)
			}
			ids[request.Id] = true

			if request.Requester != m.requester.Id() {
				t.Fatalf("expected requester '%v' but got '%v'", m.requester.Id(), request.Requester)
			}
			expectedExpiration := m.clock.now.Add(time.Hour).Unix()
			if request.Expiration != expectedExpiration {
				t.Fatalf("expected expiration '%v' but got '%v'", expectedExpiration, request.Expiration)
			}
			m.expectStatus(t, request.Id, pgbp.Requested)
		}

		events, err := m.Events(pgbp.EventFilter{Kinds: []pgbp.EventKind{pgbp.MintRequestEvent}})
		if err != nil {
			t.Fatalf("unexpected error getting events: %v", err)
		}
		if len(events) != 20 {
			t.Fatalf("expected 20 events but got %v", len(events))
		}
		if events[0].Amount != "100" || string(events[0].EncryptedData) != string(encryptedData) {
			t.Fatalf("unexpected event content: %+v", events[0])
		}
	})
}

func TestMintRequestInvalid(t *testing.T) {
	backends(t, func(t *testing.T, m *testMint) {
		_, err := m.MintRequest(m.requester.Id(), uint256.NewInt(0), encryptedData)
		expectErr(t, err, pgbp.InvalidAmountErr)

		_, err = m.MintRequest(m.requester.Id(), uint256.NewInt(10), nil)
		expectErr(t, err, pgbp.EmptyPayloadErr)

		_, err = m.MintRequest(m.requester.Id(), uint256.NewInt(10), make([]byte, MaxEncryptedDataSize+1))
		expectErr(t, err, pgbp.PayloadTooLargeErr)

		// the operator cannot request mints for itself
		_, err = m.MintRequest(m.operator.Id(), uint256.NewInt(10), encryptedData)
		expectErr(t, err, pgbp.UnauthorizedErr)

		events, _ := m.Events(pgbp.EventFilter{})
		if len(events) != 0 {
			t.Fatalf("expected no events but got %v", len(events))
		}
	})
}

func TestSettlementFlow(t *testing.T) {
	backends(t, func(t *testing.T, m *testMint) {
		request := m.request(t, 100)

		authorizing, err := m.AuthRequest(m.operator.Id(), request.Id, encryptedData)
		if err != nil {
			t.Fatalf("unexpected error in auth request: %v", err)
		}
		if authorizing.Status != pgbp.Authorizing {
			t.Fatalf("expected status '%v' but got '%v'", pgbp.Authorizing, authorizing.Status)
		}

		if _, err := m.AuthGranted(m.requester.Id(), request.Id, encryptedData); err != nil {
			t.Fatalf("unexpected error in auth granted: %v", err)
		}
		m.expectStatus(t, request.Id, pgbp.Granted)

		settled, minted, err := m.PaymentComplete(m.operator.Id(), request.Id)
		if err != nil {
			t.Fatalf("unexpected error in payment complete: %v", err)
		}
		if settled.Status != pgbp.Settled {
			t.Fatalf("expected status '%v' but got '%v'", pgbp.Settled, settled.Status)
		}
		if minted.Uint64() != 95 {
			t.Fatalf("expected minted amount of 95 but got %v", minted)
		}
		m.expectStatus(t, request.Id, pgbp.Settled)

		balance, err := m.BalanceOf(m.requester.Id())
		if err != nil {
			t.Fatalf("unexpected error getting balance: %v", err)
		}
		if balance.Uint64() != 95 {
			t.Fatalf("expected balance of 95 but got %v", balance)
		}
		supply, _ := m.TotalSupply()
		if supply.Uint64() != 95 {
			t.Fatalf("expected total supply of 95 but got %v", supply)
		}

		events, err := m.Events(pgbp.EventFilter{RequestId: request.Id})
		if err != nil {
			t.Fatalf("unexpected error getting events: %v", err)
		}
		expectedKinds := []pgbp.EventKind{
			pgbp.MintRequestEvent,
			pgbp.AuthRequestEvent,
			pgbp.AuthGrantedEvent,
			pgbp.PaymentCompleteEvent,
		}
		if len(events) != len(expectedKinds) {
			t.Fatalf("expected %v events but got %v", len(expectedKinds), len(events))
		}
		for i, event := range events {
			if event.Kind != expectedKinds[i] {
				t.Fatalf("expected event %v to be '%v' but got '%v'", i, expectedKinds[i], event.Kind)
			}
			if event.Requester != m.requester.Id() {
				t.Fatalf("expected event requester '%v' but got '%v'", m.requester.Id(), event.Requester)
			}
		}
		if events[3].Amount != "95" || len(events[3].EncryptedData) != 0 {
			t.Fatalf("unexpected payment complete event: %+v", events[3])
		}

		// settled requests stay settled after expiration
		m.clock.advance(2 * time.Hour)
		m.expectStatus(t, request.Id, pgbp.Settled)
	})
}

func TestOutOfOrderTransitions(t *testing.T) {
	backends(t, func(t *testing.T, m *testMint) {
		request := m.request(t, 100)

		_, err := m.AuthGranted(m.requester.Id(), request.Id, encryptedData)
		expectErr(t, err, pgbp.InvalidTransitionErr)
		_, _, err = m.PaymentComplete(m.operator.Id(), request.Id)
		expectErr(t, err, pgbp.InvalidTransitionErr)
		m.expectStatus(t, request.Id, pgbp.Requested)

		if _, err := m.AuthRequest(m.operator.Id(), request.Id, encryptedData); err != nil {
			t.Fatalf("unexpected error in auth request: %v", err)
		}

		// replayed operation is rejected, not applied twice
		_, err = m.AuthRequest(m.operator.Id(), request.Id, encryptedData)
		expectErr(t, err, pgbp.InvalidTransitionErr)
		_, _, err = m.PaymentComplete(m.operator.Id(), request.Id)
		expectErr(t, err, pgbp.InvalidTransitionErr)
		m.expectStatus(t, request.Id, pgbp.Authorizing)

		if _, err := m.AuthGranted(m.requester.Id(), request.Id, encryptedData); err != nil {
			t.Fatalf("unexpected error in auth granted: %v", err)
		}
		if _, _, err := m.PaymentComplete(m.operator.Id(), request.Id); err != nil {
			t.Fatalf("unexpected error in payment complete: %v", err)
		}

		_, _, err = m.PaymentComplete(m.operator.Id(), request.Id)
		expectErr(t, err, pgbp.InvalidTransitionErr)
		_, err = m.AuthGranted(m.requester.Id(), request.Id, encryptedData)
		expectErr(t, err, pgbp.InvalidTransitionErr)

		balance, _ := m.BalanceOf(m.requester.Id())
		if balance.Uint64() != 95 {
			t.Fatalf("expected balance of 95 after replays but got %v", balance)
		}

		events, _ := m.Events(pgbp.EventFilter{RequestId: request.Id})
		if len(events) != 4 {
			t.Fatalf("expected 4 events but got %v", len(events))
		}
	})
}

func TestRoles(t *testing.T) {
	backends(t, func(t *testing.T, m *testMint) {
		request := m.request(t, 100)

		_, err := m.AuthRequest(m.requester.Id(), request.Id, encryptedData)
		expectErr(t, err, pgbp.UnauthorizedErr)
		_, err = m.AuthRequest(m.other.Id(), request.Id, encryptedData)
		expectErr(t, err, pgbp.UnauthorizedErr)
		m.expectStatus(t, request.Id, pgbp.Requested)

		if _, err := m.AuthRequest(m.operator.Id(), request.Id, encryptedData); err != nil {
			t.Fatalf("unexpected error in auth request: %v", err)
		}

		_, err = m.AuthGranted(m.other.Id(), request.Id, encryptedData)
		expectErr(t, err, pgbp.UnauthorizedErr)
		_, err = m.AuthGranted(m.operator.Id(), request.Id, encryptedData)
		expectErr(t, err, pgbp.UnauthorizedErr)
		m.expectStatus(t, request.Id, pgbp.Authorizing)

		if _, err := m.AuthGranted(m.requester.Id(), request.Id, encryptedData); err != nil {
			t.Fatalf("unexpected error in auth granted: %v", err)
		}

		_, _, err = m.PaymentComplete(m.requester.Id(), request.Id)
		expectErr(t, err, pgbp.UnauthorizedErr)
		m.expectStatus(t, request.Id, pgbp.Granted)
	})
}

func TestExpiration(t *testing.T) {
	backends(t, func(t *testing.T, m *testMint) {
		requested := m.request(t, 100)
		granted := m.request(t, 200)
		if _, err := m.AuthRequest(m.operator.Id(), granted.Id, encryptedData); err != nil {
			t.Fatalf("unexpected error in auth request: %v", err)
		}
		if _, err := m.AuthGranted(m.requester.Id(), granted.Id, encryptedData); err != nil {
			t.Fatalf("unexpected error in auth granted: %v", err)
		}

		// at exactly the expiration the request is still valid
		m.clock.advance(time.Hour)
		m.expectStatus(t, requested.Id, pgbp.Requested)

		m.clock.advance(time.Second)
		m.expectStatus(t, requested.Id, pgbp.Expired)
		m.expectStatus(t, granted.Id, pgbp.Expired)

		_, err := m.AuthRequest(m.operator.Id(), requested.Id, encryptedData)
		expectErr(t, err, pgbp.ExpiredErr)
		// expiration is checked before role and status
		_, err = m.AuthGranted(m.other.Id(), requested.Id, encryptedData)
		expectErr(t, err, pgbp.ExpiredErr)
		_, _, err = m.PaymentComplete(m.operator.Id(), granted.Id)
		expectErr(t, err, pgbp.ExpiredErr)

		balance, _ := m.BalanceOf(m.requester.Id())
		if !balance.IsZero() {
			t.Fatalf("expected zero balance but got %v", balance)
		}
		events, _ := m.Events(pgbp.EventFilter{RequestId: requested.Id})
		if len(events) != 1 {
			t.Fatalf("expected only the mint request event but got %v", len(events))
		}
	})
}

func TestNotFound(t *testing.T) {
	backends(t, func(t *testing.T, m *testMint) {
		_, err := m.GetMintRequest("0xdoesnotexist")
		expectErr(t, err, pgbp.NotFoundErr)

		_, err = m.AuthRequest(m.operator.Id(), "0xdoesnotexist", encryptedData)
		expectErr(t, err, pgbp.NotFoundErr)
		_, err = m.AuthGranted(m.requester.Id(), "0xdoesnotexist", encryptedData)
		expectErr(t, err, pgbp.NotFoundErr)
		_, _, err = m.PaymentComplete(m.operator.Id(), "0xdoesnotexist")
		expectErr(t, err, pgbp.NotFoundErr)
	})
}

func TestPause(t *testing.T) {
	backends(t, func(t *testing.T, m *testMint) {
		request := m.request(t, 100)

		expectErr(t, m.Pause(m.requester.Id()), pgbp.UnauthorizedErr)
		expectErr(t, m.Unpause(m.operator.Id()), pgbp.NotPausedErr)

		if err := m.Pause(m.operator.Id()); err != nil {
			t.Fatalf("unexpected error pausing: %v", err)
		}
		if !m.Paused() {
			t.Fatal("expected mint to be paused")
		}
		expectErr(t, m.Pause(m.operator.Id()), pgbp.AlreadyPausedErr)

		_, err := m.MintRequest(m.requester.Id(), uint256.NewInt(100), encryptedData)
		expectErr(t, err, pgbp.PausedErr)
		// paused is reported before any other precondition
		_, err = m.MintRequest(m.requester.Id(), uint256.NewInt(0), nil)
		expectErr(t, err, pgbp.PausedErr)
		_, err = m.AuthRequest(m.operator.Id(), request.Id, encryptedData)
		expectErr(t, err, pgbp.PausedErr)
		_, err = m.AuthGranted(m.requester.Id(), request.Id, encryptedData)
		expectErr(t, err, pgbp.PausedErr)
		_, _, err = m.PaymentComplete(m.operator.Id(), request.Id)
		expectErr(t, err, pgbp.PausedErr)

		m.expectStatus(t, request.Id, pgbp.Requested)
		events, _ := m.Events(pgbp.EventFilter{})
		if len(events) != 1 {
			t.Fatalf("expected no new events while paused but got %v", len(events))
		}

		// reads are not affected by pause
		if _, err := m.TotalSupply(); err != nil {
			t.Fatalf("unexpected error reading supply while paused: %v", err)
		}

		expectErr(t, m.Unpause(m.other.Id()), pgbp.UnauthorizedErr)
		if err := m.Unpause(m.operator.Id()); err != nil {
			t.Fatalf("unexpected error unpausing: %v", err)
		}
		if _, err := m.AuthRequest(m.operator.Id(), request.Id, encryptedData); err != nil {
			t.Fatalf("unexpected error after unpause: %v", err)
		}
	})
}

func TestPausePersisted(t *testing.T) {
	path := t.TempDir()
	db, err := bolt.InitBolt(path)
	if err != nil {
		t.Fatalf("error setting up bolt: %v", err)
	}
	m := setupTestMint(t, db)
	if err := m.Pause(m.operator.Id()); err != nil {
		t.Fatalf("unexpected error pausing: %v", err)
	}
	config := testConfig(t, m.operator)
	db.Close()

	db, err = bolt.InitBolt(path)
	if err != nil {
		t.Fatalf("error reopening bolt: %v", err)
	}
	defer db.Close()

	reloaded, err := newMint(db, config, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("error reloading mint: %v", err)
	}
	if !reloaded.Paused() {
		t.Fatal("expected pause to survive a restart")
	}
}

func TestDirectMintDisabled(t *testing.T) {
	backends(t, func(t *testing.T, m *testMint) {
		err := m.Mint.Mint(m.operator.Id(), m.requester.Id(), uint256.NewInt(100))
		expectErr(t, err, pgbp.DirectMintDisabledErr)

		balance, _ := m.BalanceOf(m.requester.Id())
		if !balance.IsZero() {
			t.Fatalf("expected zero balance but got %v", balance)
		}
	})
}

func TestEventsByRequester(t *testing.T) {
	backends(t, func(t *testing.T, m *testMint) {
		first := m.request(t, 100)
		otherRequest, err := m.MintRequest(m.other.Id(), uint256.NewInt(50), encryptedData)
		if err != nil {
			t.Fatalf("unexpected error creating mint request: %v", err)
		}
		if _, err := m.AuthRequest(m.operator.Id(), first.Id, encryptedData); err != nil {
			t.Fatalf("unexpected error in auth request: %v", err)
		}

		events, err := m.Events(pgbp.EventFilter{Requester: m.requester.Id()})
		if err != nil {
			t.Fatalf("unexpected error getting events: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events for requester but got %v", len(events))
		}
		for _, event := range events {
			if event.RequestId != first.Id {
				t.Fatalf("got event for request '%v' of another requester", event.RequestId)
			}
		}

		events, _ = m.Events(pgbp.EventFilter{Requester: m.other.Id()})
		if len(events) != 1 || events[0].RequestId != otherRequest.Id {
			t.Fatalf("unexpected events for other requester: %+v", events)
		}

		// sequence numbers are strictly increasing
		all, _ := m.Events(pgbp.EventFilter{})
		for i := 1; i < len(all); i++ {
			if all[i].Seq <= all[i-1].Seq {
				t.Fatalf("event seq not increasing: %v after %v", all[i].Seq, all[i-1].Seq)
			}
		}
	})
}

func TestRequestId(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	id1 := requestId("02aa", 1, now)
	id2 := requestId("02aa", 2, now)
	id3 := requestId("02bb", 1, now)
	if id1 == id2 || id1 == id3 {
		t.Fatal("expected different ids")
	}
	if id1 != requestId("02aa", 1, now) {
		t.Fatal("expected id to be deterministic")
	}
	// 0x + 32 bytes hex
	if len(id1) != 66 {
		t.Fatalf("expected 66 character id but got %v", len(id1))
	}
}

func TestConfigValidate(t *testing.T) {
	operator := newIdentity(t)

	config := testConfig(t, operator)
	config.RequestTTL = 0
	config.Ratio = Ratio{}
	if err := config.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.RequestTTL != DefaultRequestTTL {
		t.Fatalf("expected default ttl but got %v", config.RequestTTL)
	}
	if config.Ratio.String() != "999/1000" {
		t.Fatalf("expected default ratio but got %v", config.Ratio)
	}

	config = testConfig(t, operator)
	config.Ratio = Ratio{Numerator: uint256.NewInt(101), Denominator: uint256.NewInt(100)}
	expectErr(t, config.validate(), ErrRatioAboveOne)

	config = testConfig(t, operator)
	config.Operator = ""
	expectErr(t, config.validate(), ErrMissingOperator)

	config = testConfig(t, operator)
	config.OperatorEncryptionKey = "not a key"
	if err := config.validate(); err == nil {
		t.Fatal("expected error for invalid encryption key")
	}

	config = testConfig(t, operator)
	config.RequestTTL = -time.Minute
	expectErr(t, config.validate(), ErrInvalidTTL)
}
