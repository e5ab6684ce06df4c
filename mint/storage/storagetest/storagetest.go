// Package storagetest has the tests every storage.MintDB implementation must pass.
package storagetest

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/elnosh/provablegbp/mint/storage"
	"github.com/elnosh/provablegbp/pgbp"
	"github.com/holiman/uint256"
)

func NewMintRequest(id, requester string, amount uint64) storage.MintRequest {
	now := time.Now()
	return storage.MintRequest{
		Id:         id,
		Requester:  requester,
		Amount:     uint256.NewInt(amount),
		Expiration: now.Add(time.Hour).Unix(),
		Status:     pgbp.Requested,
		CreatedAt:  now.Unix(),
		Seq:        1,
	}
}

func MintRequestEvent(request storage.MintRequest) pgbp.Event {
	return pgbp.Event{
		Kind:          pgbp.MintRequestEvent,
		RequestId:     request.Id,
		Requester:     request.Requester,
		Amount:        request.Amount.Dec(),
		Expiration:    request.Expiration,
		EncryptedData: []byte(`{"version":"x25519-xsalsa20-poly1305"}`),
		Timestamp:     request.CreatedAt,
	}
}

// RunMintDBTests runs the suite against a fresh db returned by newDB for each test.
func RunMintDBTests(t *testing.T, newDB func(t *testing.T) storage.MintDB) {
	t.Run("MintRequestLifecycle", func(t *testing.T) { testMintRequestLifecycle(t, newDB(t)) })
	t.Run("DuplicateMintRequest", func(t *testing.T) { testDuplicateMintRequest(t, newDB(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newDB(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newDB(t)) })
	t.Run("Balances", func(t *testing.T) { testBalances(t, newDB(t)) })
	t.Run("SupplyOverflow", func(t *testing.T) { testSupplyOverflow(t, newDB(t)) })
	t.Run("Paused", func(t *testing.T) { testPaused(t, newDB(t)) })
	t.Run("RequestSeq", func(t *testing.T) { testRequestSeq(t, newDB(t)) })
}

func testMintRequestLifecycle(t *testing.T, db storage.MintDB) {
	request := NewMintRequest("0x01", "02aa", 100)

	saved, err := db.SaveMintRequest(request, MintRequestEvent(request))
	if err != nil {
		t.Fatalf("error saving mint request: %v", err)
	}
	if saved.Seq == 0 {
		t.Fatal("expected event seq to be assigned")
	}

	stored, err := db.GetMintRequest(request.Id)
	if err != nil {
		t.Fatalf("error getting mint request: %v", err)
	}
	if stored.Id != request.Id || stored.Requester != request.Requester ||
		!stored.Amount.Eq(request.Amount) || stored.Expiration != request.Expiration ||
		stored.Status != pgbp.Requested || stored.CreatedAt != request.CreatedAt || stored.Seq != request.Seq {
		t.Fatalf("stored request '%+v' does not match saved '%+v'", stored, request)
	}

	transitions := []struct {
		from pgbp.Status
		to   pgbp.Status
		kind pgbp.EventKind
	}{
		{from: pgbp.Requested, to: pgbp.Authorizing, kind: pgbp.AuthRequestEvent},
		{from: pgbp.Authorizing, to: pgbp.Granted, kind: pgbp.AuthGrantedEvent},
	}
	lastSeq := saved.Seq
	for _, transition := range transitions {
		event := pgbp.Event{Kind: transition.kind, RequestId: request.Id, Requester: request.Requester}
		appended, err := db.UpdateMintRequestStatus(request.Id, transition.from, transition.to, event)
		if err != nil {
			t.Fatalf("error updating status to %v: %v", transition.to, err)
		}
		if appended.Seq <= lastSeq {
			t.Fatalf("expected increasing seq but got %v after %v", appended.Seq, lastSeq)
		}
		lastSeq = appended.Seq

		stored, _ := db.GetMintRequest(request.Id)
		if stored.Status != transition.to {
			t.Fatalf("expected status %v but got %v", transition.to, stored.Status)
		}
	}

	// replayed transition is rejected
	event := pgbp.Event{Kind: pgbp.AuthGrantedEvent, RequestId: request.Id, Requester: request.Requester}
	if _, err := db.UpdateMintRequestStatus(request.Id, pgbp.Authorizing, pgbp.Granted, event); !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrStatusConflict, err)
	}

	minted := uint256.NewInt(95)
	completeEvent := pgbp.Event{
		Kind:      pgbp.PaymentCompleteEvent,
		RequestId: request.Id,
		Requester: request.Requester,
		Amount:    minted.Dec(),
	}
	if _, err := db.SettleMintRequest(request.Id, request.Requester, minted, completeEvent); err != nil {
		t.Fatalf("error settling mint request: %v", err)
	}

	stored, _ = db.GetMintRequest(request.Id)
	if stored.Status != pgbp.Settled {
		t.Fatalf("expected status %v but got %v", pgbp.Settled, stored.Status)
	}
	if !stored.Amount.Eq(request.Amount) || stored.Requester != request.Requester {
		t.Fatal("amount and requester should not change")
	}

	balance, _ := db.GetBalance(request.Requester)
	if !balance.Eq(minted) {
		t.Fatalf("expected balance %v but got %v", minted.Dec(), balance.Dec())
	}

	// settling twice does not credit twice
	if _, err := db.SettleMintRequest(request.Id, request.Requester, minted, completeEvent); !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrStatusConflict, err)
	}
	balance, _ = db.GetBalance(request.Requester)
	if !balance.Eq(minted) {
		t.Fatalf("expected balance %v after replay but got %v", minted.Dec(), balance.Dec())
	}

	events, _ := db.GetEvents(pgbp.EventFilter{RequestId: request.Id})
	if len(events) != 4 {
		t.Fatalf("expected 4 events but got %v", len(events))
	}
}

func testDuplicateMintRequest(t *testing.T, db storage.MintDB) {
	request := NewMintRequest("0x02", "02aa", 100)
	if _, err := db.SaveMintRequest(request, MintRequestEvent(request)); err != nil {
		t.Fatalf("error saving mint request: %v", err)
	}

	duplicate := NewMintRequest("0x02", "02bb", 500)
	if _, err := db.SaveMintRequest(duplicate, MintRequestEvent(duplicate)); !errors.Is(err, storage.ErrMintRequestExists) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrMintRequestExists, err)
	}

	stored, _ := db.GetMintRequest("0x02")
	if stored.Requester != "02aa" {
		t.Fatal("duplicate should not overwrite existing request")
	}
	events, _ := db.GetEvents(pgbp.EventFilter{RequestId: "0x02"})
	if len(events) != 1 {
		t.Fatalf("expected 1 event but got %v", len(events))
	}
}

func testNotFound(t *testing.T, db storage.MintDB) {
	if _, err := db.GetMintRequest("0xmissing"); !errors.Is(err, storage.ErrMintRequestNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrMintRequestNotFound, err)
	}

	event := pgbp.Event{Kind: pgbp.AuthRequestEvent, RequestId: "0xmissing"}
	_, err := db.UpdateMintRequestStatus("0xmissing", pgbp.Requested, pgbp.Authorizing, event)
	if !errors.Is(err, storage.ErrMintRequestNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrMintRequestNotFound, err)
	}

	events, _ := db.GetEvents(pgbp.EventFilter{})
	if len(events) != 0 {
		t.Fatalf("expected no events but got %v", len(events))
	}
}

func testEvents(t *testing.T, db storage.MintDB) {
	requesters := []string{"02aa", "02bb"}
	for i := 0; i < 10; i++ {
		request := NewMintRequest(fmt.Sprintf("0x%02d", i), requesters[i%2], uint64(i+1))
		if _, err := db.SaveMintRequest(request, MintRequestEvent(request)); err != nil {
			t.Fatalf("error saving mint request: %v", err)
		}
	}
	event := pgbp.Event{Kind: pgbp.AuthRequestEvent, RequestId: "0x00", Requester: "02aa", EncryptedData: []byte("challenge")}
	if _, err := db.UpdateMintRequestStatus("0x00", pgbp.Requested, pgbp.Authorizing, event); err != nil {
		t.Fatalf("error updating status: %v", err)
	}

	all, err := db.GetEvents(pgbp.EventFilter{})
	if err != nil {
		t.Fatalf("error getting events: %v", err)
	}
	if len(all) != 11 {
		t.Fatalf("expected 11 events but got %v", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Fatal("events are not ordered by increasing seq")
		}
	}
	last := all[len(all)-1]
	if last.Kind != pgbp.AuthRequestEvent || string(last.EncryptedData) != "challenge" {
		t.Fatalf("unexpected last event '%+v'", last)
	}
	if all[0].Amount != "1" || all[0].Expiration == 0 {
		t.Fatalf("mint request event fields not stored '%+v'", all[0])
	}

	tests := []struct {
		filter   pgbp.EventFilter
		expected int
	}{
		{filter: pgbp.EventFilter{Requester: "02aa"}, expected: 6},
		{filter: pgbp.EventFilter{Requester: "02bb"}, expected: 5},
		{filter: pgbp.EventFilter{RequestId: "0x00"}, expected: 2},
		{filter: pgbp.EventFilter{Kinds: []pgbp.EventKind{pgbp.AuthRequestEvent}}, expected: 1},
		{filter: pgbp.EventFilter{FromSeq: all[5].Seq}, expected: 6},
		{filter: pgbp.EventFilter{Limit: 3}, expected: 3},
		{filter: pgbp.EventFilter{Requester: "02aa", FromSeq: all[5].Seq, Limit: 2}, expected: 2},
		{filter: pgbp.EventFilter{Requester: "02cc"}, expected: 0},
	}

	for i, test := range tests {
		events, err := db.GetEvents(test.filter)
		if err != nil {
			t.Fatalf("test %v: error getting events: %v", i, err)
		}
		if len(events) != test.expected {
			t.Fatalf("test %v: expected %v events but got %v", i, test.expected, len(events))
		}
		for _, event := range events {
			if !test.filter.Match(event) {
				t.Fatalf("test %v: event '%+v' does not match filter", i, event)
			}
		}
	}
}

func testBalances(t *testing.T, db storage.MintDB) {
	balance, err := db.GetBalance("02aa")
	if err != nil {
		t.Fatalf("error getting balance: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("expected zero balance but got %v", balance.Dec())
	}
	supply, _ := db.GetTotalSupply()
	if !supply.IsZero() {
		t.Fatalf("expected zero supply but got %v", supply.Dec())
	}

	for i, requester := range []string{"02aa", "02aa", "02bb"} {
		id := fmt.Sprintf("0xb%d", i)
		settleRequest(t, db, id, requester, 10)
	}

	expected := map[string]uint64{"02aa": 20, "02bb": 10, "02cc": 0}
	for account, amount := range expected {
		balance, _ := db.GetBalance(account)
		if !balance.Eq(uint256.NewInt(amount)) {
			t.Fatalf("expected balance %v for %v but got %v", amount, account, balance.Dec())
		}
	}
	supply, _ = db.GetTotalSupply()
	if !supply.Eq(uint256.NewInt(30)) {
		t.Fatalf("expected supply 30 but got %v", supply.Dec())
	}
}

func testSupplyOverflow(t *testing.T, db storage.MintDB) {
	maxUint256 := new(uint256.Int).SetAllOne()
	request := NewMintRequest("0xo1", "02aa", 1)
	request.Amount = maxUint256
	advanceToGranted(t, db, request)
	event := pgbp.Event{Kind: pgbp.PaymentCompleteEvent, RequestId: request.Id, Requester: request.Requester}
	if _, err := db.SettleMintRequest(request.Id, request.Requester, maxUint256, event); err != nil {
		t.Fatalf("error settling: %v", err)
	}

	request2 := NewMintRequest("0xo2", "02bb", 1)
	advanceToGranted(t, db, request2)
	_, err := db.SettleMintRequest(request2.Id, request2.Requester, uint256.NewInt(1), event)
	if !errors.Is(err, storage.ErrSupplyOverflow) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrSupplyOverflow, err)
	}

	// nothing was applied
	stored, _ := db.GetMintRequest(request2.Id)
	if stored.Status != pgbp.Granted {
		t.Fatalf("expected status %v but got %v", pgbp.Granted, stored.Status)
	}
	balance, _ := db.GetBalance(request2.Requester)
	if !balance.IsZero() {
		t.Fatalf("expected zero balance but got %v", balance.Dec())
	}
}

func testPaused(t *testing.T, db storage.MintDB) {
	paused, err := db.GetPaused()
	if err != nil {
		t.Fatalf("error getting paused: %v", err)
	}
	if paused {
		t.Fatal("expected db to start unpaused")
	}

	if err := db.SetPaused(true); err != nil {
		t.Fatalf("error setting paused: %v", err)
	}
	if paused, _ := db.GetPaused(); !paused {
		t.Fatal("expected paused")
	}

	if err := db.SetPaused(false); err != nil {
		t.Fatalf("error setting paused: %v", err)
	}
	if paused, _ := db.GetPaused(); paused {
		t.Fatal("expected unpaused")
	}
}

func testRequestSeq(t *testing.T, db storage.MintDB) {
	var last uint64
	for i := 0; i < 10; i++ {
		seq, err := db.NextRequestSeq()
		if err != nil {
			t.Fatalf("error getting seq: %v", err)
		}
		if seq <= last {
			t.Fatalf("expected increasing seq but got %v after %v", seq, last)
		}
		last = seq
	}
}

func advanceToGranted(t *testing.T, db storage.MintDB, request storage.MintRequest) {
	if _, err := db.SaveMintRequest(request, MintRequestEvent(request)); err != nil {
		t.Fatalf("error saving mint request: %v", err)
	}
	event := pgbp.Event{RequestId: request.Id, Requester: request.Requester}
	event.Kind = pgbp.AuthRequestEvent
	if _, err := db.UpdateMintRequestStatus(request.Id, pgbp.Requested, pgbp.Authorizing, event); err != nil {
		t.Fatalf("error updating status: %v", err)
	}
	event.Kind = pgbp.AuthGrantedEvent
	if _, err := db.UpdateMintRequestStatus(request.Id, pgbp.Authorizing, pgbp.Granted, event); err != nil {
		t.Fatalf("error updating status: %v", err)
	}
}

func settleRequest(t *testing.T, db storage.MintDB, id, requester string, amount uint64) {
	request := NewMintRequest(id, requester, amount)
	advanceToGranted(t, db, request)
	minted := uint256.NewInt(amount)
	event := pgbp.Event{Kind: pgbp.PaymentCompleteEvent, RequestId: id, Requester: requester, Amount: minted.Dec()}
	if _, err := db.SettleMintRequest(id, requester, minted, event); err != nil {
		t.Fatalf("error settling: %v", err)
	}
}
