package bolt

import (
	"testing"

	"github.com/elnosh/provablegbp/mint/storage"
	"github.com/elnosh/provablegbp/mint/storage/storagetest"
	"github.com/elnosh/provablegbp/pgbp"
)

func TestMintDB(t *testing.T) {
	storagetest.RunMintDBTests(t, func(t *testing.T) storage.MintDB {
		db, err := InitBolt(t.TempDir())
		if err != nil {
			t.Fatalf("error initializing bolt db: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	})
}

func TestEventEncryptedDataRoundTrip(t *testing.T) {
	db, err := InitBolt(t.TempDir())
	if err != nil {
		t.Fatalf("error initializing bolt db: %v", err)
	}
	defer db.Close()

	request := storagetest.NewMintRequest("0xdata", "02aa", 100)
	event := storagetest.MintRequestEvent(request)
	if _, err := db.SaveMintRequest(request, event); err != nil {
		t.Fatalf("error saving mint request: %v", err)
	}

	events, err := db.GetEvents(pgbp.EventFilter{RequestId: "0xdata"})
	if err != nil {
		t.Fatalf("error getting events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event but got %v", len(events))
	}
	if string(events[0].EncryptedData) != string(event.EncryptedData) {
		t.Fatalf("expected encrypted data '%s' but got '%s'", event.EncryptedData, events[0].EncryptedData)
	}
	if events[0].Kind != pgbp.MintRequestEvent || events[0].Amount != "100" {
		t.Fatalf("unexpected event '%+v'", events[0])
	}
}

func TestReopen(t *testing.T) {
	path := t.TempDir()
	db, err := InitBolt(path)
	if err != nil {
		t.Fatalf("error initializing bolt db: %v", err)
	}
	request := storagetest.NewMintRequest("0xreopen", "02aa", 100)
	if _, err := db.SaveMintRequest(request, storagetest.MintRequestEvent(request)); err != nil {
		t.Fatalf("error saving mint request: %v", err)
	}
	seq, _ := db.NextRequestSeq()
	db.Close()

	db, err = InitBolt(path)
	if err != nil {
		t.Fatalf("error reopening bolt db: %v", err)
	}
	defer db.Close()

	if _, err := db.GetMintRequest("0xreopen"); err != nil {
		t.Fatalf("error getting mint request after reopen: %v", err)
	}
	next, _ := db.NextRequestSeq()
	if next <= seq {
		t.Fatalf("expected seq to keep increasing after reopen, got %v after %v", next, seq)
	}
}
