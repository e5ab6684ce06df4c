package bolt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/elnosh/provablegbp/mint/storage"
	"github.com/elnosh/provablegbp/pgbp"
	"github.com/fxamacker/cbor/v2"
	"github.com/holiman/uint256"
	bolt "go.etcd.io/bbolt"
)

const (
	mintRequestsBucket = "mint_requests"
	eventsBucket       = "events"
	balancesBucket     = "balances"
	stateBucket        = "state"
)

var (
	requestSeqKey  = []byte("request_seq")
	totalSupplyKey = []byte("total_supply")
	pausedKey      = []byte("paused")
)

type BoltDB struct {
	bolt *bolt.DB
}

// mintRequest is the stored form of storage.MintRequest
type mintRequest struct {
	Id         string `cbor:"1,keyasint"`
	Requester  string `cbor:"2,keyasint"`
	Amount     []byte `cbor:"3,keyasint"`
	Expiration int64  `cbor:"4,keyasint"`
	Status     int    `cbor:"5,keyasint"`
	CreatedAt  int64  `cbor:"6,keyasint"`
	Seq        uint64 `cbor:"7,keyasint"`
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "mint.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initMintBuckets(); err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initMintBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{mintRequestsBucket, eventsBucket, balancesBucket, stateBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) NextRequestSeq() (uint64, error) {
	var seq uint64
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		state := tx.Bucket([]byte(stateBucket))
		if current := state.Get(requestSeqKey); current != nil {
			seq = binary.BigEndian.Uint64(current)
		}
		seq++
		return state.Put(requestSeqKey, binary.BigEndian.AppendUint64(nil, seq))
	})
	return seq, err
}

func (db *BoltDB) SaveMintRequest(request storage.MintRequest, event pgbp.Event) (pgbp.Event, error) {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		requests := tx.Bucket([]byte(mintRequestsBucket))
		if requests.Get([]byte(request.Id)) != nil {
			return storage.ErrMintRequestExists
		}

		if err := putMintRequest(requests, request); err != nil {
			return err
		}

		var err error
		event, err = appendEvent(tx, event)
		return err
	})
	if err != nil {
		return pgbp.Event{}, err
	}
	return event, nil
}

func (db *BoltDB) GetMintRequest(id string) (storage.MintRequest, error) {
	var request storage.MintRequest
	err := db.bolt.View(func(tx *bolt.Tx) error {
		var err error
		request, err = getMintRequest(tx.Bucket([]byte(mintRequestsBucket)), id)
		return err
	})
	return request, err
}

func (db *BoltDB) UpdateMintRequestStatus(
	id string,
	from, to pgbp.Status,
	event pgbp.Event,
) (pgbp.Event, error) {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		if err := updateStatus(tx, id, from, to); err != nil {
			return err
		}
		var err error
		event, err = appendEvent(tx, event)
		return err
	})
	if err != nil {
		return pgbp.Event{}, err
	}
	return event, nil
}

func (db *BoltDB) SettleMintRequest(
	id, account string,
	minted *uint256.Int,
	event pgbp.Event,
) (pgbp.Event, error) {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		if err := updateStatus(tx, id, pgbp.Granted, pgbp.Settled); err != nil {
			return err
		}

		state := tx.Bucket([]byte(stateBucket))
		supply := new(uint256.Int).SetBytes(state.Get(totalSupplyKey))
		newSupply, overflow := new(uint256.Int).AddOverflow(supply, minted)
		if overflow {
			return storage.ErrSupplyOverflow
		}
		if err := state.Put(totalSupplyKey, newSupply.Bytes()); err != nil {
			return err
		}

		balances := tx.Bucket([]byte(balancesBucket))
		balance := new(uint256.Int).SetBytes(balances.Get([]byte(account)))
		newBalance := new(uint256.Int).Add(balance, minted)
		if err := balances.Put([]byte(account), newBalance.Bytes()); err != nil {
			return err
		}

		var err error
		event, err = appendEvent(tx, event)
		return err
	})
	if err != nil {
		return pgbp.Event{}, err
	}
	return event, nil
}

func (db *BoltDB) GetEvents(filter pgbp.EventFilter) ([]pgbp.Event, error) {
	events := []pgbp.Event{}

	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(eventsBucket)).Cursor()

		for k, v := c.Seek(seqKey(filter.FromSeq)); k != nil; k, v = c.Next() {
			var event pgbp.Event
			if err := cbor.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("invalid stored event: %v", err)
			}
			if !filter.Match(event) {
				continue
			}
			events = append(events, event)
			if filter.Full(events) {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return events, nil
}

func (db *BoltDB) GetBalance(account string) (*uint256.Int, error) {
	balance := new(uint256.Int)
	err := db.bolt.View(func(tx *bolt.Tx) error {
		balance.SetBytes(tx.Bucket([]byte(balancesBucket)).Get([]byte(account)))
		return nil
	})
	return balance, err
}

func (db *BoltDB) GetTotalSupply() (*uint256.Int, error) {
	supply := new(uint256.Int)
	err := db.bolt.View(func(tx *bolt.Tx) error {
		supply.SetBytes(tx.Bucket([]byte(stateBucket)).Get(totalSupplyKey))
		return nil
	})
	return supply, err
}

func (db *BoltDB) SetPaused(paused bool) error {
	value := []byte{0}
	if paused {
		value[0] = 1
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(stateBucket)).Put(pausedKey, value)
	})
}

func (db *BoltDB) GetPaused() (bool, error) {
	var paused bool
	err := db.bolt.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(stateBucket)).Get(pausedKey)
		paused = len(value) == 1 && value[0] == 1
		return nil
	})
	return paused, err
}

func updateStatus(tx *bolt.Tx, id string, from, to pgbp.Status) error {
	requests := tx.Bucket([]byte(mintRequestsBucket))
	request, err := getMintRequest(requests, id)
	if err != nil {
		return err
	}
	if request.Status != from {
		return storage.ErrStatusConflict
	}
	request.Status = to
	return putMintRequest(requests, request)
}

func getMintRequest(requests *bolt.Bucket, id string) (storage.MintRequest, error) {
	requestBytes := requests.Get([]byte(id))
	if requestBytes == nil {
		return storage.MintRequest{}, storage.ErrMintRequestNotFound
	}

	var stored mintRequest
	if err := cbor.Unmarshal(requestBytes, &stored); err != nil {
		return storage.MintRequest{}, fmt.Errorf("invalid stored mint request: %v", err)
	}

	return storage.MintRequest{
		Id:         stored.Id,
		Requester:  stored.Requester,
		Amount:     new(uint256.Int).SetBytes(stored.Amount),
		Expiration: stored.Expiration,
		Status:     pgbp.Status(stored.Status),
		CreatedAt:  stored.CreatedAt,
		Seq:        stored.Seq,
	}, nil
}

func putMintRequest(requests *bolt.Bucket, request storage.MintRequest) error {
	if request.Amount == nil {
		return errors.New("mint request amount cannot be nil")
	}
	stored := mintRequest{
		Id:         request.Id,
		Requester:  request.Requester,
		Amount:     request.Amount.Bytes(),
		Expiration: request.Expiration,
		Status:     int(request.Status),
		CreatedAt:  request.CreatedAt,
		Seq:        request.Seq,
	}

	requestBytes, err := cbor.Marshal(stored)
	if err != nil {
		return err
	}
	return requests.Put([]byte(request.Id), requestBytes)
}

func appendEvent(tx *bolt.Tx, event pgbp.Event) (pgbp.Event, error) {
	events := tx.Bucket([]byte(eventsBucket))
	seq, err := events.NextSequence()
	if err != nil {
		return pgbp.Event{}, err
	}
	event.Seq = seq

	eventBytes, err := cbor.Marshal(event)
	if err != nil {
		return pgbp.Event{}, err
	}
	if err := events.Put(seqKey(seq), eventBytes); err != nil {
		return pgbp.Event{}, err
	}
	return event, nil
}

func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}
