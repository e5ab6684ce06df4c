package storage

import (
	"errors"

	"github.com/elnosh/provablegbp/pgbp"
	"github.com/holiman/uint256"
)

var (
	ErrMintRequestNotFound = errors.New("mint request not found")
	ErrMintRequestExists   = errors.New("mint request already exists")
	// returned when the stored status does not match the expected prior status
	ErrStatusConflict = errors.New("mint request status changed")
	ErrSupplyOverflow = errors.New("total supply overflow")
)

// MintDB persists mint requests, the event log, balances and the pause flag.
// Every method that takes an event applies the record change and the
// event append atomically. The event Seq is assigned by the store.
type MintDB interface {
	// NextRequestSeq returns a sequence number that was never returned before.
	NextRequestSeq() (uint64, error)

	SaveMintRequest(request MintRequest, event pgbp.Event) (pgbp.Event, error)
	GetMintRequest(id string) (MintRequest, error)
	UpdateMintRequestStatus(id string, from, to pgbp.Status, event pgbp.Event) (pgbp.Event, error)
	// SettleMintRequest moves the request from Granted to Settled
	// and credits minted to account, raising the total supply.
	SettleMintRequest(id, account string, minted *uint256.Int, event pgbp.Event) (pgbp.Event, error)

	GetEvents(filter pgbp.EventFilter) ([]pgbp.Event, error)

	GetBalance(account string) (*uint256.Int, error)
	GetTotalSupply() (*uint256.Int, error)

	SetPaused(paused bool) error
	GetPaused() (bool, error)

	Close() error
}

type MintRequest struct {
	Id        string
	Requester string
	Amount    *uint256.Int
	// unix seconds
	Expiration int64
	Status     pgbp.Status
	CreatedAt  int64
	Seq        uint64
}
