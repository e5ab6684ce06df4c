package mint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/elnosh/provablegbp/crypto"
	"github.com/elnosh/provablegbp/mint/pubsub"
	"github.com/elnosh/provablegbp/mint/storage"
	"github.com/elnosh/provablegbp/mint/storage/bolt"
	"github.com/elnosh/provablegbp/mint/storage/sqlite"
	"github.com/elnosh/provablegbp/pgbp"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Mint struct {
	db storage.MintDB

	// serializes every state changing operation and the
	// pause flag reads they depend on
	mu     sync.Mutex
	paused bool

	operator          string
	operatorPublicKey *[crypto.KeySize]byte
	requestTTL        time.Duration
	ratio             Ratio
	now               func() time.Time
	publisher         *pubsub.Feed
	metrics           *metrics
	logger            *slog.Logger
}

func LoadMint(config Config) (*Mint, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	path := config.MintPath
	if len(path) == 0 {
		path = mintPath()
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	logger, err := setupLogger(path, config.LogLevel)
	if err != nil {
		return nil, err
	}

	var db storage.MintDB
	switch config.DBBackend {
	case Bolt:
		db, err = bolt.InitBolt(path)
	default:
		db, err = sqlite.InitSQLite(path)
	}
	if err != nil {
		return nil, fmt.Errorf("error setting up db: %v", err)
	}

	mint, err := newMint(db, config, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	mint.logInfof("mint loaded. operator: %v, request ttl: %v, settlement ratio: %v",
		mint.operator, mint.requestTTL, mint.ratio)

	return mint, nil
}

func newMint(db storage.MintDB, config Config, logger *slog.Logger) (*Mint, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	paused, err := db.GetPaused()
	if err != nil {
		return nil, fmt.Errorf("error reading paused state: %v", err)
	}

	operatorPublicKey, err := crypto.ParsePublicKey(config.OperatorEncryptionKey)
	if err != nil {
		return nil, err
	}

	mint := &Mint{
		db:                db,
		paused:            paused,
		operator:          crypto.NormalizeIdentity(config.Operator),
		operatorPublicKey: operatorPublicKey,
		requestTTL:        config.RequestTTL,
		ratio:             config.Ratio,
		now:               time.Now,
		publisher:         pubsub.NewFeed(),
		metrics:           newMetrics(),
		logger:            logger,
	}
	mint.metrics.setPaused(paused)

	return mint, nil
}

// mintPath returns the mint's path
// at $HOME/.provablegbp/mint
func mintPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".provablegbp", "mint")
	}
	return filepath.Join(homedir, ".provablegbp", "mint")
}

func setupLogger(mintPath string, logLevel LogLevel) (*slog.Logger, error) {
	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	if logLevel == Disable {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	}

	level := slog.LevelInfo
	if logLevel == Debug {
		level = slog.LevelDebug
	}

	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(mintPath, "mint.log"),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
	}
	writer := io.MultiWriter(os.Stdout, logFile)

	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replacer,
	})), nil
}

func (m *Mint) Shutdown() error {
	return m.db.Close()
}

// requestId hashes requester || seq || creation time in nanoseconds.
// seq is never reused so ids cannot collide.
func requestId(requester string, seq uint64, createdAt time.Time) string {
	buf := make([]byte, 0, len(requester)+16)
	buf = append(buf, requester...)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(createdAt.UnixNano()))
	return ethcrypto.Keccak256Hash(buf).Hex()
}

// MintRequest creates a new mint request for caller and broadcasts
// the encrypted payload addressed to the operator.
func (m *Mint) MintRequest(caller string, amount *uint256.Int, encryptedData []byte) (storage.MintRequest, error) {
	caller = crypto.NormalizeIdentity(caller)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return storage.MintRequest{}, pgbp.PausedErr
	}
	if amount == nil || amount.IsZero() {
		return storage.MintRequest{}, pgbp.InvalidAmountErr
	}
	if caller == m.operator {
		return storage.MintRequest{}, pgbp.UnauthorizedErr
	}
	if err := validateEncryptedData(encryptedData); err != nil {
		return storage.MintRequest{}, err
	}

	seq, err := m.db.NextRequestSeq()
	if err != nil {
		errmsg := fmt.Sprintf("error getting request sequence from db: %v", err)
		return storage.MintRequest{}, pgbp.BuildError(errmsg, pgbp.DBErrCode)
	}

	now := m.now()
	request := storage.MintRequest{
		Id:         requestId(caller, seq, now),
		Requester:  caller,
		Amount:     new(uint256.Int).Set(amount),
		Expiration: now.Add(m.requestTTL).Unix(),
		Status:     pgbp.Requested,
		CreatedAt:  now.Unix(),
		Seq:        seq,
	}
	event := pgbp.Event{
		Kind:          pgbp.MintRequestEvent,
		RequestId:     request.Id,
		Requester:     request.Requester,
		Amount:        request.Amount.Dec(),
		Expiration:    request.Expiration,
		EncryptedData: encryptedData,
		Timestamp:     now.Unix(),
	}

	event, err = m.db.SaveMintRequest(request, event)
	if err != nil {
		return storage.MintRequest{}, m.storageError("error saving mint request", err)
	}
	m.publishEvent(event)
	m.metrics.requestCreated(request.Amount)

	m.logInfof("created mint request '%v' for amount %v", request.Id, request.Amount.Dec())
	return request, nil
}

// AuthRequest is called by the operator to send the requester
// the encrypted authorization challenge.
func (m *Mint) AuthRequest(caller, id string, encryptedChallenge []byte) (storage.MintRequest, error) {
	return m.transition(caller, id, operatorRole, pgbp.Requested, pgbp.Authorizing,
		pgbp.AuthRequestEvent, encryptedChallenge)
}

// AuthGranted is called by the requester once the external consent flow completed.
func (m *Mint) AuthGranted(caller, id string, encryptedGrant []byte) (storage.MintRequest, error) {
	return m.transition(caller, id, requesterRole, pgbp.Authorizing, pgbp.Granted,
		pgbp.AuthGrantedEvent, encryptedGrant)
}

// PaymentComplete is called by the operator once the bank payment settled.
// It credits the settled amount to the requester and returns the minted amount.
func (m *Mint) PaymentComplete(caller, id string) (storage.MintRequest, *uint256.Int, error) {
	caller = crypto.NormalizeIdentity(caller)

	m.mu.Lock()
	defer m.mu.Unlock()

	request, err := m.checkTransition(caller, id, operatorRole, pgbp.Granted)
	if err != nil {
		return storage.MintRequest{}, nil, err
	}

	minted, err := m.ratio.Settle(request.Amount)
	if err != nil {
		return storage.MintRequest{}, nil, pgbp.BuildError(err.Error(), pgbp.InvalidAmountErrCode)
	}

	event := pgbp.Event{
		Kind:      pgbp.PaymentCompleteEvent,
		RequestId: request.Id,
		Requester: request.Requester,
		Amount:    minted.Dec(),
		Timestamp: m.now().Unix(),
	}
	event, err = m.db.SettleMintRequest(request.Id, request.Requester, minted, event)
	if err != nil {
		return storage.MintRequest{}, nil, m.storageError("error settling mint request", err)
	}
	m.publishEvent(event)
	m.metrics.requestSettled(minted)

	request.Status = pgbp.Settled
	m.logInfof("mint request '%v' settled. minted %v of requested %v",
		request.Id, minted.Dec(), request.Amount.Dec())

	return request, minted, nil
}

type role int

const (
	operatorRole role = iota
	requesterRole
)

func (m *Mint) transition(
	caller, id string,
	role role,
	from, to pgbp.Status,
	kind pgbp.EventKind,
	encryptedData []byte,
) (storage.MintRequest, error) {
	caller = crypto.NormalizeIdentity(caller)

	m.mu.Lock()
	defer m.mu.Unlock()

	request, err := m.checkTransition(caller, id, role, from)
	if err != nil {
		return storage.MintRequest{}, err
	}
	if err := validateEncryptedData(encryptedData); err != nil {
		return storage.MintRequest{}, err
	}

	event := pgbp.Event{
		Kind:          kind,
		RequestId:     request.Id,
		Requester:     request.Requester,
		EncryptedData: encryptedData,
		Timestamp:     m.now().Unix(),
	}
	event, err = m.db.UpdateMintRequestStatus(request.Id, from, to, event)
	if err != nil {
		return storage.MintRequest{}, m.storageError("error updating mint request", err)
	}
	m.publishEvent(event)
	m.metrics.transition(to)

	request.Status = to
	m.logInfof("mint request '%v' moved from %v to %v", request.Id, from, to)
	return request, nil
}

// checkTransition must be called with m.mu held. Checks run in order:
// paused, exists, expired, role, status.
func (m *Mint) checkTransition(caller, id string, role role, from pgbp.Status) (storage.MintRequest, error) {
	if m.paused {
		return storage.MintRequest{}, pgbp.PausedErr
	}

	request, err := m.db.GetMintRequest(id)
	if err != nil {
		return storage.MintRequest{}, m.storageError("error getting mint request", err)
	}

	if m.expired(request) {
		return storage.MintRequest{}, pgbp.ExpiredErr
	}

	switch role {
	case operatorRole:
		if caller != m.operator {
			return storage.MintRequest{}, pgbp.UnauthorizedErr
		}
	case requesterRole:
		if caller != request.Requester {
			return storage.MintRequest{}, pgbp.UnauthorizedErr
		}
	}

	if request.Status != from {
		return storage.MintRequest{}, pgbp.InvalidTransitionErr
	}

	return request, nil
}

func (m *Mint) expired(request storage.MintRequest) bool {
	return m.now().Unix() > request.Expiration
}

func validateEncryptedData(data []byte) error {
	if len(data) == 0 {
		return pgbp.EmptyPayloadErr
	}
	if len(data) > MaxEncryptedDataSize {
		return pgbp.PayloadTooLargeErr
	}
	return nil
}

// Pause suspends all protocol operations.
func (m *Mint) Pause(caller string) error {
	return m.setPaused(caller, true)
}

func (m *Mint) Unpause(caller string) error {
	return m.setPaused(caller, false)
}

func (m *Mint) setPaused(caller string, paused bool) error {
	caller = crypto.NormalizeIdentity(caller)

	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != m.operator {
		return pgbp.UnauthorizedErr
	}
	if m.paused == paused {
		if paused {
			return pgbp.AlreadyPausedErr
		}
		return pgbp.NotPausedErr
	}

	if err := m.db.SetPaused(paused); err != nil {
		errmsg := fmt.Sprintf("error saving paused state: %v", err)
		return pgbp.BuildError(errmsg, pgbp.DBErrCode)
	}
	m.paused = paused
	m.metrics.setPaused(paused)

	if paused {
		m.logInfof("mint paused")
	} else {
		m.logInfof("mint unpaused")
	}
	return nil
}

// Mint credits tokens outside of the mint request flow. It is permanently disabled.
func (m *Mint) Mint(caller, account string, amount *uint256.Int) error {
	m.logInfof("rejected direct mint from '%v'", caller)
	return pgbp.DirectMintDisabledErr
}

// GetMintRequest returns the request with its status as seen now.
// A request past its expiration that was not settled is reported as Expired.
func (m *Mint) GetMintRequest(id string) (storage.MintRequest, error) {
	request, err := m.db.GetMintRequest(id)
	if err != nil {
		return storage.MintRequest{}, m.storageError("error getting mint request", err)
	}
	if m.expired(request) && request.Status != pgbp.Settled {
		request.Status = pgbp.Expired
	}
	return request, nil
}

func (m *Mint) Events(filter pgbp.EventFilter) ([]pgbp.Event, error) {
	events, err := m.db.GetEvents(filter)
	if err != nil {
		return nil, m.storageError("error getting events", err)
	}
	return events, nil
}

// PublicKey returns the operator's encryption public key in base64.
func (m *Mint) PublicKey() string {
	return crypto.EncodePublicKey(m.operatorPublicKey)
}

func (m *Mint) Operator() string {
	return m.operator
}

func (m *Mint) BalanceOf(account string) (*uint256.Int, error) {
	balance, err := m.db.GetBalance(crypto.NormalizeIdentity(account))
	if err != nil {
		return nil, m.storageError("error getting balance", err)
	}
	return balance, nil
}

func (m *Mint) TotalSupply() (*uint256.Int, error) {
	supply, err := m.db.GetTotalSupply()
	if err != nil {
		return nil, m.storageError("error getting total supply", err)
	}
	return supply, nil
}

func (m *Mint) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Mint) Info() (pgbp.InfoResponse, error) {
	supply, err := m.TotalSupply()
	if err != nil {
		return pgbp.InfoResponse{}, err
	}

	return pgbp.InfoResponse{
		Name:             pgbp.TokenName,
		Symbol:           pgbp.TokenSymbol,
		Decimals:         pgbp.TokenDecimals,
		RequestTTL:       int64(m.requestTTL.Seconds()),
		RatioNumerator:   m.ratio.Numerator.Dec(),
		RatioDenominator: m.ratio.Denominator.Dec(),
		Operator:         m.operator,
		Paused:           m.Paused(),
		TotalSupply:      supply.Dec(),
	}, nil
}

func (m *Mint) publishEvent(event pgbp.Event) {
	if dropped := m.publisher.Publish(event); dropped > 0 {
		m.logDebugf("dropped %v slow event subscribers at event %v", dropped, event.Seq)
	}
}

// storageError maps storage errors to protocol errors.
func (m *Mint) storageError(msg string, err error) error {
	switch {
	case errors.Is(err, storage.ErrMintRequestNotFound):
		return pgbp.NotFoundErr
	case errors.Is(err, storage.ErrStatusConflict):
		return pgbp.InvalidTransitionErr
	case errors.Is(err, storage.ErrSupplyOverflow):
		return pgbp.SupplyOverflowErr
	}
	errmsg := fmt.Sprintf("%v: %v", msg, err)
	return pgbp.BuildError(errmsg, pgbp.DBErrCode)
}

func (m *Mint) logInfof(format string, args ...any) {
	m.logger.Info(fmt.Sprintf(format, args...))
}

func (m *Mint) logErrorf(format string, args ...any) {
	m.logger.Error(fmt.Sprintf(format, args...))
}

func (m *Mint) logDebugf(format string, args ...any) {
	m.logger.Debug(fmt.Sprintf(format, args...))
}
