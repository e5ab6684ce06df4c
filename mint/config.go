package mint

import (
	"errors"
	"fmt"
	"time"

	"github.com/elnosh/provablegbp/crypto"
)

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

type DBBackend int

const (
	SQLite DBBackend = iota
	Bolt
)

func StringToDBBackend(backend string) (DBBackend, error) {
	switch backend {
	case "", "sqlite":
		return SQLite, nil
	case "bolt":
		return Bolt, nil
	}
	return SQLite, fmt.Errorf("invalid db backend '%v'", backend)
}

const (
	DefaultRequestTTL = time.Hour
	// limit on size of serialized envelopes relayed through events
	MaxEncryptedDataSize = 16 * 1024
)

type Config struct {
	Port      string
	MintPath  string
	DBBackend DBBackend
	// time after which a request no longer accepts operations
	RequestTTL time.Duration
	Ratio      Ratio
	// hex compressed public key of the operator identity
	Operator string
	// base64 x25519 public key of the operator, published to requesters
	OperatorEncryptionKey string
	LogLevel              LogLevel
	// requests per second per client. 0 disables rate limiting
	RateLimit float64
}

var (
	ErrMissingOperator      = errors.New("operator identity is required")
	ErrMissingEncryptionKey = errors.New("operator encryption key is required")
	ErrInvalidTTL           = errors.New("request ttl must be positive")
)

func (config *Config) validate() error {
	if len(config.Operator) == 0 {
		return ErrMissingOperator
	}
	if _, err := crypto.ParseIdentity(crypto.NormalizeIdentity(config.Operator)); err != nil {
		return fmt.Errorf("invalid operator identity: %v", err)
	}

	if len(config.OperatorEncryptionKey) == 0 {
		return ErrMissingEncryptionKey
	}
	if _, err := crypto.ParsePublicKey(config.OperatorEncryptionKey); err != nil {
		return fmt.Errorf("invalid operator encryption key: %v", err)
	}

	if config.RequestTTL == 0 {
		config.RequestTTL = DefaultRequestTTL
	}
	if config.RequestTTL < 0 {
		return ErrInvalidTTL
	}

	if config.Ratio.Numerator == nil && config.Ratio.Denominator == nil {
		config.Ratio = DefaultRatio()
	}
	if err := config.Ratio.Validate(); err != nil {
		return err
	}

	return nil
}
