package operator

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/elnosh/provablegbp/operator/bank"
)

const (
	defaultEventPollInterval   = 10
	defaultPaymentPollInterval = 15
	defaultBankTimeout         = 30
	defaultEventBatchSize      = 100
	defaultMaxAttempts         = 3
)

type Config struct {
	Mint        MintConfig          `toml:"mint"`
	Bank        BankConfig          `toml:"bank"`
	Beneficiary bank.AccountDetails `toml:"beneficiary"`
	Tuning      TuningConfig        `toml:"tuning"`
	LogLevel    string              `toml:"log_level"`
}

type MintConfig struct {
	URL string `toml:"url"`
	// also listen for events over a websocket subscription instead
	// of only polling
	Subscribe bool `toml:"subscribe"`
}

type BankConfig struct {
	// only "sandbox" is supported
	Provider string `toml:"provider"`
	BaseURL  string `toml:"base_url"`
	// number of status polls after which sandbox payments settle
	SettleAfter int `toml:"settle_after"`
	// address where the sandbox serves its consent pages
	Listen string `toml:"listen"`
}

type TuningConfig struct {
	// seconds between event log polls
	EventPollInterval int `toml:"event_poll_interval"`
	// seconds between payment status polls
	PaymentPollInterval int `toml:"payment_poll_interval"`
	// seconds allowed for each bank call
	BankTimeout int `toml:"bank_timeout"`
	// first event sequence number to process
	StartSeq       uint64 `toml:"start_seq"`
	EventBatchSize int    `toml:"event_batch_size"`
	// attempts at processing an event before it is skipped
	MaxAttempts int `toml:"max_attempts"`
}

var (
	ErrMissingMintURL     = errors.New("mint url is required")
	ErrUnknownProvider    = errors.New("unknown bank provider")
	ErrInvalidInterval    = errors.New("poll intervals must be positive")
	ErrMissingMnemonic    = errors.New("OPERATOR_MNEMONIC is not set")
	ErrInvalidBeneficiary = errors.New("invalid beneficiary account")
)

// LoadConfigData parses a TOML config and fills in defaults.
func LoadConfigData(data []byte) (*Config, error) {
	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadConfigData(data)
}

func (config *Config) validate() error {
	if len(config.Mint.URL) == 0 {
		return ErrMissingMintURL
	}

	switch config.Bank.Provider {
	case "", "sandbox":
		config.Bank.Provider = "sandbox"
	default:
		return fmt.Errorf("%w '%v'", ErrUnknownProvider, config.Bank.Provider)
	}

	if len(config.Beneficiary.Name) == 0 || !digits(config.Beneficiary.SortCode, 6) ||
		!digits(config.Beneficiary.AccountNumber, 8) {
		return ErrInvalidBeneficiary
	}

	tuning := &config.Tuning
	if tuning.EventPollInterval == 0 {
		tuning.EventPollInterval = defaultEventPollInterval
	}
	if tuning.PaymentPollInterval == 0 {
		tuning.PaymentPollInterval = defaultPaymentPollInterval
	}
	if tuning.EventPollInterval < 0 || tuning.PaymentPollInterval < 0 {
		return ErrInvalidInterval
	}
	if tuning.BankTimeout <= 0 {
		tuning.BankTimeout = defaultBankTimeout
	}
	if tuning.StartSeq == 0 {
		tuning.StartSeq = 1
	}
	if tuning.EventBatchSize <= 0 {
		tuning.EventBatchSize = defaultEventBatchSize
	}
	if tuning.MaxAttempts <= 0 {
		tuning.MaxAttempts = defaultMaxAttempts
	}

	return nil
}

func (config *Config) bankTimeout() time.Duration {
	return time.Duration(config.Tuning.BankTimeout) * time.Second
}

func digits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
