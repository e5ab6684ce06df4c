// Package operator automates the issuer side of the mint request flow:
// it collects the fiat payment through the bank and completes requests
// once their payment settled.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnosh/provablegbp/client"
	"github.com/elnosh/provablegbp/crypto"
	"github.com/elnosh/provablegbp/operator/bank"
	"github.com/elnosh/provablegbp/pgbp"
	"github.com/elnosh/provablegbp/pgbp/wsproto"
	"github.com/go-co-op/gocron"
)

var (
	ErrOperatorMismatch      = errors.New("mint is configured with a different operator identity")
	ErrEncryptionKeyMismatch = errors.New("mint publishes a different operator encryption key")
)

type Operator struct {
	config      *Config
	keys        *crypto.Keys
	bankClient  bank.OpenBankingClient
	handler     *Handler
	eventTask   *EventTask
	paymentTask *PaymentStatusTask
	cron        *gocron.Scheduler
	subManager  *client.SubscriptionManager
	bankServer  *http.Server
	logger      *slog.Logger
}

// NewOperator wires the operator for config. If bankClient is nil a
// sandbox bank is created from the bank section of the config.
func NewOperator(config *Config, keys *crypto.Keys, bankClient bank.OpenBankingClient,
	logger *slog.Logger) (*Operator, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	operator := &Operator{config: config, keys: keys, logger: logger}

	if bankClient == nil {
		sandbox := bank.NewSandbox(config.Bank.BaseURL, config.Bank.SettleAfter, logger)
		if len(config.Bank.Listen) > 0 {
			operator.bankServer = &http.Server{
				Addr:              config.Bank.Listen,
				Handler:           sandbox.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
		}
		bankClient = sandbox
	}
	operator.bankClient = bankClient

	scheduler := NewPaymentScheduler(logger)
	operator.handler = NewHandler(config.Mint.URL, keys, bankClient, config.Beneficiary,
		scheduler, config.bankTimeout(), logger)
	operator.eventTask = NewEventTask(config.Mint.URL, config.Tuning.StartSeq,
		config.Tuning.EventBatchSize, config.Tuning.MaxAttempts, operator.handler, logger)
	operator.paymentTask = NewPaymentStatusTask(scheduler, bankClient, operator.handler, logger)

	return operator, nil
}

// CheckMint verifies that the mint is run for this operator.
func (o *Operator) CheckMint() error {
	info, err := client.GetInfo(o.config.Mint.URL)
	if err != nil {
		return fmt.Errorf("could not get mint info: %v", err)
	}
	if crypto.NormalizeIdentity(info.Operator) != o.keys.Identity.Id() {
		return ErrOperatorMismatch
	}

	publicKey, err := client.GetPublicKey(o.config.Mint.URL)
	if err != nil {
		return fmt.Errorf("could not get mint public key: %v", err)
	}
	if publicKey != o.keys.Encryption.PublicKeyBase64() {
		return ErrEncryptionKeyMismatch
	}
	return nil
}

// Start schedules event and payment status polling.
func (o *Operator) Start() error {
	if err := o.CheckMint(); err != nil {
		return err
	}

	o.cron = gocron.NewScheduler(time.UTC)
	o.cron.SingletonModeAll()

	o.logger.Info("starting bank polling scheduler",
		slog.Int("interval", o.config.Tuning.PaymentPollInterval))
	if _, err := o.cron.Every(o.config.Tuning.PaymentPollInterval).Seconds().
		Do(o.paymentTask.CheckPaymentStatuses); err != nil {
		return fmt.Errorf("could not schedule payment polling: %v", err)
	}

	o.logger.Info("starting mint event polling scheduler",
		slog.Int("interval", o.config.Tuning.EventPollInterval), slog.Uint64("fromSeq", o.eventTask.NextSeq()))
	if _, err := o.cron.Every(o.config.Tuning.EventPollInterval).Seconds().
		Do(o.eventTask.FetchAndProcessEvents); err != nil {
		return fmt.Errorf("could not schedule event polling: %v", err)
	}

	if o.config.Mint.Subscribe {
		if err := o.subscribe(); err != nil {
			o.logger.Error("could not subscribe to mint events, polling only: " + err.Error())
		}
	}

	if o.bankServer != nil {
		go func() {
			o.logger.Info("sandbox bank listening on: " + o.bankServer.Addr)
			if err := o.bankServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				o.logger.Error("sandbox bank server stopped: " + err.Error())
			}
		}()
	}

	o.cron.StartAsync()
	return nil
}

// subscribe triggers an event fetch as soon as the mint notifies a
// relevant event instead of waiting for the next poll.
func (o *Operator) subscribe() error {
	subManager, err := client.NewSubscriptionManager(o.config.Mint.URL)
	if err != nil {
		return err
	}
	errChan := make(chan error, 1)
	go subManager.Run(errChan)

	sub, err := subManager.Subscribe(wsproto.Events, wsproto.Filters{
		Kinds: []string{pgbp.MintRequestEvent.String(), pgbp.AuthGrantedEvent.String()},
	})
	if err != nil {
		subManager.Close()
		return err
	}
	o.subManager = subManager

	go func() {
		for {
			if _, err := sub.Read(); err != nil {
				return
			}
			o.eventTask.FetchAndProcessEvents()
		}
	}()
	go func() {
		if err := <-errChan; err != nil {
			o.logger.Error("mint subscription closed: " + err.Error())
			subManager.Close()
		}
	}()
	return nil
}

func (o *Operator) Stop() {
	if o.cron != nil {
		o.cron.Stop()
	}
	if o.subManager != nil {
		o.subManager.Close()
	}
	if o.bankServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.bankServer.Shutdown(ctx)
	}
}

// Handler exposes the event handler to drive it directly.
func (o *Operator) Handler() *Handler {
	return o.handler
}

func (o *Operator) EventTask() *EventTask {
	return o.eventTask
}

func (o *Operator) PaymentTask() *PaymentStatusTask {
	return o.paymentTask
}
