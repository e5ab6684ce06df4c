package operator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/elnosh/provablegbp/client"
	"github.com/elnosh/provablegbp/operator/bank"
	"github.com/elnosh/provablegbp/pgbp"
)

// EventTask fetches the events the operator acts on from the
// mint's log and hands them to the handler in order.
type EventTask struct {
	mu          sync.Mutex
	mintURL     string
	nextSeq     uint64
	batchSize   int
	maxAttempts int
	attempts    map[uint64]int
	handler     *Handler
	logger      *slog.Logger
}

func NewEventTask(mintURL string, startSeq uint64, batchSize, maxAttempts int,
	handler *Handler, logger *slog.Logger) *EventTask {
	return &EventTask{
		mintURL:     mintURL,
		nextSeq:     startSeq,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		attempts:    make(map[uint64]int),
		handler:     handler,
		logger:      logger,
	}
}

// NextSeq is the sequence number the next fetch starts from.
func (t *EventTask) NextSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextSeq
}

// FetchAndProcessEvents processes events until the log is drained or an
// event fails. A failed event is retried on the next run, up to
// maxAttempts times, unless it can never succeed.
func (t *EventTask) FetchAndProcessEvents() {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx := context.Background()
	for {
		events, err := client.GetEvents(t.mintURL, pgbp.EventFilter{
			FromSeq: t.nextSeq,
			Kinds:   []pgbp.EventKind{pgbp.MintRequestEvent, pgbp.AuthGrantedEvent},
			Limit:   t.batchSize,
		})
		if err != nil {
			t.logger.Error("error fetching events: " + err.Error())
			return
		}

		for _, event := range events {
			if !t.process(ctx, event) {
				return
			}
			t.nextSeq = event.Seq + 1
		}

		if len(events) < t.batchSize {
			return
		}
	}
}

// process returns false if the event should be retried later.
func (t *EventTask) process(ctx context.Context, event pgbp.Event) bool {
	t.logger.Info("processing event",
		slog.Uint64("seq", event.Seq), slog.String("kind", event.Kind.String()), slog.String("reqId", event.RequestId))

	err := t.handler.ProcessEvent(ctx, event)
	if err == nil {
		delete(t.attempts, event.Seq)
		return true
	}

	var protocolErr pgbp.Error
	if errors.Is(err, ErrInvalidEvent) || errors.As(err, &protocolErr) {
		t.logger.Error("skipping event: "+err.Error(), slog.Uint64("seq", event.Seq))
		delete(t.attempts, event.Seq)
		return true
	}

	t.attempts[event.Seq]++
	if t.attempts[event.Seq] >= t.maxAttempts {
		t.logger.Error("giving up on event: "+err.Error(),
			slog.Uint64("seq", event.Seq), slog.Int("attempts", t.attempts[event.Seq]))
		delete(t.attempts, event.Seq)
		return true
	}

	t.logger.Error("error processing event: "+err.Error(),
		slog.Uint64("seq", event.Seq), slog.Int("attempts", t.attempts[event.Seq]))
	return false
}

// PaymentStatusTask polls the bank for every scheduled payment.
type PaymentStatusTask struct {
	mu         sync.Mutex
	scheduler  *PaymentScheduler
	bankClient bank.OpenBankingClient
	handler    *Handler
	logger     *slog.Logger
}

func NewPaymentStatusTask(scheduler *PaymentScheduler, bankClient bank.OpenBankingClient,
	handler *Handler, logger *slog.Logger) *PaymentStatusTask {
	return &PaymentStatusTask{
		scheduler:  scheduler,
		bankClient: bankClient,
		handler:    handler,
		logger:     logger,
	}
}

// CheckPaymentStatuses polls payments one at a time. Errors are logged
// and the payment is checked again on the next run.
func (t *PaymentStatusTask) CheckPaymentStatuses() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, payment := range t.scheduler.ScheduledPayments() {
		t.logger.Info("checking payment status",
			slog.String("reqId", payment.RequestId), slog.String("paymentId", payment.PaymentId))

		ctx, cancel := context.WithTimeout(context.Background(), t.handler.bankTimeout)
		status, err := t.bankClient.GetPaymentStatus(ctx, payment)
		cancel()
		if err != nil {
			t.logger.Error("error getting payment status: "+err.Error(),
				slog.String("reqId", payment.RequestId), slog.String("paymentId", payment.PaymentId))
			continue
		}

		done, err := t.handler.ProcessPaymentStatus(context.Background(), status)
		if err != nil {
			t.logger.Error("error processing payment status: "+err.Error(),
				slog.String("reqId", payment.RequestId), slog.String("paymentId", payment.PaymentId))
		}
		if done {
			t.scheduler.UnschedulePayment(payment)
		}
	}
}
