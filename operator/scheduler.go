package operator

import (
	"log/slog"
	"sync"

	"github.com/elnosh/provablegbp/operator/bank"
)

// PaymentScheduler tracks submitted payments whose status
// still needs to be polled, keyed by request id.
type PaymentScheduler struct {
	mu       sync.Mutex
	payments map[string]*bank.SubmitPaymentResponse
	logger   *slog.Logger
}

func NewPaymentScheduler(logger *slog.Logger) *PaymentScheduler {
	return &PaymentScheduler{
		payments: make(map[string]*bank.SubmitPaymentResponse),
		logger:   logger,
	}
}

// SchedulePayment returns false if a payment for the
// same request was already scheduled.
func (s *PaymentScheduler) SchedulePayment(payment *bank.SubmitPaymentResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[payment.RequestId]; ok {
		s.logger.Info("payment already scheduled",
			slog.String("requestId", payment.RequestId), slog.String("paymentId", payment.PaymentId))
		return false
	}

	s.logger.Info("scheduling payment",
		slog.String("requestId", payment.RequestId), slog.String("paymentId", payment.PaymentId))
	s.payments[payment.RequestId] = payment
	return true
}

func (s *PaymentScheduler) ScheduledPayments() []*bank.SubmitPaymentResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	payments := make([]*bank.SubmitPaymentResponse, 0, len(s.payments))
	for _, payment := range s.payments {
		payments = append(payments, payment)
	}
	return payments
}

func (s *PaymentScheduler) UnschedulePayment(payment *bank.SubmitPaymentResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[payment.RequestId]; !ok {
		s.logger.Info("payment not scheduled",
			slog.String("requestId", payment.RequestId), slog.String("paymentId", payment.PaymentId))
		return false
	}

	s.logger.Info("unscheduling payment",
		slog.String("requestId", payment.RequestId), slog.String("paymentId", payment.PaymentId))
	delete(s.payments, payment.RequestId)
	return true
}
