package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Kind names the user-facing event being announced
type Kind string

const (
	KindDepositCompleted        Kind = "deposit_completed"
	KindDepositFailed           Kind = "deposit_failed"
	KindWithdrawalInitiated     Kind = "withdrawal_initiated"
	KindWithdrawalPendingReview Kind = "withdrawal_pending_review"
	KindWithdrawalCompleted     Kind = "withdrawal_completed"
	KindWithdrawalFailed        Kind = "withdrawal_failed"
	KindEscrowFunded            Kind = "escrow_funded"
	KindEscrowReleased          Kind = "escrow_released"
	KindEscrowRefunded          Kind = "escrow_refunded"
	KindKYCVerified             Kind = "kyc_verified"
	KindBadgeGranted            Kind = "badge_granted"
)

// Notification is one "notify user of X" message
type Notification struct {
	UserId    string          `json:"user_id"`
	Kind      Kind            `json:"kind"`
	Reference string          `json:"reference,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
	Message   string          `json:"message,omitempty"`
	At        time.Time       `json:"at"`
}

// Notifier delivers notifications to whatever transport carries them
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is the
// fallback when no broker is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	zap.L().Info("User notification",
		zap.String("user_id", n.UserId),
		zap.String("kind", string(n.Kind)),
		zap.String("reference", n.Reference),
		zap.String("amount", n.Amount.String()),
		zap.String("currency", n.Currency))
	return nil
}

// KafkaNotifier publishes notifications as JSON keyed by user id, so one
// user's messages stay ordered within a partition.
type KafkaNotifier struct {
	writer *kafka.Writer
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			zap.L().Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			zap.L().Warn(fmt.Sprintf(msg, args...))
		}),
	}

	zap.L().Info("Kafka notifier initialized",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic))
	return &KafkaNotifier{writer: writer}
}

func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(n.UserId),
		Value: value,
		Time:  n.At,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

// Dispatcher sends notifications in the background. A slow or failing
// transport never delays or fails the operation that triggered it.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewDispatcher(notifier Notifier, timeout time.Duration) *Dispatcher {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Dispatcher{notifier: notifier, timeout: timeout, now: time.Now}
}

// Dispatch queues n for delivery. A nil Dispatcher drops it.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) {
	if d == nil {
		return
	}
	if n.At.IsZero() {
		n.At = d.now().UTC()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(sendCtx, n); err != nil {
			zap.L().Warn("Failed to deliver notification",
				zap.String("user_id", n.UserId),
				zap.String("kind", string(n.Kind)),
				zap.String("reference", n.Reference),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every queued notification has been attempted.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
