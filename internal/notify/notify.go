// Package notify delivers best-effort user and operator notifications.
package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"paygate/internal/metrics"
)

const defaultQueueSize = 256

// BalanceCredited tells the owner a payment was confirmed.
type BalanceCredited struct {
	UserID     string
	TelegramID int64
	RequestID  string
	Amount     decimal.Decimal
	Balance    decimal.Decimal
	Currency   string
	RateStale  bool
}

// ReferralCredited tells an ancestor a commission was credited.
type ReferralCredited struct {
	BeneficiaryID   string
	TelegramID      int64
	Level           int
	Amount          decimal.Decimal
	ReferralBalance decimal.Decimal
	Currency        string
	SourceName      string
}

// Notifier receives crediting events. Implementations must not block the caller.
type Notifier interface {
	BalanceCredited(ctx context.Context, e BalanceCredited)
	ReferralCredited(ctx context.Context, e ReferralCredited)
}

// Alerter pages an operator.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Sender delivers a text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
	Channel() string
}

// Nop discards every event.
type Nop struct{}

func (Nop) BalanceCredited(context.Context, BalanceCredited)   {}
func (Nop) ReferralCredited(context.Context, ReferralCredited) {}

type message struct {
	chatID int64
	text   string
}

// Dispatcher renders events and hands them to a Sender on a background
// goroutine. When the queue is full the message is dropped.
type Dispatcher struct {
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue chan message
	wg    sync.WaitGroup
	once  sync.Once
}

// NewDispatcher creates a dispatcher with the given queue size.
func NewDispatcher(sender Sender, queueSize int, logger *slog.Logger, metrics *metrics.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		sender:  sender,
		logger:  logger.With("component", "notify"),
		metrics: metrics,
		queue:   make(chan message, queueSize),
	}
}

// Start launches the delivery goroutine. It drains the queue and returns
// once Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for msg := range d.queue {
			d.deliver(context.WithoutCancel(ctx), msg)
		}
	}()
}

// Stop closes the queue and waits for pending deliveries.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *Dispatcher) BalanceCredited(_ context.Context, e BalanceCredited) {
	text := fmt.Sprintf("✅ Payment confirmed: <b>+%s %s</b>\nBalance: <b>%s %s</b>",
		e.Amount.StringFixed(2), html.EscapeString(e.Currency), e.Balance.StringFixed(2), html.EscapeString(e.Currency))
	d.enqueue(e.TelegramID, text)
}

func (d *Dispatcher) ReferralCredited(_ context.Context, e ReferralCredited) {
	text := fmt.Sprintf("🎉 Referral reward (level %d) from %s: <b>+%s %s</b>\nReferral balance: <b>%s %s</b>",
		e.Level, html.EscapeString(e.SourceName), e.Amount.StringFixed(2), html.EscapeString(e.Currency),
		e.ReferralBalance.StringFixed(2), html.EscapeString(e.Currency))
	d.enqueue(e.TelegramID, text)
}

func (d *Dispatcher) enqueue(chatID int64, text string) {
	if chatID == 0 {
		return
	}
	defer func() {
		// Sending on a closed queue after Stop.
		if recover() != nil {
			d.count("dropped")
		}
	}()
	select {
	case d.queue <- message{chatID: chatID, text: text}:
	default:
		d.logger.Warn("notification queue full, dropping message", "chat_id", chatID)
		d.count("dropped")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg message) {
	if err := d.sender.Send(ctx, msg.chatID, msg.text); err != nil {
		d.logger.Warn("send notification failed", "chat_id", msg.chatID, "error", err)
		d.count("error")
		return
	}
	d.count("sent")
}

func (d *Dispatcher) count(status string) {
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(d.sender.Channel(), status).Inc()
	}
}

// LogAlerter writes alerts to the log when no paging channel is configured.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(_ context.Context, text string) error {
	a.Logger.Error("operator alert", "text", text)
	return nil
}
