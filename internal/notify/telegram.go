// Package notify delivers price alerts to chat services.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/eventbus"
	"solana-token-tracker/internal/logger"
)

// Sender sends one chat message. *bot.Bot implements it.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramNotifier forwards alerts from the event bus to a Telegram chat.
// Alerts are queued so a slow API never blocks event dispatch.
type TelegramNotifier struct {
	sender  Sender
	chatID  string
	log     *zap.Logger
	timeout time.Duration

	queue  chan domain.Alert
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	handle eventbus.Handle
	reg    *eventbus.Registry
}

// NewTelegramBot creates the Telegram API client for token.
func NewTelegramBot(token string) (*bot.Bot, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return b, nil
}

// NewTelegramNotifier subscribes to reg's alert channel and starts the sender.
func NewTelegramNotifier(reg *eventbus.Registry, sender Sender, chatID string, log *zap.Logger) *TelegramNotifier {
	n := &TelegramNotifier{
		sender:  sender,
		chatID:  chatID,
		log:     logger.OrNop(log).Named("notify.telegram"),
		timeout: 10 * time.Second,
		queue:   make(chan domain.Alert, 100),
		done:    make(chan struct{}),
		reg:     reg,
	}
	n.handle = reg.Subscribe(eventbus.ChannelAlert, n.onAlert)

	n.wg.Add(1)
	go n.run()
	return n
}

func (n *TelegramNotifier) onAlert(data any) {
	alert, ok := data.(domain.Alert)
	if !ok {
		return
	}
	select {
	case n.queue <- alert:
	case <-n.done:
	default:
		n.log.Warn("alert queue full, dropping alert", zap.String("mint", alert.MintAddress))
	}
}

func (n *TelegramNotifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case alert := <-n.queue:
			n.send(alert)
		}
	}
}

func (n *TelegramNotifier) send(alert domain.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   FormatAlert(alert),
	})
	if err != nil {
		n.log.Error("failed to send alert", zap.String("mint", alert.MintAddress), zap.Error(err))
		return
	}
	n.log.Debug("alert sent", zap.String("mint", alert.MintAddress), zap.String("alert_id", alert.ID))
}

// Close unsubscribes and stops the sender. Queued alerts are dropped.
func (n *TelegramNotifier) Close() error {
	n.once.Do(func() {
		n.reg.Unsubscribe(n.handle)
		close(n.done)
		n.wg.Wait()
	})
	return nil
}

// FormatAlert renders an alert as a chat message.
func FormatAlert(a domain.Alert) string {
	name := a.Symbol
	if name == "" {
		name = a.MintAddress
	}
	direction := "up"
	if a.Type == domain.AlertDecrease {
		direction = "down"
	}
	change := strings.TrimPrefix(a.Change, "-")

	var b strings.Builder
	fmt.Fprintf(&b, "Price alert: %s %s %s%%\n", name, direction, change)
	fmt.Fprintf(&b, "%.6f -> %.6f USD\n", a.OldPrice, a.NewPrice)
	fmt.Fprintf(&b, "Mint: %s", a.MintAddress)
	return b.String()
}
