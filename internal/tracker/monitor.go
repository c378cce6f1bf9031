package tracker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/eventbus"
	"solana-token-tracker/internal/observability"
)

// monitor polls the price of addr every poll interval until ctx is cancelled.
// Ticks are not queued behind a slow poll: a tick that finds the previous poll
// still running is skipped.
func (t *Tracker) monitor(ctx context.Context, addr string, e *entry) {
	defer e.wg.Done()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.inFlight.CompareAndSwap(false, true) {
				observability.RecordPollSkipped()
				t.log.Warn("previous poll still running, skipping tick", zap.String("mint", addr))
				continue
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				defer e.inFlight.Store(false)
				t.poll(ctx, addr, e)
			}()
		}
	}
}

// poll fetches the price once and applies it. Errors are logged; the loop keeps running.
func (t *Tracker) poll(ctx context.Context, addr string, e *entry) {
	price, err := t.prices.GetTokenPrice(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		observability.RecordPoll("error")
		t.log.Warn("price poll failed", zap.String("mint", addr), zap.Error(err))
		return
	}
	t.applyPrice(ctx, addr, e, price)
}

// applyPrice stores a fetched price on a LIVE token, raises an alert when the move
// crosses a threshold and publishes the update. Results for removed or FALLBACK tokens are dropped.
func (t *Tracker) applyPrice(ctx context.Context, addr string, e *entry, price *domain.TokenPrice) {
	if !t.current(addr, e) {
		observability.RecordPoll("discarded")
		return
	}
	if e.isFallback() {
		observability.RecordPoll("fallback_token")
		return
	}
	if price.IsFallback {
		// A LIVE token does not degrade to fallback data; keep the last live price.
		observability.RecordPoll("fallback_ignored")
		t.log.Warn("provider returned fallback price for live token, keeping last price", zap.String("mint", addr))
		return
	}

	e.mu.Lock()
	oldPrice := e.token.Price.Price
	e.token.Price = *price
	th := e.token.Thresholds
	symbol := e.token.Metadata.Symbol
	snap := e.token
	e.mu.Unlock()

	observability.RecordPoll("ok")
	t.recordSample(ctx, addr, *price)
	t.bus.Publish(eventbus.ChannelTokenUpdate, snap)

	move, ok := evaluateMove(oldPrice, price.Price, th)
	if !ok {
		return
	}
	alert := domain.Alert{
		ID:            uuid.NewString(),
		MintAddress:   addr,
		Symbol:        symbol,
		Type:          move.Type,
		ChangePercent: move.Percent.InexactFloat64(),
		Change:        move.Percent.StringFixed(2),
		OldPrice:      oldPrice,
		NewPrice:      price.Price,
		Timestamp:     t.now().UTC(),
	}
	if !t.alerts.add(alert) {
		return
	}
	observability.RecordAlert(string(alert.Type))
	t.log.Info("price alert",
		zap.String("mint", addr),
		zap.String("type", string(alert.Type)),
		zap.String("change", alert.Change),
		zap.Float64("old_price", oldPrice),
		zap.Float64("new_price", price.Price))
	t.bus.Publish(eventbus.ChannelAlert, alert)
}
