// Package tracker owns the set of tracked tokens: it fetches their data, polls prices,
// raises threshold alerts and publishes every change on the event bus.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/eventbus"
	"solana-token-tracker/internal/logger"
	"solana-token-tracker/internal/observability"
	"solana-token-tracker/internal/storage"
	"solana-token-tracker/internal/upstream"
)

var (
	// ErrNotTracked is returned for addresses the tracker does not know.
	ErrNotTracked = errors.New("token not tracked")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("tracker closed")

	// ErrInvalidThresholds rejects negative alert thresholds.
	ErrInvalidThresholds = errors.New("alert thresholds must not be negative")
)

// Publisher receives tracker events. *eventbus.Registry implements it.
type Publisher interface {
	Publish(channel string, data any)
}

// RemovedEvent is published on tokenRemoved.
type RemovedEvent struct {
	Address string `json:"address"`
}

// Options contains configuration for creating a Tracker.
type Options struct {
	Metadata   upstream.MetadataProvider
	Prices     upstream.PriceProvider
	Subscriber upstream.TransactionSubscriber // optional; nil disables push updates
	Bus        Publisher                      // optional
	Store      storage.TrackedTokenStore      // optional; persists the tracked set
	History    storage.PriceHistoryStore      // optional; records every accepted price

	PollInterval       time.Duration // Default: 60s
	AlertHistory       int           // Default: 100
	TransactionHistory int           // Default: 200

	Now    func() time.Time
	Logger *zap.Logger
}

// entry is one tracked token with the resources tied to it.
type entry struct {
	mu    sync.Mutex // guards token
	token domain.TrackedToken

	sub      upstream.Subscription
	cancel   context.CancelFunc
	wg       sync.WaitGroup // monitor loop and in-flight poll
	inFlight atomic.Bool
}

func (e *entry) snapshot() domain.TrackedToken {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

func (e *entry) isFallback() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token.IsFallback()
}

// Tracker is the single writer of the tracked token map.
type Tracker struct {
	metadata   upstream.MetadataProvider
	prices     upstream.PriceProvider
	subscriber upstream.TransactionSubscriber
	bus        Publisher
	store      storage.TrackedTokenStore
	history    storage.PriceHistoryStore

	pollInterval time.Duration
	now          func() time.Time
	log          *zap.Logger

	alerts *alertRing
	txs    *txRing

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	tokens map[string]*entry
	closed bool
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// New creates a Tracker. Metadata and Prices are required.
func New(opts Options) (*Tracker, error) {
	if opts.Metadata == nil || opts.Prices == nil {
		return nil, errors.New("tracker: metadata and price providers are required")
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	alertHistory := opts.AlertHistory
	if alertHistory <= 0 {
		alertHistory = 100
	}
	txHistory := opts.TransactionHistory
	if txHistory <= 0 {
		txHistory = 200
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var bus Publisher = nopPublisher{}
	if opts.Bus != nil {
		bus = opts.Bus
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		metadata:     opts.Metadata,
		prices:       opts.Prices,
		subscriber:   opts.Subscriber,
		bus:          bus,
		store:        opts.Store,
		history:      opts.History,
		pollInterval: pollInterval,
		now:          now,
		log:          logger.OrNop(opts.Logger).Named("tracker"),
		alerts:       newAlertRing(alertHistory),
		txs:          newTxRing(txHistory),
		ctx:          ctx,
		cancel:       cancel,
		tokens:       make(map[string]*entry),
	}, nil
}

// TrackToken starts tracking addr and returns its snapshot.
// Metadata and price are fetched concurrently. An auth-classified failure or a fallback
// result from either fetch puts the token in FALLBACK without a subscription; any other
// error fails the call and nothing is tracked. An already tracked address returns its
// current snapshot, with thresholds replaced when th is non-nil.
func (t *Tracker) TrackToken(ctx context.Context, addr string, th *domain.Thresholds) (*domain.TrackedToken, error) {
	thresholds := domain.DefaultThresholds()
	if th != nil {
		if th.Up < 0 || th.Down < 0 {
			return nil, ErrInvalidThresholds
		}
		thresholds = *th
	}

	if e, ok, err := t.lookup(addr); err != nil {
		return nil, err
	} else if ok {
		if th != nil {
			t.setThresholds(ctx, addr, e, thresholds)
		}
		snap := e.snapshot()
		return &snap, nil
	}

	meta, price, fallback, err := t.fetch(ctx, addr)
	if err != nil {
		return nil, err
	}

	token := domain.TrackedToken{
		Address:    addr,
		Metadata:   *meta,
		Price:      *price,
		Thresholds: thresholds,
		State:      domain.TokenStateLive,
		TrackedAt:  t.now().UTC(),
	}
	if fallback {
		token.State = domain.TokenStateFallback
	}

	var sub upstream.Subscription
	if !fallback && t.subscriber != nil {
		sub, err = t.subscriber.SubscribeToTokenTransactions(t.ctx, addr, func(tx domain.Transaction) {
			t.onTransaction(addr, tx)
		})
		if err != nil {
			t.log.Warn("subscription failed, tracking without push updates", zap.String("mint", addr), zap.Error(err))
			sub = nil
		}
	}
	token.Subscribed = sub != nil

	e := &entry{token: token, sub: sub}
	monitorCtx, cancel := context.WithCancel(t.ctx)
	e.cancel = cancel

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		closeSub(sub, t.log, addr)
		return nil, ErrClosed
	}
	if existing, ok := t.tokens[addr]; ok {
		// Lost a race with a concurrent TrackToken for the same address
		t.mu.Unlock()
		cancel()
		closeSub(sub, t.log, addr)
		snap := existing.snapshot()
		return &snap, nil
	}
	t.tokens[addr] = e
	// FALLBACK data is never refreshed, so only LIVE tokens are polled
	if !token.IsFallback() {
		e.wg.Add(1)
		go t.monitor(monitorCtx, addr, e)
	}
	t.mu.Unlock()

	if sub != nil {
		observability.AddSubscriptions(1)
	}
	t.updateGauge()
	t.persist(ctx, addr, thresholds, token.TrackedAt)
	t.recordSample(ctx, addr, token.Price)

	t.log.Info("token tracked",
		zap.String("mint", addr),
		zap.String("state", string(token.State)),
		zap.Bool("subscribed", token.Subscribed))
	t.bus.Publish(eventbus.ChannelTokenAdded, token)
	return &token, nil
}

// fetch loads metadata and price in parallel and applies the fallback policy.
func (t *Tracker) fetch(ctx context.Context, addr string) (*domain.TokenMetadata, *domain.TokenPrice, bool, error) {
	var (
		g        errgroup.Group
		meta     *domain.TokenMetadata
		price    *domain.TokenPrice
		metaErr  error
		priceErr error
	)
	g.Go(func() error {
		meta, metaErr = t.metadata.GetTokenMetadata(ctx, addr)
		return nil
	})
	g.Go(func() error {
		price, priceErr = t.prices.GetTokenPrice(ctx, addr)
		return nil
	})
	_ = g.Wait()

	fallback := upstream.IsAuthFailure(metaErr) || upstream.IsAuthFailure(priceErr) ||
		(metaErr == nil && meta.IsFallback) || (priceErr == nil && price.IsFallback)
	if fallback {
		fbMeta := upstream.FallbackMetadata(addr)
		fbPrice := upstream.FallbackPrice()
		observability.RecordFallback("tracker", "track")
		return &fbMeta, &fbPrice, true, nil
	}
	if metaErr != nil {
		return nil, nil, false, fmt.Errorf("fetch metadata: %w", metaErr)
	}
	if priceErr != nil {
		return nil, nil, false, fmt.Errorf("fetch price: %w", priceErr)
	}
	return meta, price, false, nil
}

func (t *Tracker) lookup(addr string) (*entry, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, false, ErrClosed
	}
	e, ok := t.tokens[addr]
	return e, ok, nil
}

// current returns e only while it is still the tracked entry for addr.
func (t *Tracker) current(addr string, e *entry) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tokens[addr] == e
}

// GetTokenData returns the snapshot of a tracked token. LIVE tokens get one
// best-effort price refresh first; FALLBACK tokens are returned as stored.
func (t *Tracker) GetTokenData(ctx context.Context, addr string) (*domain.TrackedToken, error) {
	e, ok, err := t.lookup(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotTracked
	}

	if snap := e.snapshot(); snap.IsFallback() {
		return &snap, nil
	}

	price, err := t.prices.GetTokenPrice(ctx, addr)
	if err != nil {
		t.log.Warn("price refresh failed, returning last snapshot", zap.String("mint", addr), zap.Error(err))
	} else {
		t.applyPrice(ctx, addr, e, price)
	}
	snap := e.snapshot()
	return &snap, nil
}

// StopTracking removes addr. Unknown addresses are a no-op.
// The monitor is stopped and drained before the call returns.
func (t *Tracker) StopTracking(ctx context.Context, addr string) error {
	t.mu.Lock()
	e, ok := t.tokens[addr]
	if ok {
		delete(t.tokens, addr)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	t.release(addr, e)
	t.txs.dropMint(addr)
	t.updateGauge()

	if t.store != nil {
		if err := t.store.Delete(ctx, addr); err != nil {
			t.log.Warn("delete tracked token failed", zap.String("mint", addr), zap.Error(err))
		}
	}

	t.log.Info("token removed", zap.String("mint", addr))
	t.bus.Publish(eventbus.ChannelTokenRemoved, RemovedEvent{Address: addr})
	return nil
}

// release cancels the monitor, waits for it and closes the subscription.
func (t *Tracker) release(addr string, e *entry) {
	e.cancel()
	e.wg.Wait()
	if e.sub != nil {
		closeSub(e.sub, t.log, addr)
		observability.AddSubscriptions(-1)
	}
}

func closeSub(sub upstream.Subscription, log *zap.Logger, addr string) {
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		log.Debug("close subscription", zap.String("mint", addr), zap.Error(err))
	}
}

// GetTrackedTokens returns display rows ordered by tracking time.
func (t *Tracker) GetTrackedTokens() []domain.TokenSummary {
	snaps := t.snapshots()
	out := make([]domain.TokenSummary, 0, len(snaps))
	for i := range snaps {
		out = append(out, Summarize(&snaps[i]))
	}
	return out
}

// Tokens returns snapshots of every tracked token ordered by tracking time.
func (t *Tracker) Tokens() []domain.TrackedToken {
	return t.snapshots()
}

func (t *Tracker) snapshots() []domain.TrackedToken {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.tokens))
	for _, e := range t.tokens {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	snaps := make([]domain.TrackedToken, 0, len(entries))
	for _, e := range entries {
		snaps = append(snaps, e.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].TrackedAt.Equal(snaps[j].TrackedAt) {
			return snaps[i].TrackedAt.Before(snaps[j].TrackedAt)
		}
		return snaps[i].Address < snaps[j].Address
	})
	return snaps
}

// Alerts returns up to limit recent alerts, newest first.
func (t *Tracker) Alerts(limit int) []domain.Alert {
	return t.alerts.recent(limit)
}

// Transactions returns up to limit pushed transactions for addr, newest first.
// An empty addr returns transactions of every token.
func (t *Tracker) Transactions(addr string, limit int) []domain.Transaction {
	return t.txs.recent(addr, limit)
}

// PriceHistory returns stored samples for addr, newest first.
func (t *Tracker) PriceHistory(ctx context.Context, addr string, since time.Time, limit int) ([]*domain.PriceSample, error) {
	if t.history == nil {
		return nil, nil
	}
	var sinceMs int64
	if !since.IsZero() {
		sinceMs = since.UnixMilli()
	}
	return t.history.Query(ctx, addr, sinceMs, limit)
}

// Restore re-tracks every persisted token. Failures are logged and skipped.
// Returns how many tokens are tracked afterwards from the persisted set.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	records, err := t.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tracked tokens: %w", err)
	}

	restored := 0
	for _, rec := range records {
		th := domain.Thresholds{Up: rec.ThresholdUp, Down: rec.ThresholdDown}
		if _, err := t.TrackToken(ctx, rec.Address, &th); err != nil {
			t.log.Warn("restore failed", zap.String("mint", rec.Address), zap.Error(err))
			continue
		}
		restored++
	}
	t.log.Info("restored tracked tokens", zap.Int("restored", restored), zap.Int("persisted", len(records)))
	return restored, nil
}

// Close stops every monitor and closes every subscription. Tokens stay persisted.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	entries := t.tokens
	t.tokens = make(map[string]*entry)
	t.mu.Unlock()

	t.cancel()
	for addr, e := range entries {
		t.release(addr, e)
	}
	t.updateGauge()
	return nil
}

func (t *Tracker) setThresholds(ctx context.Context, addr string, e *entry, th domain.Thresholds) {
	e.mu.Lock()
	e.token.Thresholds = th
	trackedAt := e.token.TrackedAt
	e.mu.Unlock()
	t.persist(ctx, addr, th, trackedAt)
}

func (t *Tracker) persist(ctx context.Context, addr string, th domain.Thresholds, trackedAt time.Time) {
	if t.store == nil {
		return
	}
	rec := &domain.TrackedTokenRecord{
		Address:       addr,
		ThresholdUp:   th.Up,
		ThresholdDown: th.Down,
		CreatedAt:     trackedAt.UnixMilli(),
		UpdatedAt:     t.now().UnixMilli(),
	}
	if err := t.store.Upsert(ctx, rec); err != nil {
		t.log.Warn("persist tracked token failed", zap.String("mint", addr), zap.Error(err))
	}
}

func (t *Tracker) recordSample(ctx context.Context, addr string, price domain.TokenPrice) {
	if t.history == nil {
		return
	}
	ts := price.UpdatedAt
	if ts.IsZero() {
		ts = t.now()
	}
	sample := &domain.PriceSample{
		Address:     addr,
		TimestampMs: ts.UnixMilli(),
		Price:       price.Price,
		IsFallback:  price.IsFallback,
	}
	if err := t.history.Append(ctx, []*domain.PriceSample{sample}); err != nil {
		t.log.Warn("record price sample failed", zap.String("mint", addr), zap.Error(err))
	}
}

func (t *Tracker) updateGauge() {
	live, fallback := 0, 0
	for _, snap := range t.snapshots() {
		if snap.IsFallback() {
			fallback++
		} else {
			live++
		}
	}
	observability.SetTrackedTokens(live, fallback)
}

// onTransaction stores a pushed transaction for a still tracked token and publishes it.
func (t *Tracker) onTransaction(addr string, tx domain.Transaction) {
	if _, ok, _ := t.lookup(addr); !ok {
		return
	}
	if tx.MintAddress == "" {
		tx.MintAddress = addr
	}
	t.txs.add(tx)
	t.bus.Publish(eventbus.ChannelTransaction, tx)
}
