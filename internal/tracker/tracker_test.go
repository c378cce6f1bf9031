package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/eventbus"
	"solana-token-tracker/internal/storage/memory"
	"solana-token-tracker/internal/upstream"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type fakeMetadata struct {
	mu    sync.Mutex
	meta  *domain.TokenMetadata
	err   error
	calls int
}

func (f *fakeMetadata) GetTokenMetadata(_ context.Context, addr string) (*domain.TokenMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.meta != nil {
		m := *f.meta
		return &m, nil
	}
	return &domain.TokenMetadata{Name: "USD Coin", Symbol: "USDC", Decimals: 6}, nil
}

// fakePrices returns queued prices in order and repeats the last one.
type fakePrices struct {
	mu     sync.Mutex
	prices []domain.TokenPrice
	err    error
	calls  int
	block  chan struct{}
}

func (f *fakePrices) GetTokenPrice(ctx context.Context, _ string) (*domain.TokenPrice, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.prices) == 0 {
		return &domain.TokenPrice{Price: 1, Currency: "USD"}, nil
	}
	p := f.prices[0]
	if len(f.prices) > 1 {
		f.prices = f.prices[1:]
	}
	return &p, nil
}

func (f *fakePrices) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePrices) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSubscription struct {
	closed atomic.Bool
}

func (s *fakeSubscription) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeSubscriber struct {
	mu       sync.Mutex
	calls    int
	err      error
	handlers map[string]upstream.TransactionHandler
	subs     []*fakeSubscription
}

func (f *fakeSubscriber) SubscribeToTokenTransactions(_ context.Context, addr string, h upstream.TransactionHandler) (upstream.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.handlers == nil {
		f.handlers = make(map[string]upstream.TransactionHandler)
	}
	f.handlers[addr] = h
	sub := &fakeSubscription{}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSubscriber) handler(addr string) upstream.TransactionHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[addr]
}

// recorder collects every event published on the registry channels it watches.
type recorder struct {
	mu     sync.Mutex
	events map[string][]any
}

func newRecorder(reg *eventbus.Registry, channels ...string) *recorder {
	r := &recorder{events: make(map[string][]any)}
	for _, ch := range channels {
		ch := ch
		reg.Subscribe(ch, func(data any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events[ch] = append(r.events[ch], data)
		})
	}
	return r
}

func (r *recorder) get(channel string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events[channel]...)
}

type fixture struct {
	tracker *Tracker
	meta    *fakeMetadata
	prices  *fakePrices
	subs    *fakeSubscriber
	store   *memory.TrackedTokenStore
	history *memory.PriceHistoryStore
	events  *recorder
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	reg := eventbus.NewRegistry(nil)
	f := &fixture{
		meta:    &fakeMetadata{},
		prices:  &fakePrices{},
		subs:    &fakeSubscriber{},
		store:   memory.NewTrackedTokenStore(),
		history: memory.NewPriceHistoryStore(0),
		events: newRecorder(reg,
			eventbus.ChannelTokenAdded,
			eventbus.ChannelTokenRemoved,
			eventbus.ChannelTokenUpdate,
			eventbus.ChannelAlert,
			eventbus.ChannelTransaction),
	}

	opts := Options{
		Metadata:     f.meta,
		Prices:       f.prices,
		Subscriber:   f.subs,
		Bus:          reg,
		Store:        f.store,
		History:      f.history,
		PollInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}

	tr, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	f.tracker = tr
	return f
}

// tick runs one poll synchronously, the way a ticker fire would.
func (f *fixture) tick(t *testing.T, addr string) {
	t.Helper()
	e, ok, err := f.tracker.lookup(addr)
	require.NoError(t, err)
	require.True(t, ok, "token %s not tracked", addr)
	f.tracker.poll(context.Background(), addr, e)
}

func TestNew_RequiresProviders(t *testing.T) {
	_, err := New(Options{})
	if err == nil {
		t.Fatal("expected error for missing providers")
	}
}

func TestTrackToken_Live(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.prices = []domain.TokenPrice{{Price: 1.0001, Currency: "USD"}}

	tok, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.TokenStateLive, tok.State)
	assert.True(t, tok.Subscribed)
	assert.Equal(t, "USDC", tok.Metadata.Symbol)
	assert.Equal(t, 1.0001, tok.Price.Price)
	assert.Equal(t, domain.DefaultThresholds(), tok.Thresholds)
	assert.Equal(t, 1, f.subs.calls)

	added := f.events.get(eventbus.ChannelTokenAdded)
	require.Len(t, added, 1)
	assert.Equal(t, usdcMint, added[0].(domain.TrackedToken).Address)

	rec, err := f.store.Get(context.Background(), usdcMint)
	require.NoError(t, err)
	assert.Equal(t, 5.0, rec.ThresholdUp)

	samples, err := f.history.Query(context.Background(), usdcMint, 0, 0)
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}

func TestTrackToken_AuthFailureFallsBackWithoutSubscription(t *testing.T) {
	cases := []struct {
		name     string
		metaErr  error
		priceErr error
	}{
		{"metadata 401", upstream.NewError("helius", 401, 0, "Unauthorized"), nil},
		{"price invalid api key", nil, upstream.NewError("helius", 0, 0, "invalid api key provided")},
		{"price method not found", nil, upstream.NewError("helius", 0, -32601, "Method not found")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.meta.err = tc.metaErr
			f.prices.err = tc.priceErr

			tok, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
			require.NoError(t, err)

			assert.True(t, tok.Metadata.IsFallback)
			assert.True(t, tok.Price.IsFallback)
			assert.Equal(t, domain.TokenStateFallback, tok.State)
			assert.False(t, tok.Subscribed)
			assert.Equal(t, 0, f.subs.calls, "fallback tokens must not subscribe")
		})
	}
}

func TestTrackToken_FallbackResultFromProvider(t *testing.T) {
	f := newFixture(t, nil)
	fb := upstream.FallbackPrice()
	f.prices.prices = []domain.TokenPrice{fb}

	tok, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)

	assert.True(t, tok.Metadata.IsFallback, "metadata is replaced too")
	assert.Equal(t, upstream.FallbackSymbol, tok.Metadata.Symbol)
	assert.Equal(t, domain.TokenStateFallback, tok.State)
	assert.Equal(t, 0, f.subs.calls)
}

func TestTrackToken_TransientErrorFails(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.err = upstream.NewError("dexscreener", 502, 0, "bad gateway")

	_, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.Error(t, err)
	assert.Equal(t, upstream.KindTransient, upstream.KindOf(err))

	assert.Empty(t, f.tracker.GetTrackedTokens())
	assert.Empty(t, f.events.get(eventbus.ChannelTokenAdded))
	_, err = f.store.Get(context.Background(), usdcMint)
	assert.Error(t, err)
}

func TestTrackToken_SubscriptionFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.subs.err = errors.New("dial refused")

	tok, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStateLive, tok.State)
	assert.False(t, tok.Subscribed)
}

func TestTrackToken_RetrackReturnsSnapshotAndUpdatesThresholds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.tracker.TrackToken(ctx, usdcMint, nil)
	require.NoError(t, err)

	th := domain.Thresholds{Up: 1, Down: 2}
	tok, err := f.tracker.TrackToken(ctx, usdcMint, &th)
	require.NoError(t, err)
	assert.Equal(t, th, tok.Thresholds)

	assert.Equal(t, 1, f.meta.calls, "re-track must not refetch")
	assert.Equal(t, 1, f.subs.calls)
	assert.Len(t, f.events.get(eventbus.ChannelTokenAdded), 1)

	rec, err := f.store.Get(ctx, usdcMint)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.ThresholdUp)
	assert.Equal(t, 2.0, rec.ThresholdDown)
}

func TestTrackToken_NegativeThresholds(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.tracker.TrackToken(context.Background(), usdcMint, &domain.Thresholds{Up: -1, Down: 5})
	assert.ErrorIs(t, err, ErrInvalidThresholds)
	assert.Equal(t, 0, f.meta.calls)
	assert.Empty(t, f.tracker.GetTrackedTokens())
}

func TestPoll_ThresholdAsymmetry(t *testing.T) {
	cases := []struct {
		name     string
		next     float64
		wantType domain.AlertType
		want     bool
	}{
		{"up 3 percent crosses up 2", 103, domain.AlertIncrease, true},
		{"down 3 percent stays under down 5", 97, "", false},
		{"down 6 percent crosses down 5", 94, domain.AlertDecrease, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.prices.prices = []domain.TokenPrice{{Price: 100}, {Price: tc.next}}

			th := domain.Thresholds{Up: 2, Down: 5}
			_, err := f.tracker.TrackToken(context.Background(), usdcMint, &th)
			require.NoError(t, err)

			f.tick(t, usdcMint)

			alerts := f.tracker.Alerts(0)
			if !tc.want {
				assert.Empty(t, alerts)
				assert.Empty(t, f.events.get(eventbus.ChannelAlert))
				return
			}
			require.Len(t, alerts, 1)
			assert.Equal(t, tc.wantType, alerts[0].Type)
			assert.Len(t, f.events.get(eventbus.ChannelAlert), 1)
		})
	}
}

func TestPoll_ZeroPreviousPriceRaisesNoAlert(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.prices = []domain.TokenPrice{{Price: 0}, {Price: 1000}}

	_, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)

	f.tick(t, usdcMint)

	assert.Empty(t, f.tracker.Alerts(0))
	tok, err := f.tracker.GetTokenData(context.Background(), usdcMint)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, tok.Price.Price, "new price is stored regardless")
}

func TestPoll_EndToEndIncreaseAlert(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.prices = []domain.TokenPrice{{Price: 100, Currency: "USD"}, {Price: 105, Currency: "USD"}}

	_, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)

	f.tick(t, usdcMint)

	alerts := f.tracker.Alerts(0)
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, domain.AlertIncrease, a.Type)
	assert.Equal(t, "5.00", a.Change)
	assert.InDelta(t, 5.0, a.ChangePercent, 1e-9)
	assert.Equal(t, 100.0, a.OldPrice)
	assert.Equal(t, 105.0, a.NewPrice)
	assert.Equal(t, usdcMint, a.MintAddress)
	assert.Equal(t, "USDC", a.Symbol)
	assert.NotEmpty(t, a.ID)

	updates := f.events.get(eventbus.ChannelTokenUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, 105.0, updates[0].(domain.TrackedToken).Price.Price)

	// Same price again: no move, no second alert.
	f.tick(t, usdcMint)
	assert.Len(t, f.tracker.Alerts(0), 1)
}

func TestPoll_ErrorKeepsPreviousPrice(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.prices = []domain.TokenPrice{{Price: 100}}

	_, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)

	f.prices.setErr(upstream.NewError("helius", 503, 0, "unavailable"))
	f.tick(t, usdcMint)

	tok, err := f.tracker.GetTokenData(context.Background(), usdcMint)
	require.NoError(t, err)
	assert.Equal(t, 100.0, tok.Price.Price)
	assert.Empty(t, f.events.get(eventbus.ChannelTokenUpdate))
}

func TestPoll_FallbackPriceIgnoredForLiveToken(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.prices = []domain.TokenPrice{{Price: 100}, upstream.FallbackPrice()}

	_, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)

	f.tick(t, usdcMint)

	tok, err := f.tracker.GetTokenData(context.Background(), usdcMint)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStateLive, tok.State)
	assert.Equal(t, 100.0, tok.Price.Price)
	assert.Empty(t, f.tracker.Alerts(0))
}

func TestPoll_ResultDiscardedAfterRemoval(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.prices = []domain.TokenPrice{{Price: 100}}

	_, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)
	e, _, _ := f.tracker.lookup(usdcMint)

	require.NoError(t, f.tracker.StopTracking(context.Background(), usdcMint))

	f.tracker.applyPrice(context.Background(), usdcMint, e, &domain.TokenPrice{Price: 200})
	assert.Empty(t, f.events.get(eventbus.ChannelTokenUpdate))
	assert.Empty(t, f.tracker.Alerts(0))
}

func TestMonitor_SkipsTickWhilePollInFlight(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PollInterval = 5 * time.Millisecond })
	f.prices.prices = []domain.TokenPrice{{Price: 100}}

	_, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)
	require.Equal(t, 1, f.prices.callCount())

	release := make(chan struct{})
	f.prices.mu.Lock()
	f.prices.block = release
	f.prices.mu.Unlock()

	require.Eventually(t, func() bool { return f.prices.callCount() == 2 }, time.Second, time.Millisecond)

	// Many ticks pass while the poll is blocked; none start a second fetch.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.prices.callCount())

	f.prices.mu.Lock()
	f.prices.block = nil
	f.prices.mu.Unlock()
	close(release)

	require.Eventually(t, func() bool { return f.prices.callCount() > 2 }, time.Second, time.Millisecond)
}

func TestStopTracking(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.tracker.TrackToken(ctx, usdcMint, nil)
	require.NoError(t, err)
	e, _, _ := f.tracker.lookup(usdcMint)

	require.NoError(t, f.tracker.StopTracking(ctx, usdcMint))

	assert.Empty(t, f.tracker.GetTrackedTokens())
	require.Len(t, f.subs.subs, 1)
	assert.True(t, f.subs.subs[0].closed.Load())

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor still running after StopTracking returned")
	}

	removed := f.events.get(eventbus.ChannelTokenRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, RemovedEvent{Address: usdcMint}, removed[0])

	_, err = f.store.Get(ctx, usdcMint)
	assert.Error(t, err)

	_, err = f.tracker.GetTokenData(ctx, usdcMint)
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestStopTracking_UnknownIsNoop(t *testing.T) {
	f := newFixture(t, nil)

	err := f.tracker.StopTracking(context.Background(), usdcMint)
	require.NoError(t, err)
	assert.Empty(t, f.events.get(eventbus.ChannelTokenRemoved))

	// Twice in a row on a tracked token: the second call is a no-op too.
	_, err = f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)
	require.NoError(t, f.tracker.StopTracking(context.Background(), usdcMint))
	require.NoError(t, f.tracker.StopTracking(context.Background(), usdcMint))
	assert.Len(t, f.events.get(eventbus.ChannelTokenRemoved), 1)
}

func TestGetTokenData_FallbackMakesNoNetworkCall(t *testing.T) {
	f := newFixture(t, nil)
	f.meta.err = upstream.NewError("helius", 401, 0, "Unauthorized")

	_, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)
	before := f.prices.callCount()

	tok, err := f.tracker.GetTokenData(context.Background(), usdcMint)
	require.NoError(t, err)
	assert.True(t, tok.IsFallback())
	assert.Equal(t, before, f.prices.callCount())
}

func TestPoll_FallbackTokenKeepsFallbackPrice(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PollInterval = 5 * time.Millisecond })
	f.meta.err = upstream.NewError("helius", 401, 0, "invalid api key")
	f.prices.prices = []domain.TokenPrice{{Price: 100, Currency: "USD"}}

	tok, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)
	require.Equal(t, domain.TokenStateFallback, tok.State)
	callsAfterTrack := f.prices.callCount()

	// no monitor runs for a FALLBACK token
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, callsAfterTrack, f.prices.callCount())

	// a poll that slips through leaves the fallback data untouched
	f.tick(t, usdcMint)

	got, err := f.tracker.GetTokenData(context.Background(), usdcMint)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStateFallback, got.State)
	assert.Equal(t, upstream.FallbackPrice().Price, got.Price.Price)
	assert.True(t, got.Price.IsFallback)
	assert.True(t, got.Metadata.IsFallback)
	assert.Empty(t, f.tracker.Alerts(0))
	assert.Empty(t, f.events.get(eventbus.ChannelAlert))
	assert.Empty(t, f.events.get(eventbus.ChannelTokenUpdate))
}

func TestGetTokenData_RefreshFailureReturnsSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.prices = []domain.TokenPrice{{Price: 42}}

	_, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)

	f.prices.setErr(errors.New("timeout"))
	tok, err := f.tracker.GetTokenData(context.Background(), usdcMint)
	require.NoError(t, err)
	assert.Equal(t, 42.0, tok.Price.Price)
}

func TestGetTrackedTokens_Formatting(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.prices = []domain.TokenPrice{{
		Price:          1.5,
		PriceChange24h: domain.Float(-2.345),
		Volume24h:      domain.Float(1234.5),
	}}

	_, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)

	rows := f.tracker.GetTrackedTokens()
	require.Len(t, rows, 1)
	assert.Equal(t, "1.500000", rows[0].Price)
	assert.Equal(t, "-2.35", rows[0].Change24h)
	assert.Equal(t, "1234.50", rows[0].Volume24h)
	assert.Equal(t, NotAvailable, rows[0].MarketCap)
	assert.False(t, rows[0].IsFallback)
}

func TestTransactions_PushedForTrackedTokensOnly(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.tracker.TrackToken(context.Background(), usdcMint, nil)
	require.NoError(t, err)

	h := f.subs.handler(usdcMint)
	require.NotNil(t, h)
	h(domain.Transaction{Signature: "sig1", Type: "swap", Amount: 3})
	h(domain.Transaction{Signature: "sig2", Type: "transfer", Amount: 1})

	txs := f.tracker.Transactions(usdcMint, 10)
	require.Len(t, txs, 2)
	assert.Equal(t, "sig2", txs[0].Signature)
	assert.Equal(t, usdcMint, txs[1].MintAddress)
	assert.Len(t, f.events.get(eventbus.ChannelTransaction), 2)

	require.NoError(t, f.tracker.StopTracking(context.Background(), usdcMint))
	h(domain.Transaction{Signature: "late"})
	assert.Empty(t, f.tracker.Transactions(usdcMint, 10))
	assert.Len(t, f.events.get(eventbus.ChannelTransaction), 2)
}

func TestRestore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Upsert(ctx, &domain.TrackedTokenRecord{
		Address: usdcMint, ThresholdUp: 3, ThresholdDown: 4, CreatedAt: 1, UpdatedAt: 1,
	}))

	n, err := f.tracker.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tok, err := f.tracker.GetTokenData(ctx, usdcMint)
	require.NoError(t, err)
	assert.Equal(t, domain.Thresholds{Up: 3, Down: 4}, tok.Thresholds)
}

func TestClose(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.tracker.TrackToken(ctx, usdcMint, nil)
	require.NoError(t, err)

	require.NoError(t, f.tracker.Close())
	require.NoError(t, f.tracker.Close())

	assert.True(t, f.subs.subs[0].closed.Load())
	_, err = f.tracker.TrackToken(ctx, usdcMint, nil)
	assert.ErrorIs(t, err, ErrClosed)

	// Close keeps the persisted set for the next Restore.
	_, err = f.store.Get(ctx, usdcMint)
	assert.NoError(t, err)
}
