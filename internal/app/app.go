// Package app wires every component of the service into one explicitly owned context.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"solana-token-tracker/internal/config"
	"solana-token-tracker/internal/eventbus"
	"solana-token-tracker/internal/helius"
	"solana-token-tracker/internal/httpapi"
	"solana-token-tracker/internal/logger"
	"solana-token-tracker/internal/notify"
	"solana-token-tracker/internal/solana"
	"solana-token-tracker/internal/tracker"
)

// App owns every long-lived component. Nothing is global; tests build their own.
type App struct {
	cfg *config.Config
	log *zap.Logger

	Registry *eventbus.Registry
	Tracker  *tracker.Tracker
	Hub      *eventbus.Hub
	HTTP     *httpapi.Server

	helius   *helius.Client
	solanaWS solana.WSClient
	stores   *stores
	notifier *notify.TelegramNotifier
	client   io.Closer // client log file

	startedAt time.Time
	closeOnce sync.Once
}

// New builds the application. Components that fail to start are closed again.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	log = logger.OrNop(log)
	a := &App{
		cfg:       cfg,
		log:       log,
		Registry:  eventbus.NewRegistry(log),
		startedAt: time.Now(),
	}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.stores = st

	p, err := buildProviders(cfg, log)
	if err != nil {
		return nil, err
	}
	a.helius = p.helius

	a.Tracker, err = tracker.New(tracker.Options{
		Metadata:           p.metadata,
		Prices:             p.prices,
		Subscriber:         p.helius,
		Bus:                a.Registry,
		Store:              st.tracked,
		History:            st.history,
		PollInterval:       cfg.PollInterval,
		AlertHistory:       cfg.AlertHistory,
		TransactionHistory: cfg.TransactionHistory,
		Logger:             log,
	})
	if err != nil {
		return nil, err
	}

	a.solanaWS = dialSolanaWS(ctx, cfg, log)
	a.Hub = eventbus.NewHub(a.Registry, a.solanaWS, eventbus.HubConfig{
		Subscription: solana.SubscriptionOptions{Commitment: cfg.WS.Commitment, Encoding: cfg.WS.Encoding},
		Logger:       log,
	})

	if cfg.TelegramBotToken != "" {
		b, err := notify.NewTelegramBot(cfg.TelegramBotToken)
		if err != nil {
			return nil, err
		}
		a.notifier = notify.NewTelegramNotifier(a.Registry, b, cfg.TelegramChatID, log)
	}

	clientLog := logger.RotatingFile(cfg.ClientLogFile)
	a.client = clientLog

	a.HTTP = httpapi.New(httpapi.Options{
		Port:       cfg.Port,
		AdminToken: cfg.AdminToken,
		Tokens:     a.Tracker,
		Keys:       p.keys,
		ClientLog:  clientLog,
		Events:     a.Hub,
		EventsPath: cfg.WSPath,
		Status:     a.Status,
		Logger:     log,
	})

	ok = true
	return a, nil
}

// dialSolanaWS connects the on-chain subscription proxy. The service runs without it on failure.
func dialSolanaWS(ctx context.Context, cfg *config.Config, log *zap.Logger) solana.WSClient {
	endpoint := wsEndpoint(cfg.SolanaRPCURL)
	wsCfg := solana.DefaultWSConfig()
	wsCfg.JSONRPCVersion = cfg.WS.JSONRPCVersion
	if cfg.WS.DefaultRequestID > 0 {
		wsCfg.FirstRequestID = uint64(cfg.WS.DefaultRequestID)
	}
	wsCfg.Provider = "solana-ws"
	wsCfg.Logger = log.Named("solana.ws")

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ws, err := solana.NewWSClient(ctx, endpoint, &wsCfg)
	if err != nil {
		log.Warn("solana websocket unavailable, account and program subscriptions disabled", zap.Error(err))
		return nil
	}
	return ws
}

// wsEndpoint derives the pubsub endpoint from an HTTP RPC url.
func wsEndpoint(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	}
	return rpcURL
}

// Run restores persisted tokens and serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	n, err := a.Tracker.Restore(ctx)
	if err != nil {
		a.log.Warn("restore tracked tokens failed", zap.Error(err))
	}
	a.Registry.Publish(eventbus.ChannelStatus, eventbus.StatusEvent{
		Status:  eventbus.StatusStarted,
		Message: fmt.Sprintf("%d tokens restored", n),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.HTTP.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownErr := a.HTTP.Shutdown(context.Background())
	if err := <-errCh; err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	return shutdownErr
}

// StatusResponse is the payload of GET /status.
type StatusResponse struct {
	Status         string    `json:"status"`
	Uptime         string    `json:"uptime"`
	StartedAt      time.Time `json:"startedAt"`
	TrackedTokens  int       `json:"trackedTokens"`
	FallbackTokens int       `json:"fallbackTokens"`
	WSClients      int       `json:"wsClients"`
	OnChainProxy   bool      `json:"onChainProxy"`
	PriceProvider  string    `json:"priceProvider"`
	MetaProvider   string    `json:"metadataProvider"`
	StoreDriver    string    `json:"storeDriver"`
}

// Status reports the running state of the service.
func (a *App) Status() any {
	resp := StatusResponse{
		Status:        "running",
		Uptime:        time.Since(a.startedAt).Round(time.Second).String(),
		StartedAt:     a.startedAt,
		WSClients:     a.Hub.Clients(),
		OnChainProxy:  a.solanaWS != nil,
		PriceProvider: a.cfg.PriceProvider,
		MetaProvider:  a.cfg.MetadataProvider,
		StoreDriver:   a.cfg.StoreDriver,
	}
	for _, tok := range a.Tracker.Tokens() {
		resp.TrackedTokens++
		if tok.IsFallback() {
			resp.FallbackTokens++
		}
	}
	return resp
}

// Close releases every component in reverse dependency order. Safe to call more than once.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.Hub != nil {
			errs = append(errs, a.Hub.Close())
		}
		if a.notifier != nil {
			errs = append(errs, a.notifier.Close())
		}
		if a.Tracker != nil {
			errs = append(errs, a.Tracker.Close())
		}
		if a.solanaWS != nil {
			errs = append(errs, a.solanaWS.Close())
		}
		if a.helius != nil {
			errs = append(errs, a.helius.Close())
		}
		if a.stores != nil {
			errs = append(errs, a.stores.Close())
		}
		if a.client != nil {
			errs = append(errs, a.client.Close())
		}
	})
	return errors.Join(errs...)
}
