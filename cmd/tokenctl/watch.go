package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"solana-token-tracker/internal/eventbus"
)

var watchedChannels = []string{
	eventbus.ChannelStatus,
	eventbus.ChannelTokenAdded,
	eventbus.ChannelTokenRemoved,
	eventbus.ChannelTokenUpdate,
	eventbus.ChannelTransaction,
	eventbus.ChannelAlert,
}

// wsURL turns the API base URL into the event stream URL.
func wsURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

func watch(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := eventbus.NewClient(eventbus.ClientConfig{
		URL:    wsURL(c.String("server"), c.String("path")),
		Logger: zap.NewNop(),
	})

	out := c.App.Writer
	printer := func(channel string) eventbus.Handler {
		return func(data any) {
			raw, ok := data.(json.RawMessage)
			if !ok {
				raw, _ = json.Marshal(data)
			}
			fmt.Fprintf(out, "%s %-16s %s\n", time.Now().Format("15:04:05"), channel, raw)
		}
	}

	for _, ch := range watchedChannels {
		client.Subscribe(ch, printer(ch))
	}
	for _, addr := range c.StringSlice("account") {
		ch := eventbus.AccountChannel(addr)
		client.Subscribe(ch, printer(ch))
	}
	for _, addr := range c.StringSlice("program") {
		ch := eventbus.ProgramChannel(addr)
		client.Subscribe(ch, printer(ch))
	}

	fallback := make(chan struct{}, 1)
	client.Subscribe(eventbus.ChannelStatus, func(data any) {
		var st eventbus.StatusEvent
		if raw, ok := data.(json.RawMessage); ok && json.Unmarshal(raw, &st) == nil && st.Status == eventbus.StatusStopped {
			select {
			case fallback <- struct{}{}:
			default:
			}
		}
	})

	if err := client.Connect(ctx); err != nil && client.State() != eventbus.StateFallback {
		return err
	}
	defer client.Disconnect()

	select {
	case <-ctx.Done():
		return nil
	case <-fallback:
		return cli.Exit("event stream unavailable, giving up", 1)
	}
}
