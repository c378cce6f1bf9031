// Package main is a command line client for the token tracker HTTP API and event stream.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/tracker"
)

func main() {
	app := &cli.App{
		Name:  "tokenctl",
		Usage: "Manage and watch tokens on a running tracker",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Value: "http://localhost:3000", EnvVars: []string{"TRACKER_URL"}, Usage: "Tracker base URL"},
		},
		Commands: []*cli.Command{
			{
				Name:      "track",
				Usage:     "Start tracking a token",
				ArgsUsage: "<mint>",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "up", Usage: "Upward alert threshold in percent"},
					&cli.Float64Flag{Name: "down", Usage: "Downward alert threshold in percent"},
				},
				Action: track,
			},
			{
				Name:      "untrack",
				Usage:     "Stop tracking a token",
				ArgsUsage: "<mint>",
				Action:    untrack,
			},
			{
				Name:      "get",
				Usage:     "Show the current data of a token",
				ArgsUsage: "<mint>",
				Action:    get,
			},
			{
				Name:   "list",
				Usage:  "List tracked tokens",
				Action: list,
			},
			{
				Name:  "alerts",
				Usage: "Show recent price alerts",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Maximum alerts to show"},
				},
				Action: alerts,
			},
			{
				Name:  "watch",
				Usage: "Print events from the tracker WebSocket",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "account", Usage: "Also subscribe to on-chain updates of this account"},
					&cli.StringSliceFlag{Name: "program", Usage: "Also subscribe to on-chain updates of this program"},
					&cli.StringFlag{Name: "path", Value: "/ws", Usage: "WebSocket path on the server"},
				},
				Action: watch,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func mintArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit("expected exactly one mint address", 2)
	}
	return c.Args().First(), nil
}

func track(c *cli.Context) error {
	mint, err := mintArg(c)
	if err != nil {
		return err
	}
	var th *domain.Thresholds
	if c.IsSet("up") || c.IsSet("down") {
		def := domain.DefaultThresholds()
		th = &def
		if c.IsSet("up") {
			th.Up = c.Float64("up")
		}
		if c.IsSet("down") {
			th.Down = c.Float64("down")
		}
	}
	tok, err := newAPIClient(c.String("server")).Track(c.Context, mint, th)
	if err != nil {
		return err
	}
	printToken(c.App.Writer, tok)
	return nil
}

func untrack(c *cli.Context) error {
	mint, err := mintArg(c)
	if err != nil {
		return err
	}
	if err := newAPIClient(c.String("server")).Untrack(c.Context, mint); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "stopped tracking %s\n", mint)
	return nil
}

func get(c *cli.Context) error {
	mint, err := mintArg(c)
	if err != nil {
		return err
	}
	tok, err := newAPIClient(c.String("server")).Get(c.Context, mint)
	if err != nil {
		return err
	}
	printToken(c.App.Writer, tok)
	return nil
}

func list(c *cli.Context) error {
	tokens, err := newAPIClient(c.String("server")).List(c.Context)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tPRICE\t24H\tVOLUME\tMARKET CAP\tADDRESS")
	for _, t := range tokens {
		sym := t.Symbol
		if t.IsFallback {
			sym += " (fallback)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", sym, t.Price, t.Change24h, t.Volume24h, t.MarketCap, t.Address)
	}
	return tw.Flush()
}

func alerts(c *cli.Context) error {
	items, err := newAPIClient(c.String("server")).Alerts(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSYMBOL\tTYPE\tCHANGE\tOLD\tNEW")
	for _, a := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s%%\t%.6f\t%.6f\n",
			a.Timestamp.Local().Format("15:04:05"), a.Symbol, a.Type, a.Change, a.OldPrice, a.NewPrice)
	}
	return tw.Flush()
}

func printToken(w io.Writer, t *tokenView) {
	fmt.Fprintf(w, "%s (%s)\n", t.Metadata.Name, t.Metadata.Symbol)
	fmt.Fprintf(w, "  address: %s\n", t.Address)
	fmt.Fprintf(w, "  price:   %s USD (24h %s%%)\n", tracker.FormatPrice(t.Price.Price), tracker.FormatOptional(t.Price.PriceChange24h, 2))
	fmt.Fprintf(w, "  alerts:  +%.2f%% / -%.2f%%\n", t.Thresholds.Up, t.Thresholds.Down)
	if t.Warning != "" {
		fmt.Fprintf(w, "  warning: %s\n", t.Warning)
	}
}
