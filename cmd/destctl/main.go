// Command destctl manages destination configuration in the tradewatch store.
//
//	destctl apply -file destinations.yaml
//	destctl list
//	destctl untrack -dest desk -wallet 0xabc
//	destctl tracked [-dest desk]
//	destctl positions [-dest desk] [-wallet 0xabc]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/polyinsider/tradewatch/internal/config"
	"github.com/polyinsider/tradewatch/internal/ingest"
	"github.com/polyinsider/tradewatch/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		DBPath:      cfg.DBPath,
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    2,
	})
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	client := ingest.NewClient(ingest.ClientConfig{
		DataURL:        cfg.DataAPIURL,
		GammaURL:       cfg.GammaAPIURL,
		LeaderboardURL: cfg.LeaderboardAPIURL,
		RatePerSec:     cfg.APIRatePerSec,
	})

	if err := run(ctx, db, client, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		db.Close()
		os.Exit(1)
	}
}

// adminDB is the store surface destctl needs.
type adminDB interface {
	store.AdminStore
	store.ConfigStore
}

// positionSource looks up a wallet's open positions.
type positionSource interface {
	WalletPositions(ctx context.Context, wallet string) ([]ingest.Position, error)
}

func run(ctx context.Context, db adminDB, positions positionSource, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "apply":
		fs := flag.NewFlagSet("apply", flag.ContinueOnError)
		file := fs.String("file", "destinations.yaml", "seed file to apply")
		if err := fs.Parse(args); err != nil {
			return err
		}
		seed, err := config.LoadSeed(*file)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, db); err != nil {
			return err
		}
		fmt.Fprintf(out, "applied %d destinations from %s\n", len(seed.Destinations), *file)
		return nil

	case "list":
		dests, err := db.ListDestinations(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tPAUSED\tWHALE\tFRESH\tSPORTS\tVOL%\tROUTES")
		for _, d := range dests {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%.0f\t%.0f\t%.0f\t%.1f\t%s\n",
				d.ID, d.Name, d.Paused, d.WhaleThreshold, d.FreshThreshold,
				d.SportsThreshold, d.VolatilityThreshold, formatRoutes(d.Routes))
		}
		return tw.Flush()

	case "untrack":
		fs := flag.NewFlagSet("untrack", flag.ContinueOnError)
		dest := fs.String("dest", "", "destination id")
		wallet := fs.String("wallet", "", "wallet address")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *dest == "" || *wallet == "" {
			return fmt.Errorf("-dest and -wallet are required")
		}
		return db.UntrackWallet(ctx, *dest, strings.ToLower(*wallet))

	case "tracked":
		fs := flag.NewFlagSet("tracked", flag.ContinueOnError)
		dest := fs.String("dest", "", "only this destination")
		if err := fs.Parse(args); err != nil {
			return err
		}
		tracked, err := trackedFor(ctx, db, *dest)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEST\tWALLET\tLABEL\tADDED BY\tADDED AT")
		for _, w := range tracked {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				w.DestinationID, w.Wallet, orDash(w.Label), orDash(w.AddedBy), formatTime(w.AddedAt))
		}
		return tw.Flush()

	case "positions":
		fs := flag.NewFlagSet("positions", flag.ContinueOnError)
		dest := fs.String("dest", "", "only wallets tracked by this destination")
		wallet := fs.String("wallet", "", "look up one wallet instead of the tracked set")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if positions == nil {
			return fmt.Errorf("no position source configured")
		}
		var wallets []string
		if *wallet != "" {
			wallets = []string{strings.ToLower(*wallet)}
		} else {
			tracked, err := trackedFor(ctx, db, *dest)
			if err != nil {
				return err
			}
			seen := make(map[string]bool)
			for _, w := range tracked {
				if !seen[w.Wallet] {
					seen[w.Wallet] = true
					wallets = append(wallets, w.Wallet)
				}
			}
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WALLET\tMARKET\tOUTCOME\tSIZE\tAVG\tCUR\tVALUE\tPNL")
		for _, w := range wallets {
			list, err := positions.WalletPositions(ctx, w)
			if err != nil {
				return fmt.Errorf("positions for %s: %w", w, err)
			}
			total := 0.0
			for _, p := range list {
				total += p.CurrentValue
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.3f\t%.3f\t%.2f\t%+.2f\n",
					w, truncate(p.Title, 48), orDash(p.Outcome), p.Size, p.AvgPrice, p.CurPrice, p.CurrentValue, p.CashPnL)
			}
			fmt.Fprintf(tw, "%s\t(%d positions)\t\t\t\t\t%.2f\t\n", w, len(list), total)
		}
		return tw.Flush()

	default:
		usage(out)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// trackedFor lists tracked wallets, optionally narrowed to one destination.
func trackedFor(ctx context.Context, db store.ConfigStore, dest string) ([]store.TrackedWallet, error) {
	all, err := db.TrackedWallets(ctx)
	if err != nil {
		return nil, err
	}
	if dest == "" {
		return all, nil
	}
	var out []store.TrackedWallet
	for _, w := range all {
		if w.DestinationID == dest {
			out = append(out, w)
		}
	}
	return out, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func formatRoutes(r store.Routes) string {
	var parts []string
	add := func(name, route string) {
		if route != "" {
			parts = append(parts, name+"="+route)
		}
	}
	add("default", r.Default)
	add("whale", r.Whale)
	add("fresh", r.Fresh)
	add("sports", r.Sports)
	add("bonds", r.Bonds)
	add("tracked", r.Tracked)
	add("top_trader", r.TopTrader)
	add("volatility", r.Volatility)
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: destctl <apply|list|untrack|tracked|positions> [flags]")
}
