package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/agentfs/internal/bus"
	"github.com/basket/agentfs/internal/config"
	"github.com/basket/agentfs/internal/persistence"
	"github.com/basket/agentfs/internal/seed"
)

// runSeedCommand applies seed files straight to the database, so queues can
// be loaded before the daemon ever starts. With no argument it applies the
// whole configured seed directory.
func runSeedCommand(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: agentfs seed [path]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.ResolvedDBPath(), bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()

	var results []seed.Result
	if len(args) == 1 {
		info, statErr := os.Stat(args[0])
		if statErr != nil {
			fmt.Fprintln(os.Stderr, statErr)
			return 1
		}
		if info.IsDir() {
			results, err = seed.ApplyDir(ctx, store, args[0], slog.Default())
		} else {
			var r seed.Result
			r, err = seed.ApplyFile(ctx, store, args[0])
			results = append(results, r)
		}
	} else {
		results, err = seed.ApplyDir(ctx, store, cfg.ResolvedSeedDir(), slog.Default())
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if len(results) == 0 {
		fmt.Println("no seed files found")
		return 0
	}
	for _, r := range results {
		fmt.Printf("%s: domain %s, %d created, %d updated\n", r.Path, r.Domain, r.Created, r.Updated)
	}
	return 0
}
