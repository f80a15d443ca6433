package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON:
  %s serve                    Run the task daemon (HTTP API + scheduler)

SUBCOMMANDS (talk to a running daemon):
  %s status                   Show daemon health (/healthz)
  %s tasks [options]          List tasks
                              Options: --domain, --status, --assigned-to, --limit
  %s pending --domain <d>     Show claimable tasks, highest priority first
  %s logs --domain <d>        Show recent audit entries
  %s agents                   Show known agents and their counters
  %s schedule <action>        Manage recurring schedules
                              Actions: list, add, rm
  %s seed [path]              Apply YAML seed files (default: seed dir)
  %s clear --domain <d>       Delete every task in a domain (asks to confirm)
  %s version                  Print the daemon version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTFS_HOME            Data directory (default: ~/.agentfs)
  AGENTFS_LISTEN_ADDR     Daemon bind address (default: 127.0.0.1:18790)
  AGENTFS_AUTH_TOKEN      Bearer token for the HTTP API

EXAMPLES:
  Run the daemon:         %s serve
  Check daemon health:    %s status
  Seed a work queue:      %s seed ./seeds/crawl.yaml
  Watch the queue:        %s pending --domain example.com
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
	case "serve":
		os.Exit(runServe(ctx, args))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "tasks":
		os.Exit(runTasksCommand(ctx, args))
	case "pending":
		os.Exit(runPendingCommand(ctx, args))
	case "logs":
		os.Exit(runLogsCommand(ctx, args))
	case "agents":
		os.Exit(runAgentsCommand(ctx, args))
	case "schedule":
		os.Exit(runScheduleCommand(ctx, args))
	case "seed":
		os.Exit(runSeedCommand(ctx, args))
	case "clear":
		os.Exit(runClearCommand(ctx, args))
	case "version":
		fmt.Println(Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

