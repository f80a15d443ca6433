package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/basket/agentfs/internal/persistence"
)

func runTasksCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tasks", flag.ExitOnError)
	domain := fs.String("domain", "", "filter by domain")
	status := fs.String("status", "", "filter by status (pending, in_progress, blocked, completed, cancelled)")
	assignedTo := fs.String("assigned-to", "", "filter by claiming agent")
	limit := fs.Int("limit", 0, "max rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client, err := newClientFromConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	q := url.Values{}
	if *domain != "" {
		q.Set("domain", *domain)
	}
	if *status != "" {
		q.Set("status", *status)
	}
	if *assignedTo != "" {
		q.Set("assigned_to", *assignedTo)
	}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}

	var resp struct {
		Tasks []persistence.Task `json:"tasks"`
	}
	if err := client.get(ctx, "/api/v1/tasks?"+q.Encode(), &resp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printTaskTable(resp.Tasks)
	return 0
}

func runPendingCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("pending", flag.ExitOnError)
	domain := fs.String("domain", "", "work queue to inspect (required)")
	limit := fs.Int("limit", 0, "max rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *domain == "" {
		fmt.Fprintln(os.Stderr, "usage: agentfs pending --domain <domain> [--limit n]")
		return 2
	}

	client, err := newClientFromConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	q := url.Values{"domain": {*domain}}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	var resp struct {
		Tasks []persistence.Task `json:"tasks"`
	}
	if err := client.get(ctx, "/api/v1/pending?"+q.Encode(), &resp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printTaskTable(resp.Tasks)
	return 0
}

func runLogsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	domain := fs.String("domain", "", "work queue to inspect (required)")
	level := fs.String("level", "", "filter by level (debug, info, warn, error)")
	limit := fs.Int("limit", 0, "max rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *domain == "" {
		fmt.Fprintln(os.Stderr, "usage: agentfs logs --domain <domain> [--level l] [--limit n]")
		return 2
	}

	client, err := newClientFromConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	q := url.Values{"domain": {*domain}}
	if *level != "" {
		q.Set("level", *level)
	}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	var resp struct {
		Logs []persistence.LogEntry `json:"logs"`
	}
	if err := client.get(ctx, "/api/v1/logs?"+q.Encode(), &resp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tLEVEL\tAGENT\tACTION\tTASK\tMESSAGE")
	for _, entry := range resp.Logs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			entry.CreatedAt.Format("2006-01-02 15:04:05"),
			entry.Level, entry.AgentID, entry.Action, entry.TaskID, entry.Message)
	}
	_ = tw.Flush()
	return 0
}

func runAgentsCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: agentfs agents")
		return 2
	}

	client, err := newClientFromConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var resp struct {
		Agents []persistence.Agent `json:"agents"`
	}
	if err := client.get(ctx, "/api/v1/agents", &resp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tLAST SEEN\tCREATED\tCLAIMED\tCOMPLETED\tFAILED")
	for _, a := range resp.Agents {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n",
			a.AgentID, a.LastSeenAt.Format("2006-01-02 15:04:05"),
			a.TasksCreated, a.TasksClaimed, a.TasksCompleted, a.TasksFailed)
	}
	_ = tw.Flush()
	return 0
}

func runClearCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	domain := fs.String("domain", "", "work queue to wipe (required)")
	project := fs.String("project", "", "optionally scope the wipe to one project")
	confirm := fs.String("confirm", "", "must be "+persistence.ClearConfirmToken)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *domain == "" {
		fmt.Fprintln(os.Stderr, "usage: agentfs clear --domain <domain> [--project p] --confirm "+persistence.ClearConfirmToken)
		return 2
	}
	if *confirm != persistence.ClearConfirmToken {
		fmt.Fprintf(os.Stderr, "refusing to wipe %q: pass --confirm %s\n", *domain, persistence.ClearConfirmToken)
		return 2
	}

	client, err := newClientFromConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	q := url.Values{"domain": {*domain}, "confirm": {*confirm}}
	if *project != "" {
		q.Set("project", *project)
	}
	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	if err := client.del(ctx, "/api/v1/tasks?"+q.Encode(), &resp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("deleted %d tasks from %s\n", resp.Deleted, *domain)
	return 0
}

func printTaskTable(tasks []persistence.Task) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tPRI\tSTATUS\tASSIGNED\tDOMAIN\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			t.TaskID, t.Priority, t.Status, t.AssignedTo, t.Domain, t.Title)
	}
	_ = tw.Flush()
}
