package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/basket/agentfs/internal/persistence"
)

func printScheduleUsage() {
	fmt.Fprintln(os.Stderr, `usage: agentfs schedule <action>

actions:
  list                        Show all schedules
  add [options]               Add a recurring schedule
      --name <name>           Human-readable schedule name (required)
      --cron <expr>           Cron expression, e.g. "0 6 * * *" or "@every 1h" (required)
      --task-id <id>          Fixed task id the schedule upserts (required)
      --title <title>         Title of the created task (required)
      --domain <domain>       Work queue for the task (required)
      --project <project>     Optional project scope
      --priority <1-9>        Task priority (default 3)
      --payload <json>        Optional JSON payload
  rm <id>                     Remove a schedule`)
}

func runScheduleCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printScheduleUsage()
		return 2
	}
	switch args[0] {
	case "list":
		return runScheduleList(ctx)
	case "add":
		return runScheduleAdd(ctx, args[1:])
	case "rm":
		return runScheduleRemove(ctx, args[1:])
	default:
		printScheduleUsage()
		return 2
	}
}

func runScheduleList(ctx context.Context) int {
	client, err := newClientFromConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var resp struct {
		Schedules []persistence.Schedule `json:"schedules"`
	}
	if err := client.get(ctx, "/api/v1/schedules", &resp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCRON\tTASK\tDOMAIN\tENABLED\tNEXT RUN")
	for _, s := range resp.Schedules {
		next := "-"
		if s.NextRunAt != nil {
			next = s.NextRunAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			s.ID, s.Name, s.CronExpr, s.TaskID, s.Domain, s.Enabled, next)
	}
	_ = tw.Flush()
	return 0
}

func runScheduleAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("schedule add", flag.ExitOnError)
	name := fs.String("name", "", "schedule name")
	cronExpr := fs.String("cron", "", "cron expression")
	taskID := fs.String("task-id", "", "fixed task id the schedule upserts")
	title := fs.String("title", "", "task title")
	domain := fs.String("domain", "", "work queue")
	project := fs.String("project", "", "project scope")
	priority := fs.Int("priority", 0, "task priority 1-9")
	payload := fs.String("payload", "", "JSON payload")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *name == "" || *cronExpr == "" || *taskID == "" || *title == "" || *domain == "" {
		printScheduleUsage()
		return 2
	}

	client, err := newClientFromConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	body := map[string]any{
		"name":      *name,
		"cron_expr": *cronExpr,
		"task_id":   *taskID,
		"title":     *title,
		"domain":    *domain,
	}
	if *project != "" {
		body["project"] = *project
	}
	if *priority > 0 {
		body["priority"] = *priority
	}
	if *payload != "" {
		body["payload"] = *payload
	}

	var sched persistence.Schedule
	if err := client.post(ctx, "/api/v1/schedules", body, &sched); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("schedule %s added (%s)\n", sched.Name, sched.ID)
	return 0
}

func runScheduleRemove(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: agentfs schedule rm <id>")
		return 2
	}

	client, err := newClientFromConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := client.del(ctx, "/api/v1/schedules/"+args[0], nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("schedule %s removed\n", args[0])
	return 0
}
