package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentfs/internal/bus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreate(t *testing.T, store *Store, p CreateTaskParams) *Task {
	t.Helper()
	if p.CreatedBy == "" {
		p.CreatedBy = "agent-test"
	}
	if p.Domain == "" {
		p.Domain = "example.com"
	}
	task, err := store.CreateTask(context.Background(), p)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, CreateTaskParams{Title: "Write homepage meta"})
	if task.Status != StatusPending {
		t.Errorf("status = %q, want pending", task.Status)
	}
	if task.Priority != DefaultPriority {
		t.Errorf("priority = %d, want %d", task.Priority, DefaultPriority)
	}
	if len(task.TaskID) != len("task_")+12 {
		t.Errorf("task id %q has unexpected length", task.TaskID)
	}

	logs, err := store.TaskLogs(ctx, task.TaskID, 0)
	if err != nil {
		t.Fatalf("task logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("got %d log rows, want 1", len(logs))
	}
	if logs[0].Action != "task_created" {
		t.Errorf("log action = %q, want task_created", logs[0].Action)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateTask(ctx, CreateTaskParams{Domain: "example.com", CreatedBy: "a"})
	if !IsValidation(err) {
		t.Errorf("missing title: got %v, want validation error", err)
	}
	_, err = store.CreateTask(ctx, CreateTaskParams{Title: "t", CreatedBy: "a"})
	if !IsValidation(err) {
		t.Errorf("missing domain: got %v, want validation error", err)
	}
	_, err = store.CreateTask(ctx, CreateTaskParams{Title: "t", Domain: "example.com"})
	if !IsValidation(err) {
		t.Errorf("missing created_by: got %v, want validation error", err)
	}
}

func TestCreateWithBlockedByStaysPending(t *testing.T) {
	store := newTestStore(t)

	dep := mustCreate(t, store, CreateTaskParams{Title: "producer"})
	task := mustCreate(t, store, CreateTaskParams{Title: "consumer", BlockedBy: []string{dep.TaskID}})
	if task.Status != StatusPending {
		t.Errorf("status = %q, want pending; dependencies gate only after hold", task.Status)
	}
	if len(task.BlockedBy) != 1 || task.BlockedBy[0] != dep.TaskID {
		t.Errorf("blocked_by = %v, want [%s]", task.BlockedBy, dep.TaskID)
	}
}

func TestClaimTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, CreateTaskParams{Title: "crawl sitemap"})
	claimed, err := store.ClaimTask(ctx, task.TaskID, "agent-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusInProgress {
		t.Errorf("status = %q, want in_progress", claimed.Status)
	}
	if claimed.AssignedTo != "agent-a" {
		t.Errorf("assigned_to = %q, want agent-a", claimed.AssignedTo)
	}
	if claimed.StartedAt == nil {
		t.Error("started_at not set")
	}

	// Second claim must lose.
	_, err = store.ClaimTask(ctx, task.TaskID, "agent-b")
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("second claim: got %v, want ErrInvalidStateTransition", err)
	}
	// The loser must not overwrite the assignment.
	got, err := store.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AssignedTo != "agent-a" {
		t.Errorf("assigned_to after losing claim = %q, want agent-a", got.AssignedTo)
	}
}

func TestClaimMissingTask(t *testing.T) {
	store := newTestStore(t)
	_, err := store.ClaimTask(context.Background(), "task_missing00000", "agent-a")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("got %v, want ErrTaskNotFound", err)
	}
}

func TestConcurrentClaimsExactlyOneWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, store, CreateTaskParams{Title: "contested"})

	const claimers = 16
	var wg sync.WaitGroup
	errs := make([]error, claimers)
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = store.ClaimTask(ctx, task.TaskID, "agent-"+string(rune('a'+i)))
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrInvalidStateTransition):
		default:
			t.Errorf("claimer %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("got %d winners, want exactly 1", winners)
	}

	got, err := store.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("status = %q, want in_progress", got.Status)
	}

	logs, err := store.TaskLogs(ctx, task.TaskID, 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	claimedRows := 0
	for _, l := range logs {
		if l.Action == "task_claimed" {
			claimedRows++
		}
	}
	if claimedRows != 1 {
		t.Errorf("got %d task_claimed rows, want 1", claimedRows)
	}
}

func TestUpdateProgressPartialPatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, store, CreateTaskParams{Title: "long crawl"})
	if _, err := store.ClaimTask(ctx, task.TaskID, "agent-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	pct := 40
	notes := "fetched 400 of 1000 pages"
	if err := store.UpdateProgress(ctx, task.TaskID, "agent-a", &pct, &notes); err != nil {
		t.Fatalf("progress: %v", err)
	}

	// Patching only the percent must leave the notes alone.
	pct2 := 60
	if err := store.UpdateProgress(ctx, task.TaskID, "agent-a", &pct2, nil); err != nil {
		t.Fatalf("progress: %v", err)
	}

	got, err := store.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProgressPercent == nil || *got.ProgressPercent != 60 {
		t.Errorf("progress_percent = %v, want 60", got.ProgressPercent)
	}
	if got.ProgressNotes != notes {
		t.Errorf("progress_notes = %q, want %q", got.ProgressNotes, notes)
	}

	bad := 150
	if err := store.UpdateProgress(ctx, task.TaskID, "agent-a", &bad, nil); !IsValidation(err) {
		t.Errorf("percent 150: got %v, want validation error", err)
	}
}

func TestCompleteTaskCascade(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	producer := mustCreate(t, store, CreateTaskParams{Title: "crawl"})
	other := mustCreate(t, store, CreateTaskParams{Title: "audit"})
	consumer := mustCreate(t, store, CreateTaskParams{
		Title:     "report",
		BlockedBy: []string{producer.TaskID, other.TaskID},
	})
	if err := store.SetBlocks(ctx, producer.TaskID, []string{consumer.TaskID}); err != nil {
		t.Fatalf("set blocks: %v", err)
	}
	if err := store.SetBlocks(ctx, other.TaskID, []string{consumer.TaskID}); err != nil {
		t.Fatalf("set blocks: %v", err)
	}
	if err := store.HoldTask(ctx, consumer.TaskID, "agent-a"); err != nil {
		t.Fatalf("hold: %v", err)
	}

	if _, err := store.ClaimTask(ctx, producer.TaskID, "agent-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteTask(ctx, producer.TaskID, "agent-a", `{"pages":12}`); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// One of two dependencies done: still blocked, list shrunk.
	got, err := store.GetTask(ctx, consumer.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusBlocked {
		t.Errorf("status = %q, want blocked after partial cascade", got.Status)
	}
	if len(got.BlockedBy) != 1 || got.BlockedBy[0] != other.TaskID {
		t.Errorf("blocked_by = %v, want [%s]", got.BlockedBy, other.TaskID)
	}

	if _, err := store.ClaimTask(ctx, other.TaskID, "agent-b"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteTask(ctx, other.TaskID, "agent-b", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err = store.GetTask(ctx, consumer.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want pending after full cascade", got.Status)
	}
	if len(got.BlockedBy) != 0 {
		t.Errorf("blocked_by = %v, want empty", got.BlockedBy)
	}

	done, err := store.GetTask(ctx, producer.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("producer status = %q, want completed", done.Status)
	}
	if done.ProgressPercent == nil || *done.ProgressPercent != 100 {
		t.Errorf("producer progress = %v, want 100", done.ProgressPercent)
	}
	if done.Result != `{"pages":12}` {
		t.Errorf("producer result = %q", done.Result)
	}
	if done.CompletedBy != "agent-a" || done.CompletedAt == nil {
		t.Errorf("completion metadata missing: by=%q at=%v", done.CompletedBy, done.CompletedAt)
	}
}

func TestCascadeSkipsMissingDependents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	producer := mustCreate(t, store, CreateTaskParams{Title: "crawl"})
	if err := store.SetBlocks(ctx, producer.TaskID, []string{"task_gonegonegone"}); err != nil {
		t.Fatalf("set blocks: %v", err)
	}
	if _, err := store.ClaimTask(ctx, producer.TaskID, "agent-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteTask(ctx, producer.TaskID, "agent-a", ""); err != nil {
		t.Fatalf("complete with dangling dependent: %v", err)
	}
}

func TestFailTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, store, CreateTaskParams{Title: "flaky fetch"})
	if _, err := store.ClaimTask(ctx, task.TaskID, "agent-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.FailTask(ctx, task.TaskID, "agent-a", "upstream 503"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := store.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusBlocked {
		t.Errorf("status = %q, want blocked", got.Status)
	}
	if got.ErrorMessage != "upstream 503" {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}

	logs, err := store.TaskLogs(ctx, task.TaskID, 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if logs[0].Action != "task_failed" || logs[0].Level != LevelError {
		t.Errorf("newest log = %s/%s, want task_failed/error", logs[0].Action, logs[0].Level)
	}
}

func TestHoldAndCancelRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, CreateTaskParams{Title: "held"})
	if err := store.HoldTask(ctx, task.TaskID, "agent-a"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	got, _ := store.GetTask(ctx, task.TaskID)
	if got.Status != StatusBlocked {
		t.Errorf("status = %q, want blocked", got.Status)
	}
	// Hold is pending-only.
	if err := store.HoldTask(ctx, task.TaskID, "agent-a"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("hold blocked task: got %v, want ErrInvalidStateTransition", err)
	}
	// Blocked tasks may be cancelled.
	if err := store.CancelTask(ctx, task.TaskID, "admin", "superseded"); err != nil {
		t.Fatalf("cancel blocked: %v", err)
	}

	running := mustCreate(t, store, CreateTaskParams{Title: "running"})
	if _, err := store.ClaimTask(ctx, running.TaskID, "agent-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CancelTask(ctx, running.TaskID, "admin", ""); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("cancel in_progress: got %v, want ErrInvalidStateTransition", err)
	}
}

func TestUpsertTaskIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := UpsertTaskParams{
		TaskID:    "task_seedhomepage",
		Title:     "Refresh homepage audit",
		Domain:    "example.com",
		Priority:  2,
		CreatedBy: "seeder",
	}
	first, err := store.UpsertTask(ctx, p)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Action != "created" {
		t.Errorf("first action = %q, want created", first.Action)
	}

	p.Title = "Refresh homepage audit (v2)"
	p.Priority = 1
	second, err := store.UpsertTask(ctx, p)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.Action != "updated" {
		t.Errorf("second action = %q, want updated", second.Action)
	}

	tasks, err := store.ListTasks(ctx, "example.com", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	if tasks[0].Title != "Refresh homepage audit (v2)" || tasks[0].Priority != 1 {
		t.Errorf("row carries %q/%d, want second call's values", tasks[0].Title, tasks[0].Priority)
	}
}

func TestBulkCreateTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	specs := []TaskSpec{
		{Title: "page 1", Domain: "example.com"},
		{Title: "page 2", Domain: "example.com"},
		{Title: "page 3", Domain: "example.com"},
	}
	ids, err := store.BulkCreateTasks(ctx, specs, "seeder")
	if err != nil {
		t.Fatalf("bulk create: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d ids, want 3", len(ids))
	}

	logs, err := store.DomainLogs(ctx, "example.com", "", 0)
	if err != nil {
		t.Fatalf("domain logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "bulk_tasks_created" {
		t.Errorf("bulk insert must leave one summary row, got %d rows", len(logs))
	}

	if _, err := store.BulkCreateTasks(ctx, nil, "seeder"); !IsValidation(err) {
		t.Errorf("empty batch: got %v, want validation error", err)
	}
}

func TestPendingTasksOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	low := 4
	high := 1
	mustCreate(t, store, CreateTaskParams{Title: "low", Priority: &low})
	mustCreate(t, store, CreateTaskParams{Title: "normal-first"})
	mustCreate(t, store, CreateTaskParams{Title: "urgent", Priority: &high})
	mustCreate(t, store, CreateTaskParams{Title: "normal-second"})

	got, err := store.PendingTasks(ctx, "example.com", 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	want := []string{"urgent", "normal-first", "normal-second", "low"}
	if len(got) != len(want) {
		t.Fatalf("got %d tasks, want %d", len(got), len(want))
	}
	for i, title := range want {
		if got[i].Title != title {
			t.Errorf("pending[%d] = %q, want %q", i, got[i].Title, title)
		}
	}
}

func TestListTasksFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, store, CreateTaskParams{Title: "a", Domain: "one.com"})
	mustCreate(t, store, CreateTaskParams{Title: "b", Domain: "two.com"})
	if _, err := store.ClaimTask(ctx, a.TaskID, "agent-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	all, err := store.ListTasks(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("list all: got %d, want 2", len(all))
	}

	one, err := store.ListTasks(ctx, "one.com", StatusInProgress, 0)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(one) != 1 || one[0].TaskID != a.TaskID {
		t.Errorf("filtered list = %v", one)
	}

	if _, err := store.ListTasks(ctx, "", "bogus", 0); !IsValidation(err) {
		t.Errorf("bogus status: got %v, want validation error", err)
	}
}

func TestClearDomainConfirmGuard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, CreateTaskParams{Title: "a", Domain: "one.com"})
	mustCreate(t, store, CreateTaskParams{Title: "b", Domain: "one.com", Project: "redesign"})
	mustCreate(t, store, CreateTaskParams{Title: "c", Domain: "two.com"})

	if _, err := store.ClearDomain(ctx, "one.com", "", "yes really"); !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("wrong token: got %v, want ErrConfirmationRequired", err)
	}

	n, err := store.ClearDomain(ctx, "one.com", "redesign", ClearConfirmToken)
	if err != nil {
		t.Fatalf("clear project: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared %d, want 1", n)
	}

	n, err = store.ClearDomain(ctx, "one.com", "", ClearConfirmToken)
	if err != nil {
		t.Fatalf("clear domain: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared %d, want 1", n)
	}

	remaining, err := store.ListTasks(ctx, "two.com", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("other domain lost tasks: %d remain", len(remaining))
	}

	// The deletion itself is logged even though the tasks are gone.
	logs, err := store.DomainLogs(ctx, "one.com", LevelWarn, 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("got %d warn rows, want 2 clear summaries", len(logs))
	}
}

func TestSweepStaleClaims(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, CreateTaskParams{Title: "abandoned"})
	if _, err := store.ClaimTask(ctx, task.TaskID, "agent-gone"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	fresh := mustCreate(t, store, CreateTaskParams{Title: "fresh"})
	if _, err := store.ClaimTask(ctx, fresh.TaskID, "agent-here"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Backdate the first claim past the ttl.
	if _, err := store.db.ExecContext(ctx, `
		UPDATE tasks SET started_at = ? WHERE task_id = ?;
	`, time.Now().UTC().Add(-2*time.Hour), task.TaskID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := store.SweepStaleClaims(ctx, time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	got, _ := store.GetTask(ctx, task.TaskID)
	if got.Status != StatusBlocked {
		t.Errorf("stale task status = %q, want blocked", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("stale task has no error message")
	}
	kept, _ := store.GetTask(ctx, fresh.TaskID)
	if kept.Status != StatusInProgress {
		t.Errorf("fresh task status = %q, want in_progress", kept.Status)
	}
}

func TestAgentRegistryCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, CreateTaskParams{Title: "t", Domain: "example.com", CreatedBy: "agent-a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ClaimTask(ctx, task.TaskID, "agent-b"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteTask(ctx, task.TaskID, "agent-b", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	a, err := store.GetAgent(ctx, "agent-a")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a == nil || a.TasksCreated != 1 {
		t.Errorf("agent-a = %+v, want tasks_created 1", a)
	}
	b, err := store.GetAgent(ctx, "agent-b")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if b == nil || b.TasksClaimed != 1 || b.TasksCompleted != 1 {
		t.Errorf("agent-b = %+v, want claimed 1 completed 1", b)
	}
	if b.LastAction != "task_completed" {
		t.Errorf("agent-b last_action = %q", b.LastAction)
	}

	unknown, err := store.GetAgent(ctx, "agent-z")
	if err != nil {
		t.Fatalf("get unknown agent: %v", err)
	}
	if unknown != nil {
		t.Errorf("unknown agent = %+v, want nil", unknown)
	}
}

func TestCountsByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, CreateTaskParams{Title: "p1"})
	mustCreate(t, store, CreateTaskParams{Title: "p2"})
	running := mustCreate(t, store, CreateTaskParams{Title: "r"})
	if _, err := store.ClaimTask(ctx, running.TaskID, "agent-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	counts, err := store.Counts(ctx, "example.com")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Pending != 2 || counts.InProgress != 1 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestUpsertTaskEventCarriesCurrentStatus(t *testing.T) {
	eventBus := bus.New()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	p := UpsertTaskParams{
		TaskID:    "task_refreshcrawl",
		Title:     "Refresh crawl",
		Domain:    "example.com",
		Priority:  2,
		CreatedBy: "seeder",
	}
	if _, err := store.UpsertTask(ctx, p); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if _, err := store.ClaimTask(ctx, p.TaskID, "agent-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	sub := eventBus.Subscribe(bus.TopicTaskCreated)
	defer eventBus.Unsubscribe(sub)

	p.Title = "Refresh crawl (v2)"
	if _, err := store.UpsertTask(ctx, p); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.TaskEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.Status != string(StatusInProgress) {
			t.Errorf("event status = %q, want %q", payload.Status, StatusInProgress)
		}
	case <-time.After(time.Second):
		t.Fatal("no task.created event for upsert")
	}
}
