package bus

// Task lifecycle topics. One event is published per successful mutating
// operation, after the transaction commits.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskClaimed   = "task.claimed"
	TopicTaskProgress  = "task.progress"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskBlocked   = "task.blocked"
	TopicTaskUnblocked = "task.unblocked"
	TopicTaskCancelled = "task.cancelled"
	TopicTasksCleared  = "task.cleared"
)

// TaskEvent is the payload for all task.* topics except task.cleared.
type TaskEvent struct {
	TaskID  string // Task identifier
	Domain  string // Work queue the task belongs to
	AgentID string // Actor that caused the change
	Status  string // Task status after the change
}

// TasksClearedEvent is the payload for task.cleared.
type TasksClearedEvent struct {
	Domain  string // Cleared domain
	Project string // Optional project scope, "" for the whole domain
	Deleted int64  // Number of tasks removed
}
