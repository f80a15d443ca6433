package persistence

import "github.com/basket/agentfs/internal/bus"

// Local aliases so the operation code reads without the package prefix.
const (
	busTopicTaskCreated   = bus.TopicTaskCreated
	busTopicTaskClaimed   = bus.TopicTaskClaimed
	busTopicTaskProgress  = bus.TopicTaskProgress
	busTopicTaskCompleted = bus.TopicTaskCompleted
	busTopicTaskFailed    = bus.TopicTaskFailed
	busTopicTaskBlocked   = bus.TopicTaskBlocked
	busTopicTaskUnblocked = bus.TopicTaskUnblocked
	busTopicTaskCancelled = bus.TopicTaskCancelled
	busTopicTasksCleared  = bus.TopicTasksCleared
)

func taskEventPayload(taskID, domain, agentID string, status TaskStatus) bus.TaskEvent {
	return bus.TaskEvent{
		TaskID:  taskID,
		Domain:  domain,
		AgentID: agentID,
		Status:  string(status),
	}
}

func clearedEventPayload(domain, project string, deleted int64) bus.TasksClearedEvent {
	return bus.TasksClearedEvent{
		Domain:  domain,
		Project: project,
		Deleted: deleted,
	}
}
