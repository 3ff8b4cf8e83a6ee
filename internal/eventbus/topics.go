package eventbus

// Event types published by the scheduler core.
const (
	ScheduleFired = "schedule.fired"

	GroupRunStarted  = "group.run.started"
	GroupRunFinished = "group.run.finished"
	TaskRunFinished  = "task.run.finished"

	// Engine job lifecycle.
	JobStarted  = "task.started"
	JobFinished = "task.finished"
	JobFailed   = "task.failed"
	JobDropped  = "task.dropped"

	ExecutionsReconciled = "history.reconciled"
)

// Publish is a nil-safe helper for components whose bus is optional.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}
