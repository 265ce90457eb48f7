package bus

// Event types carried on the stream.
const (
	TypeWorkerStarted      = "worker_started"
	TypeToolStarted        = "tool_started"
	TypeToolCompleted      = "tool_completed"
	TypeToolFailed         = "tool_failed"
	TypeWorkerComplete     = "worker_complete"
	TypeSupervisorComplete = "supervisor_complete"
	TypeError              = "error"
	TypeDecision           = "decision"
)

// Topic returns the bus topic for an event type within a run.
func Topic(runID, eventType string) string {
	return RunPrefix(runID) + eventType
}

// RunPrefix returns the subscription prefix matching every event of a run.
func RunPrefix(runID string) string {
	return "run." + runID + "."
}

// IsTerminal reports whether the event type closes a run's stream.
func IsTerminal(eventType string) bool {
	return eventType == TypeSupervisorComplete || eventType == TypeError
}
