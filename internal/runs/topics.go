package runs

// Queue topics reserved by the orchestrator.
const (
	// TopicStepReady carries {runId, stepId} jobs for the worker loop.
	TopicStepReady = "step.ready"

	// TopicStepDLQ is the dead-letter sibling of TopicStepReady. The
	// reserved topic keeps its historical name instead of the generic
	// "<topic>.dlq" form.
	TopicStepDLQ = "step.dlq"
)

// Event types the core emits. Type is an open string set; these are the
// literals produced by the built-in machinery and handlers.
const (
	EventRunCreated  = "run.created"
	EventRunFinished = "run.finished"

	EventStepStarted  = "step.started"
	EventStepFinished = "step.finished"
	EventStepFailed   = "step.failed"

	EventGateCreated = "gate.created"
	EventGateWaiting = "gate.waiting"

	EventCodegenCompleted = "codegen.completed"
	EventCodegenFailed    = "codegen.failed"
	EventLLMUsage         = "llm.usage"
	EventCostAlert        = "cost.alert"
)
