package tracing

// Span attribute keys used across the coordinator.
const (
	AttrAgentID   = "agent.id"
	AttrAgentRole = "agent.role"
	AttrThreadID  = "thread.id"
	AttrMessageID = "message.id"
	AttrBatchSize = "batch.size"
	AttrToolName  = "tool.name"
	AttrProvider  = "provider.name"

	AttrErrorMessage = "error.message"
)

// Span names.
const (
	SpanTurn           = "runtime.turn"
	SpanProviderCall   = "provider.send_message"
	SpanMailboxProcess = "mailbox.process"
	SpanRestartRequest = "restart.request"
)
