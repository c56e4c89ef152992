package bus

// Connection state topics.
const (
	TopicConnOpened             = "conn.opened"
	TopicConnSecured            = "conn.secured"
	TopicConnClosed             = "conn.closed"
	TopicConnReconnectScheduled = "conn.reconnect_scheduled"
)

// Lifecycle completion topics.
const (
	TopicActivationCompleted = "lifecycle.activation_completed"
	TopicActivationDiscarded = "lifecycle.activation_discarded"
	TopicResponseCompleted   = "lifecycle.response_completed"
)

// Analytics topics. The analytics sink subscribes to the "analytics." prefix.
const (
	TopicCreditsFinished = "analytics.credits_finished"
)

// ConnStateEvent is published on connection open, secure, and close.
type ConnStateEvent struct {
	URL     string // Gateway URL (token stripped)
	Secured bool   // Past the application-level handshake
	Reason  string // Close reason, if any
}

// ReconnectScheduledEvent is published when a reconnect timer is armed.
type ReconnectScheduledEvent struct {
	CooldownMillis int64 // Fixed cooldown before the next attempt
}

// ActivationEvent is published when an activation settles.
type ActivationEvent struct {
	ResponseID string // Response ID the activation belongs to
	ThreadID   string // Thread the activation targets
	Status     string // Final status (scheduled, rescheduled, discarded)
}

// ResponseCompletedEvent is published when a response reaches a terminal state.
type ResponseCompletedEvent struct {
	ResponseID string // Response ID
	ThreadID   string // Thread the response belongs to
	MessageID  string // Message carrying the response content, if any
	Status     string // Terminal status (completed, failed, empty, ...)
}

// CreditsFinishedEvent is published when the backend rejects an activation
// for lack of credits.
type CreditsFinishedEvent struct {
	ThreadID  string // Thread where the rejection surfaced
	ErrorType string // Raw error_type from the wire
}
