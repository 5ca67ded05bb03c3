package credential

import "time"

// Trigger identifies what started a refresh.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerReactive  Trigger = "reactive"
	TriggerManual    Trigger = "manual"
)

// EventKind enumerates the notifications a Refresher emits.
type EventKind int

const (
	// EventRefreshed: a new token was persisted.
	EventRefreshed EventKind = iota
	// EventRefreshFailed: one attempt failed and may be retried.
	EventRefreshFailed
	// EventRetryRender: the settle delay elapsed; the renderer should retry with Token.
	EventRetryRender
	// EventReauthRequired: reactive attempts are exhausted.
	EventReauthRequired
	// EventSessionInvalid: the service no longer accepts the session; it was cleared.
	EventSessionInvalid
)

func (k EventKind) String() string {
	switch k {
	case EventRefreshed:
		return "token_refreshed"
	case EventRefreshFailed:
		return "token_refresh_failed"
	case EventRetryRender:
		return "retry_render"
	case EventReauthRequired:
		return "reauth_required"
	case EventSessionInvalid:
		return "session_invalid"
	}
	return "unknown"
}

// Event is emitted to the sink registered with SetSink.
type Event struct {
	Kind      EventKind
	SessionID string
	Token     string
	Trigger   Trigger
	Attempt   int
	Err       error
}

// Outcome classifies the result of HandleAuthFailure.
type Outcome string

const (
	OutcomeIgnored        Outcome = "ignored"
	OutcomeNoSession      Outcome = "no_session"
	OutcomeInProgress     Outcome = "in_progress"
	OutcomeRefreshed      Outcome = "refreshed"
	OutcomeFailed         Outcome = "failed"
	OutcomeReauthRequired Outcome = "reauth_required"
	OutcomeSessionInvalid Outcome = "session_invalid"
)

// Result is returned to the renderer boundary after an authentication failure.
type Result struct {
	Outcome     Outcome
	Token       string
	Attempt     int
	MaxAttempts int
	// RetryAfter is how long the renderer should wait before retrying with Token.
	RetryAfter time.Duration
}
