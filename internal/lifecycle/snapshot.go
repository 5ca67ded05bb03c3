package lifecycle

import (
	"time"

	"github.com/ashureev/artifact-viewer/internal/domain"
)

// Snapshot is the observable state of the controller.
type Snapshot struct {
	Stage            domain.Stage `json:"stage"`
	SessionID        string       `json:"sessionId,omitempty"`
	Message          string       `json:"message,omitempty"`
	Progress         int          `json:"progress"`
	AccessToken      string       `json:"accessToken,omitempty"`
	EncodedURN       string       `json:"encodedUrn,omitempty"`
	CreatedAt        *time.Time   `json:"createdAt,omitempty"`
	ExpiresAt        *time.Time   `json:"expiresAt,omitempty"`
	RemainingSeconds int64        `json:"remainingSeconds"`
	Remaining        string       `json:"remaining,omitempty"`
	RefreshAttempts  int          `json:"refreshAttempts,omitempty"`
	Notice           string       `json:"notice,omitempty"`
	Error            string       `json:"error,omitempty"`
	Generation       uint64       `json:"generation"`
}

// EventType names a message on the event stream.
type EventType string

const (
	EventSnapshot       EventType = "snapshot"
	EventTokenRefreshed EventType = "token_refreshed"
	EventRetryRender    EventType = "retry_render"
)

// Event is published for every state change and for renderer instructions.
type Event struct {
	Type        EventType `json:"type"`
	Snapshot    *Snapshot `json:"snapshot,omitempty"`
	AccessToken string    `json:"access_token,omitempty"`
}

// Publisher receives controller events. Publish must not block.
type Publisher interface {
	Publish(v any)
}

const (
	msgProcessing      = "Processing your model..."
	msgSessionRejected = "Your session is no longer valid on the server. Please upload again."
	msgSessionExpired  = "Your session has expired. Start a new upload to continue."
	msgReauthRequired  = "The viewer could not renew its access. Start a new upload to continue."
)
