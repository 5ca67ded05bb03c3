package domain

import (
	"errors"
	"time"
)

// ErrStatusRegression is returned when an update would move a session out of
// a terminal status.
var ErrStatusRegression = errors.New("session status cannot move backwards")

// ErrNoRecord is returned when a patch that only updates fields targets a
// session that is not stored.
var ErrNoRecord = errors.New("no stored session to update")

// Status is the processing stage last observed from the remote status endpoint.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransitionTo reports whether moving from s to next keeps status forward-only.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	return s == StatusProcessing && next.Terminal()
}

// Session is the single persisted record tracking one upload-to-view lifecycle.
type Session struct {
	SessionID        string     `json:"sessionId"`
	Status           Status     `json:"status"`
	AccessToken      string     `json:"accessToken,omitempty"`
	EncodedURN       string     `json:"encodedUrn,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	TokenRefreshedAt *time.Time `json:"tokenRefreshedAt,omitempty"`
}

// HasArtifact returns true once a credential and artifact identifier were issued.
func (s *Session) HasArtifact() bool {
	return s.AccessToken != "" && s.EncodedURN != ""
}

// ExpiresAt returns the hard expiration instant for the given TTL.
func (s *Session) ExpiresAt(ttl time.Duration) time.Time {
	return s.CreatedAt.Add(ttl)
}

// SessionPatch lists the fields to merge into the stored session.
// Nil fields are left unchanged. CreatedAt is not patchable.
type SessionPatch struct {
	SessionID        *string
	Status           *Status
	AccessToken      *string
	EncodedURN       *string
	TokenRefreshedAt *time.Time
}

// Apply merges the patch into a copy of s. A nil s, or a patch naming a
// different session id, starts a new record stamped with now; only a patch
// carrying a Status may do that, otherwise ErrNoRecord is returned.
func (p SessionPatch) Apply(s *Session, now time.Time) (*Session, error) {
	var next Session
	if s != nil && (p.SessionID == nil || *p.SessionID == s.SessionID) {
		next = *s
	} else {
		if p.Status == nil {
			return nil, ErrNoRecord
		}
		next = Session{CreatedAt: now, Status: StatusProcessing}
	}

	if p.SessionID != nil {
		next.SessionID = *p.SessionID
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return nil, errors.New("unknown session status: " + string(*p.Status))
		}
		if !next.Status.CanTransitionTo(*p.Status) {
			return nil, ErrStatusRegression
		}
		next.Status = *p.Status
	}
	if p.AccessToken != nil {
		next.AccessToken = *p.AccessToken
	}
	if p.EncodedURN != nil {
		next.EncodedURN = *p.EncodedURN
	}
	if p.TokenRefreshedAt != nil {
		ts := *p.TokenRefreshedAt
		next.TokenRefreshedAt = &ts
	}

	if next.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	return &next, nil
}

// StartPatch returns the patch recorded when a processing request begins.
func StartPatch(sessionID string) SessionPatch {
	status := StatusProcessing
	return SessionPatch{SessionID: &sessionID, Status: &status}
}

// CompletedPatch records the credential and artifact issued at completion.
func CompletedPatch(sessionID, accessToken, encodedURN string, at time.Time) SessionPatch {
	status := StatusCompleted
	return SessionPatch{
		SessionID:        &sessionID,
		Status:           &status,
		AccessToken:      &accessToken,
		EncodedURN:       &encodedURN,
		TokenRefreshedAt: &at,
	}
}

// TokenPatch records a refreshed access token.
func TokenPatch(sessionID, accessToken string, at time.Time) SessionPatch {
	return SessionPatch{
		SessionID:        &sessionID,
		AccessToken:      &accessToken,
		TokenRefreshedAt: &at,
	}
}
