// Package credential keeps the session access token fresh, both on a fixed
// schedule and reactively when the renderer reports an authentication failure.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/artifact-viewer/internal/domain"
	"github.com/ashureev/artifact-viewer/internal/metrics"
	"github.com/ashureev/artifact-viewer/internal/remote"
	"github.com/ashureev/artifact-viewer/internal/store"
)

const (
	DefaultRefreshInterval     = 50 * time.Minute
	DefaultMaxReactiveAttempts = 3
	DefaultSettleDelay         = 1500 * time.Millisecond
)

var (
	// ErrSessionInvalid is returned when the service will never refresh the
	// session again (unknown id or too old). The store has been cleared.
	ErrSessionInvalid = errors.New("session can no longer be refreshed")

	// ErrNoSession is returned when there is no matching session to refresh.
	ErrNoSession = errors.New("no active session")
)

// TokenIssuer exchanges a session id for a new access token.
type TokenIssuer interface {
	Auth(ctx context.Context, sessionID string) (*remote.AuthResult, error)
}

// IsAuthFailure reports whether a renderer error code means the token was rejected.
func IsAuthFailure(code int) bool {
	switch code {
	case 4, 401, 403:
		return true
	}
	return false
}

// Config holds refresher settings and optional dependencies.
type Config struct {
	RefreshInterval     time.Duration
	MaxReactiveAttempts int
	SettleDelay         time.Duration
	Now                 func() time.Time
	Logger              *slog.Logger
	Metrics             *metrics.Metrics
}

// Refresher serializes token refreshes per session and persists each new token.
type Refresher struct {
	issuer TokenIssuer
	store  store.SessionStore
	cfg    Config
	logger *slog.Logger

	// locks maps session id to a one-slot semaphore.
	locks sync.Map
	retry *retryMachine

	sinkMu sync.RWMutex
	sink   func(Event)

	wg sync.WaitGroup
}

// New creates a refresher.
func New(issuer TokenIssuer, st store.SessionStore, cfg Config) *Refresher {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.MaxReactiveAttempts <= 0 {
		cfg.MaxReactiveAttempts = DefaultMaxReactiveAttempts
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Refresher{
		issuer: issuer,
		store:  st,
		cfg:    cfg,
		logger: cfg.Logger,
		retry:  newRetryMachine(cfg.MaxReactiveAttempts),
	}
}

// SetSink registers the receiver for refresher events. It replaces any previous sink.
func (r *Refresher) SetSink(sink func(Event)) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	r.sink = sink
}

func (r *Refresher) emit(ev Event) {
	r.sinkMu.RLock()
	sink := r.sink
	r.sinkMu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

// Attempts returns the reactive attempt count and retry state.
func (r *Refresher) Attempts() (int, RetryState) {
	return r.retry.snapshot()
}

// Reset clears the reactive attempt counter, e.g. when a new session starts.
func (r *Refresher) Reset() {
	r.retry.reset()
}

// Wait blocks until pending settle timers have fired or been cancelled.
func (r *Refresher) Wait() {
	r.wg.Wait()
}

// Refresh obtains a new token for sessionID and persists it.
func (r *Refresher) Refresh(ctx context.Context, sessionID string) (string, error) {
	return r.refresh(ctx, sessionID, TriggerManual, "")
}

// acquire takes the refresh slot for sessionID.
func (r *Refresher) acquire(ctx context.Context, sessionID string) (func(), error) {
	v, _ := r.locks.LoadOrStore(sessionID, make(chan struct{}, 1))
	sem := v.(chan struct{})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refresh performs one refresh under the session's slot. When staleToken is
// set and the stored token already differs from it, another refresh won the
// race and its token is returned without a new request.
func (r *Refresher) refresh(ctx context.Context, sessionID string, trigger Trigger, staleToken string) (string, error) {
	release, err := r.acquire(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer release()

	current, err := r.store.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if current == nil || current.SessionID != sessionID {
		return "", ErrNoSession
	}
	if staleToken != "" && current.AccessToken != "" && current.AccessToken != staleToken {
		r.logger.Debug("Token already refreshed", "session_id", sessionID, "trigger", trigger)
		return current.AccessToken, nil
	}

	age := r.cfg.Now().Sub(current.CreatedAt)
	res, err := r.issuer.Auth(ctx, sessionID)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		if errors.Is(err, remote.ErrSessionNotFound) || errors.Is(err, remote.ErrSessionTooOld) {
			r.cfg.Metrics.TokenRefresh(string(trigger), "session_invalid")
			r.logger.Warn("Session rejected by token service, clearing",
				"session_id", sessionID, "trigger", trigger, "error", err)
			r.clearIfCurrent(ctx, sessionID)
			r.emit(Event{Kind: EventSessionInvalid, SessionID: sessionID, Trigger: trigger, Err: err})
			return "", fmt.Errorf("%w: %w", ErrSessionInvalid, err)
		}
		r.cfg.Metrics.TokenRefresh(string(trigger), "error")
		r.logger.Warn("Token refresh failed", "session_id", sessionID, "trigger", trigger, "error", err)
		r.emit(Event{Kind: EventRefreshFailed, SessionID: sessionID, Trigger: trigger, Err: err})
		return "", fmt.Errorf("refresh token: %w", err)
	}

	if _, err := r.store.Set(ctx, domain.TokenPatch(sessionID, res.AccessToken, r.cfg.Now())); err != nil {
		if errors.Is(err, domain.ErrNoRecord) {
			r.cfg.Metrics.TokenRefresh(string(trigger), "discarded")
			r.logger.Info("Session cleared during refresh, token discarded", "session_id", sessionID, "trigger", trigger)
			return "", ErrNoSession
		}
		r.cfg.Metrics.TokenRefresh(string(trigger), "error")
		return "", fmt.Errorf("persist token: %w", err)
	}

	r.retry.refreshSucceeded()
	r.cfg.Metrics.TokenRefresh(string(trigger), "success")
	r.logger.Info("Token refreshed",
		"session_id", sessionID,
		"trigger", trigger,
		"session_age_hours", res.SessionAgeHours,
		"local_age", age.Round(time.Second))
	r.emit(Event{Kind: EventRefreshed, SessionID: sessionID, Token: res.AccessToken, Trigger: trigger})
	return res.AccessToken, nil
}

func (r *Refresher) clearIfCurrent(ctx context.Context, sessionID string) {
	current, err := r.store.Get(ctx)
	if err != nil || current == nil || current.SessionID != sessionID {
		return
	}
	if err := r.store.Clear(ctx); err != nil {
		r.logger.Error("Failed to clear rejected session", "session_id", sessionID, "error", err)
	}
}

// Run refreshes the stored completed session every RefreshInterval until ctx
// is done or the session becomes invalid.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()

	r.logger.Info("Scheduled token refresh started", "interval", r.cfg.RefreshInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.scheduledTick(ctx); errors.Is(err, ErrSessionInvalid) {
				r.logger.Info("Scheduled token refresh stopped", "reason", "session_invalid")
				return
			}
		}
	}
}

func (r *Refresher) scheduledTick(ctx context.Context) error {
	s, err := r.store.Get(ctx)
	if err != nil {
		r.logger.Warn("Scheduled refresh skipped", "error", err)
		return err
	}
	if s == nil || s.Status != domain.StatusCompleted {
		return nil
	}
	_, err = r.refresh(ctx, s.SessionID, TriggerScheduled, "")
	return err
}

// HandleAuthFailure reacts to a renderer error code. Codes that are not
// authentication failures are ignored. Otherwise it refreshes the token of
// the currently stored session, bounded by MaxReactiveAttempts between
// successful refreshes. On success an EventRetryRender follows after the
// settle delay unless ctx is done first.
func (r *Refresher) HandleAuthFailure(ctx context.Context, code int) (Result, error) {
	auth := IsAuthFailure(code)
	r.cfg.Metrics.RendererError(auth)
	if !auth {
		r.logger.Debug("Renderer error ignored", "code", code)
		return Result{Outcome: OutcomeIgnored}, nil
	}

	maxAttempts := r.cfg.MaxReactiveAttempts
	s, err := r.store.Get(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load session: %w", err)
	}
	if s == nil || s.Status != domain.StatusCompleted {
		r.logger.Warn("Authentication failure without a completed session", "code", code)
		return Result{Outcome: OutcomeNoSession, MaxAttempts: maxAttempts}, nil
	}

	attempt, state := r.retry.authFailure()
	switch state {
	case RetryRefreshing:
		return Result{Outcome: OutcomeInProgress, Attempt: attempt, MaxAttempts: maxAttempts}, nil
	case RetryExhausted:
		return Result{Outcome: OutcomeReauthRequired, Attempt: attempt, MaxAttempts: maxAttempts}, nil
	}

	r.logger.Info("Reactive token refresh",
		"session_id", s.SessionID,
		"code", code,
		"attempt", attempt,
		"max_attempts", maxAttempts)

	token, err := r.refresh(ctx, s.SessionID, TriggerReactive, s.AccessToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionInvalid), errors.Is(err, ErrNoSession):
			r.retry.reset()
			return Result{Outcome: OutcomeSessionInvalid, Attempt: attempt, MaxAttempts: maxAttempts}, nil
		case ctx.Err() != nil:
			r.retry.reactiveDone()
			return Result{}, ctx.Err()
		}
		if r.retry.refreshFailed() {
			r.logger.Warn("Reactive token refresh exhausted", "session_id", s.SessionID, "attempts", attempt)
			r.emit(Event{Kind: EventReauthRequired, SessionID: s.SessionID, Trigger: TriggerReactive, Attempt: attempt, Err: err})
			return Result{Outcome: OutcomeReauthRequired, Attempt: attempt, MaxAttempts: maxAttempts}, nil
		}
		return Result{Outcome: OutcomeFailed, Attempt: attempt, MaxAttempts: maxAttempts}, nil
	}

	r.retry.reactiveDone()
	r.scheduleRetryRender(ctx, s.SessionID, token, attempt)
	return Result{
		Outcome:     OutcomeRefreshed,
		Token:       token,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		RetryAfter:  r.cfg.SettleDelay,
	}, nil
}

// scheduleRetryRender emits EventRetryRender after the settle delay. The
// timer is abandoned when ctx is done.
func (r *Refresher) scheduleRetryRender(ctx context.Context, sessionID, token string, attempt int) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		timer := time.NewTimer(r.cfg.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// A later refresh may have replaced the token while we waited.
		if s, err := r.store.Get(ctx); err == nil && s != nil && s.SessionID == sessionID && s.AccessToken != "" {
			token = s.AccessToken
		}
		r.emit(Event{Kind: EventRetryRender, SessionID: sessionID, Token: token, Trigger: TriggerReactive, Attempt: attempt})
	}()
}
