// Package poller polls the remote status endpoint until processing finishes.
package poller

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

// DefaultInterval is the delay between status queries.
const DefaultInterval = 2 * time.Second

var (
	// ErrProcessingFailed is reported when the service marks the session as failed.
	ErrProcessingFailed = errors.New("processing failed")

	// ErrMissingResult is reported when a completed status carries no credential.
	ErrMissingResult = errors.New("completed status without result")
)

// StatusChecker queries processing status for a session.
type StatusChecker interface {
	Status(ctx context.Context, sessionID string) (*remote.StatusReport, error)
}

// State is the poller's position in Idle -> Polling -> {Completed, Failed}.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Progress is the latest processing progress observed.
type Progress struct {
	Message  string
	Progress int
}

// Outcome is the result of Run.
type Outcome struct {
	State   State
	Session *domain.Session // set when Completed
	Err     error           // set when Failed or cancelled
}

// Poller tracks one session id through processing. It is single use: once a
// terminal state is reached it stays there.
type Poller struct {
	checker  StatusChecker
	store    store.SessionStore
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	state   State
	outcome Outcome
}

// Config holds poller dependencies that have defaults.
type Config struct {
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// New creates an idle poller.
func New(checker StatusChecker, st store.SessionStore, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		checker:  checker,
		store:    st,
		interval: cfg.Interval,
		now:      cfg.Now,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// State returns the current state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run queries the status of sessionID immediately and then every interval
// until a terminal state is reached or ctx is done. onProgress is called for
// each processing report. A response that arrives after ctx is cancelled is
// discarded. Calling Run on a finished poller returns the recorded outcome.
func (p *Poller) Run(ctx context.Context, sessionID string, onProgress func(Progress)) Outcome {
	p.mu.Lock()
	switch {
	case p.state.Terminal():
		out := p.outcome
		p.mu.Unlock()
		return out
	case p.state == StatePolling:
		p.mu.Unlock()
		return Outcome{State: StatePolling, Err: errors.New("poller already running")}
	}
	p.state = StatePolling
	p.mu.Unlock()

	p.logger.Info("Status polling started", "session_id", sessionID, "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if out, done := p.check(ctx, sessionID, onProgress); done {
			return out
		}

		select {
		case <-ctx.Done():
			return p.cancelled(ctx)
		case <-ticker.C:
		}
	}
}

// check issues one status query and reports whether polling is over.
func (p *Poller) check(ctx context.Context, sessionID string, onProgress func(Progress)) (Outcome, bool) {
	report, err := p.checker.Status(ctx, sessionID)
	if ctx.Err() != nil {
		return p.cancelled(ctx), true
	}

	if err != nil {
		p.metrics.StatusPoll("transport_error")
		p.logger.Warn("Status check failed", "session_id", sessionID, "error", err)
		return p.finish(Outcome{State: StateFailed, Err: fmt.Errorf("check status: %w", err)}), true
	}

	p.metrics.StatusPoll(string(report.Status))

	switch report.Status {
	case domain.StatusProcessing:
		if onProgress != nil {
			onProgress(Progress{Message: report.Message, Progress: report.Progress})
		}
		return Outcome{}, false

	case domain.StatusCompleted:
		if report.Result == nil || report.Result.AccessToken == "" || report.Result.EncodedURN == "" {
			p.logger.Warn("Completed status without result", "session_id", sessionID)
			return p.finish(Outcome{State: StateFailed, Err: ErrMissingResult}), true
		}
		session, err := p.store.Set(ctx, domain.CompletedPatch(
			sessionID, report.Result.AccessToken, report.Result.EncodedURN, p.now()))
		if ctx.Err() != nil {
			return p.cancelled(ctx), true
		}
		if err != nil {
			p.logger.Error("Failed to persist completed session", "session_id", sessionID, "error", err)
			return p.finish(Outcome{State: StateFailed, Err: fmt.Errorf("persist completed session: %w", err)}), true
		}
		p.logger.Info("Processing completed", "session_id", sessionID)
		return p.finish(Outcome{State: StateCompleted, Session: session}), true

	default:
		msg := report.Message
		if msg == "" {
			msg = "remote reported error"
		}
		p.logger.Warn("Processing failed", "session_id", sessionID, "message", msg)
		return p.finish(Outcome{State: StateFailed, Err: fmt.Errorf("%w: %s", ErrProcessingFailed, msg)}), true
	}
}

// finish records a terminal outcome. The first terminal outcome wins.
func (p *Poller) finish(out Outcome) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return p.outcome
	}
	p.state = out.State
	p.outcome = out
	return out
}

// cancelled returns the poller to Idle so no state is applied after cancellation.
func (p *Poller) cancelled(ctx context.Context) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return p.outcome
	}
	p.state = StateIdle
	return Outcome{State: StateIdle, Err: ctx.Err()}
}
