// Package lifecycle drives a session through upload, processing, viewing and
// expiry, and owns the background tasks of each stage.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/artifact-viewer/internal/credential"
	"github.com/ashureev/artifact-viewer/internal/domain"
	"github.com/ashureev/artifact-viewer/internal/expiry"
	"github.com/ashureev/artifact-viewer/internal/metrics"
	"github.com/ashureev/artifact-viewer/internal/poller"
	"github.com/ashureev/artifact-viewer/internal/store"
)

// ErrInvalidStage is returned when an operation is not allowed in the current stage.
var ErrInvalidStage = errors.New("operation not allowed in current stage")

// Uploader submits an archive for processing and returns its session id.
type Uploader interface {
	Process(ctx context.Context, filename string, archive io.Reader) (string, error)
}

// Config holds controller timings and optional dependencies.
type Config struct {
	PollInterval      time.Duration
	CountdownInterval time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

// Controller owns the single active session. Every stage entry gets a fresh
// context and generation number; work started for an older generation can
// no longer change state.
type Controller struct {
	store     store.SessionStore
	uploader  Uploader
	checker   poller.StatusChecker
	refresher *credential.Refresher
	guard     *expiry.Guard
	pub       Publisher
	cfg       Config
	logger    *slog.Logger

	root       context.Context
	rootCancel context.CancelFunc

	// opMu serializes public operations that replace the stage.
	opMu sync.Mutex

	mu       sync.Mutex
	snap     Snapshot
	gen      uint64
	stageCtx context.Context
	cancel   context.CancelFunc

	// tasks tracks stage goroutines and in-flight refreshes of every
	// generation, so halt also waits for work left over from earlier stages.
	tasks sync.WaitGroup
}

// New creates a controller in the uploading stage. Call Init to restore a
// persisted session.
func New(st store.SessionStore, uploader Uploader, checker poller.StatusChecker,
	refresher *credential.Refresher, guard *expiry.Guard, pub Publisher, cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = poller.DefaultInterval
	}
	if cfg.CountdownInterval <= 0 {
		cfg.CountdownInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if guard == nil {
		guard = expiry.NewGuard(expiry.DefaultTTL, cfg.Now)
	}

	root, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:      st,
		uploader:   uploader,
		checker:    checker,
		refresher:  refresher,
		guard:      guard,
		pub:        pub,
		cfg:        cfg,
		logger:     cfg.Logger,
		root:       root,
		rootCancel: cancel,
		snap:       Snapshot{Stage: domain.StageUploading},
		stageCtx:   root,
		cancel:     func() {},
	}
	refresher.SetSink(c.onCredentialEvent)
	return c
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := c.snap
	if s.CreatedAt != nil && s.Stage == domain.StageViewing {
		left := c.guard.Remaining(*s.CreatedAt)
		s.RemainingSeconds = int64(left / time.Second)
		s.Remaining = expiry.FormatRemaining(left)
		s.RefreshAttempts, _ = c.refresher.Attempts()
	}
	return s
}

// Init restores the persisted session. An absent, expired or failed record
// leads to the uploading stage; the latter two are cleared first.
func (c *Controller) Init(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.halt()

	s, err := c.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	switch {
	case s == nil:
		c.enterUploading(0, "")

	case !c.guard.IsValid(s.CreatedAt):
		c.logger.Info("Stored session expired, clearing", "session_id", s.SessionID,
			"age", c.cfg.Now().Sub(s.CreatedAt).Round(time.Second))
		c.clearAndUpload(ctx, "")

	case s.Status == domain.StatusError:
		c.logger.Info("Stored session failed, clearing", "session_id", s.SessionID)
		c.clearAndUpload(ctx, "")

	case s.Status == domain.StatusProcessing:
		c.logger.Info("Resuming processing", "session_id", s.SessionID)
		c.enterProcessing(*s)

	case s.HasArtifact():
		c.logger.Info("Resuming viewer", "session_id", s.SessionID)
		c.enterViewing(0, *s)

	default:
		c.logger.Warn("Stored session completed without artifact, clearing", "session_id", s.SessionID)
		c.clearAndUpload(ctx, "")
	}
	return nil
}

// Upload submits an archive and starts processing the session it creates.
func (c *Controller) Upload(ctx context.Context, filename string, archive io.Reader) (string, error) {
	if c.Snapshot().Stage != domain.StageUploading {
		return "", ErrInvalidStage
	}

	sessionID, err := c.uploader.Process(ctx, filename, archive)
	if err != nil {
		c.update(0, func(s *Snapshot) { s.Error = err.Error() })
		return "", fmt.Errorf("upload archive: %w", err)
	}

	if err := c.StartProcessing(ctx, sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

// StartProcessing records sessionID as processing and starts polling it.
func (c *Controller) StartProcessing(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Snapshot().Stage != domain.StageUploading {
		return ErrInvalidStage
	}

	s, err := c.store.Set(ctx, domain.StartPatch(sessionID))
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	c.refresher.Reset()
	c.logger.Info("Processing started", "session_id", sessionID)
	c.enterProcessing(*s)
	return nil
}

// StartNew abandons the current session from any stage.
func (c *Controller) StartNew(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	id := c.Snapshot().SessionID
	c.halt()
	c.refresher.Reset()
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	c.logger.Info("Session reset", "session_id", id)
	c.enterUploading(0, "")
	return nil
}

// ReportRendererError forwards a renderer error code to the refresher. It is
// only accepted while viewing; the refresh is bound to the viewing stage.
func (c *Controller) ReportRendererError(code int) (credential.Result, error) {
	ctx, _, done, err := c.viewingTask()
	if err != nil {
		return credential.Result{}, err
	}
	defer done()
	return c.refresher.HandleAuthFailure(ctx, code)
}

// RefreshToken refreshes the viewed session's access token on demand. The
// request is abandoned when either ctx or the viewing stage ends.
func (c *Controller) RefreshToken(ctx context.Context) (string, error) {
	stageCtx, sessionID, done, err := c.viewingTask()
	if err != nil {
		return "", err
	}
	defer done()

	rctx, cancel := context.WithCancel(stageCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return c.refresher.Refresh(rctx, sessionID)
}

// viewingTask registers work bound to the live viewing stage. The returned
// done func must be called when the work ends.
func (c *Controller) viewingTask() (context.Context, string, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.Stage != domain.StageViewing || c.stageCtx.Err() != nil {
		return nil, "", nil, ErrInvalidStage
	}
	c.tasks.Add(1)
	return c.stageCtx, c.snap.SessionID, c.tasks.Done, nil
}

// Close cancels all stage tasks and waits for them to exit.
func (c *Controller) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.halt()
	c.refresher.Wait()
	c.rootCancel()
}

// halt cancels the current stage and waits for the tasks of every
// generation. The snapshot is left in place until the caller enters the
// next stage.
func (c *Controller) halt() {
	c.mu.Lock()
	c.gen++
	c.cancel()
	c.mu.Unlock()

	c.tasks.Wait()
}

// transition enters a new stage. When expect is non-zero the transition only
// happens if it is still the current generation. start runs under the lock
// with the new stage's context and must only spawn goroutines.
func (c *Controller) transition(expect uint64, next Snapshot, start func(ctx context.Context, gen uint64, wg *sync.WaitGroup)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expect != 0 && expect != c.gen {
		return false
	}

	c.gen++
	c.cancel()
	ctx, cancel := context.WithCancel(c.root)
	c.stageCtx = ctx
	c.cancel = cancel

	next.Generation = c.gen
	c.snap = next
	c.cfg.Metrics.StageEntered(string(next.Stage))
	c.logger.Info("Stage entered", "stage", next.Stage, "session_id", next.SessionID, "generation", c.gen)

	if start != nil {
		start(ctx, c.gen, &c.tasks)
	}
	c.publishLocked()
	return true
}

// update mutates the snapshot of generation gen (0 for the current one) and
// publishes it.
func (c *Controller) update(gen uint64, fn func(*Snapshot)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != 0 && gen != c.gen {
		return false
	}
	fn(&c.snap)
	c.publishLocked()
	return true
}

func (c *Controller) publishLocked() {
	if c.pub == nil {
		return
	}
	s := c.snapshotLocked()
	c.pub.Publish(Event{Type: EventSnapshot, Snapshot: &s})
}

func (c *Controller) publish(ev Event) {
	if c.pub != nil {
		c.pub.Publish(ev)
	}
}

func (c *Controller) clearAndUpload(ctx context.Context, message string) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("Failed to clear session", "error", err)
	}
	c.enterUploading(0, message)
}

func (c *Controller) enterUploading(expect uint64, message string) bool {
	return c.transition(expect, Snapshot{Stage: domain.StageUploading, Error: message}, nil)
}

func (c *Controller) enterProcessing(s domain.Session) {
	created := s.CreatedAt
	next := Snapshot{
		Stage:     domain.StageProcessing,
		SessionID: s.SessionID,
		Message:   msgProcessing,
		CreatedAt: &created,
	}
	c.transition(0, next, func(ctx context.Context, gen uint64, wg *sync.WaitGroup) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runPoller(ctx, gen, s.SessionID)
		}()
	})
}

func (c *Controller) runPoller(ctx context.Context, gen uint64, sessionID string) {
	p := poller.New(c.checker, c.store, poller.Config{
		Interval: c.cfg.PollInterval,
		Now:      c.cfg.Now,
		Logger:   c.logger,
		Metrics:  c.cfg.Metrics,
	})

	out := p.Run(ctx, sessionID, func(pr poller.Progress) {
		c.update(gen, func(s *Snapshot) {
			if pr.Message != "" {
				s.Message = pr.Message
			}
			s.Progress = pr.Progress
		})
	})

	switch out.State {
	case poller.StateCompleted:
		c.enterViewing(gen, *out.Session)
	case poller.StateFailed:
		if !c.isCurrent(gen) {
			return
		}
		if err := c.store.Clear(ctx); err != nil {
			c.logger.Error("Failed to clear failed session", "session_id", sessionID, "error", err)
		}
		c.enterUploading(gen, out.Err.Error())
	}
}

func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Controller) enterViewing(expect uint64, s domain.Session) {
	created := s.CreatedAt
	expires := c.guard.ExpiresAt(created)
	next := Snapshot{
		Stage:       domain.StageViewing,
		SessionID:   s.SessionID,
		Progress:    100,
		AccessToken: s.AccessToken,
		EncodedURN:  s.EncodedURN,
		CreatedAt:   &created,
		ExpiresAt:   &expires,
	}
	c.transition(expect, next, func(ctx context.Context, gen uint64, wg *sync.WaitGroup) {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.refresher.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			c.runCountdown(ctx, gen, created)
		}()
	})
}

func (c *Controller) runCountdown(ctx context.Context, gen uint64, createdAt time.Time) {
	expired := c.guard.Watch(ctx, createdAt, c.cfg.CountdownInterval, func(time.Duration) {
		c.update(gen, func(*Snapshot) {})
	})
	if !expired {
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	prev := c.snap
	c.mu.Unlock()

	c.logger.Info("Session expired", "session_id", prev.SessionID)
	c.transition(gen, Snapshot{
		Stage:      domain.StageExpired,
		SessionID:  prev.SessionID,
		EncodedURN: prev.EncodedURN,
		CreatedAt:  prev.CreatedAt,
		ExpiresAt:  prev.ExpiresAt,
		Notice:     msgSessionExpired,
	}, nil)
}

// onCredentialEvent applies refresher events to the viewing stage.
func (c *Controller) onCredentialEvent(ev credential.Event) {
	c.mu.Lock()
	gen := c.gen
	active := c.snap.Stage == domain.StageViewing &&
		c.snap.SessionID == ev.SessionID &&
		c.stageCtx.Err() == nil
	c.mu.Unlock()
	if !active {
		return
	}

	switch ev.Kind {
	case credential.EventRefreshed:
		c.update(gen, func(s *Snapshot) {
			s.AccessToken = ev.Token
			s.Notice = ""
		})
		c.publish(Event{Type: EventTokenRefreshed, AccessToken: ev.Token})

	case credential.EventRetryRender:
		c.publish(Event{Type: EventRetryRender, AccessToken: ev.Token})

	case credential.EventReauthRequired:
		c.update(gen, func(s *Snapshot) { s.Notice = msgReauthRequired })

	case credential.EventSessionInvalid:
		// The refresher has already cleared the store.
		c.enterUploading(gen, msgSessionRejected)
	}
}
