package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/artifact-viewer/internal/credential"
	"github.com/ashureev/artifact-viewer/internal/domain"
	"github.com/ashureev/artifact-viewer/internal/expiry"
	"github.com/ashureev/artifact-viewer/internal/remote"
	"github.com/ashureev/artifact-viewer/internal/store"
)

type fakeUploader struct {
	id  string
	err error
}

func (u *fakeUploader) Process(_ context.Context, _ string, archive io.Reader) (string, error) {
	_, _ = io.Copy(io.Discard, archive)
	return u.id, u.err
}

// fakeChecker reports processing for the first calls-1 queries, then final.
type fakeChecker struct {
	mu    sync.Mutex
	calls int
	until int
	final *remote.StatusReport
	err   error
}

func (c *fakeChecker) Status(_ context.Context, _ string) (*remote.StatusReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if c.calls < c.until {
		return &remote.StatusReport{Status: domain.StatusProcessing, Message: "converting", Progress: 50}, nil
	}
	return c.final, nil
}

func completedAfter(n int, token, urn string) *fakeChecker {
	return &fakeChecker{until: n, final: &remote.StatusReport{
		Status: domain.StatusCompleted,
		Result: &remote.StatusResult{AccessToken: token, EncodedURN: urn},
	}}
}

// fakeIssuer issues r-1, r-2, ... When release is set, each call signals
// entered and then waits for release regardless of its context.
type fakeIssuer struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeIssuer) Auth(_ context.Context, _ string) (*remote.AuthResult, error) {
	if f.release != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &remote.AuthResult{AccessToken: fmt.Sprintf("r-%d", f.calls)}, nil
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(v any) {
	ev, ok := v.(Event)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) find(typ EventType) (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return Event{}, false
}

// seedClock stamps CreatedAt of seeded records. The zero value follows time.Now.
type seedClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *seedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.at.IsZero() {
		return time.Now()
	}
	return c.at
}

func (c *seedClock) set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = at
}

type harness struct {
	ctrl      *Controller
	store     *store.MemoryStore
	clock     *seedClock
	issuer    *fakeIssuer
	refresher *credential.Refresher
	pub       *recordingPublisher
}

func newHarness(t *testing.T, checker *fakeChecker, ttl time.Duration) *harness {
	t.Helper()
	clock := &seedClock{}
	st := store.NewMemory(clock.now)
	issuer := &fakeIssuer{}
	refresher := credential.New(issuer, st, credential.Config{
		RefreshInterval:     time.Hour,
		MaxReactiveAttempts: 3,
		SettleDelay:         5 * time.Millisecond,
	})
	pub := &recordingPublisher{}
	ctrl := New(st, &fakeUploader{id: "s1"}, checker, refresher, expiry.NewGuard(ttl, nil), pub, Config{
		PollInterval:      5 * time.Millisecond,
		CountdownInterval: 5 * time.Millisecond,
	})
	t.Cleanup(ctrl.Close)
	return &harness{ctrl: ctrl, store: st, clock: clock, issuer: issuer, refresher: refresher, pub: pub}
}

func waitForStage(t *testing.T, c *Controller, want domain.Stage) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := c.Snapshot(); s.Stage == want {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for stage %s, at %s", want, c.Snapshot().Stage)
	return Snapshot{}
}

// seed persists a record for id created at createdAt. Completed records
// carry token t1 and urn u1.
func (h *harness) seed(t *testing.T, id string, status domain.Status, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()
	h.clock.set(createdAt)
	defer h.clock.set(time.Time{})

	if _, err := h.store.Set(ctx, domain.StartPatch(id)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	var patch domain.SessionPatch
	switch status {
	case domain.StatusCompleted:
		patch = domain.CompletedPatch(id, "t1", "u1", createdAt)
	case domain.StatusError:
		patch = domain.SessionPatch{Status: &status}
	default:
		return
	}
	if _, err := h.store.Set(ctx, patch); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func (h *harness) viewing(t *testing.T) {
	t.Helper()
	h.seed(t, "s1", domain.StatusCompleted, time.Now())
	if err := h.ctrl.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	waitForStage(t, h.ctrl, domain.StageViewing)
}

func TestUploadThroughToViewing(t *testing.T) {
	h := newHarness(t, completedAfter(2, "t1", "u1"), time.Hour)
	ctx := context.Background()

	if err := h.ctrl.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if s := h.ctrl.Snapshot(); s.Stage != domain.StageUploading {
		t.Fatalf("expected uploading, got %s", s.Stage)
	}

	id, err := h.ctrl.Upload(ctx, "model.zip", strings.NewReader("PK"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if id != "s1" {
		t.Fatalf("expected s1, got %q", id)
	}

	snap := waitForStage(t, h.ctrl, domain.StageViewing)
	if snap.SessionID != "s1" || snap.AccessToken != "t1" || snap.EncodedURN != "u1" {
		t.Fatalf("unexpected viewing snapshot: %+v", snap)
	}
	if snap.RemainingSeconds <= 0 || snap.Remaining == "" || snap.ExpiresAt == nil {
		t.Fatalf("expected countdown fields, got %+v", snap)
	}

	stored, _ := h.store.Get(ctx)
	if stored.Status != domain.StatusCompleted || stored.AccessToken != "t1" {
		t.Fatalf("unexpected stored session: %+v", stored)
	}
	if _, ok := h.pub.find(EventSnapshot); !ok {
		t.Fatal("expected snapshot events to be published")
	}
}

func TestUploadFailureStaysUploading(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), time.Hour)
	h.ctrl.uploader = &fakeUploader{err: errors.New("archive rejected")}

	if _, err := h.ctrl.Upload(context.Background(), "bad.zip", strings.NewReader("x")); err == nil {
		t.Fatal("expected upload error")
	}
	snap := h.ctrl.Snapshot()
	if snap.Stage != domain.StageUploading || !strings.Contains(snap.Error, "archive rejected") {
		t.Fatalf("expected uploading with error, got %+v", snap)
	}
}

func TestInitClearsExpiredRecord(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), 23*time.Hour)
	h.seed(t, "old", domain.StatusCompleted, time.Now().Add(-24*time.Hour))

	if err := h.ctrl.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if s := h.ctrl.Snapshot(); s.Stage != domain.StageUploading {
		t.Fatalf("expected uploading, got %s", s.Stage)
	}
	if got, _ := h.store.Get(context.Background()); got != nil {
		t.Fatalf("expected expired record cleared, got %+v", got)
	}
}

func TestInitClearsFailedRecord(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), time.Hour)
	h.seed(t, "s1", domain.StatusError, time.Now())

	if err := h.ctrl.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if s := h.ctrl.Snapshot(); s.Stage != domain.StageUploading {
		t.Fatalf("expected uploading, got %s", s.Stage)
	}
	if got, _ := h.store.Get(context.Background()); got != nil {
		t.Fatal("expected failed record cleared")
	}
}

func TestInitResumesProcessing(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), time.Hour)
	h.seed(t, "s1", domain.StatusProcessing, time.Now())

	if err := h.ctrl.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	snap := waitForStage(t, h.ctrl, domain.StageViewing)
	if snap.AccessToken != "t1" {
		t.Fatalf("expected t1 after resumed polling, got %+v", snap)
	}
}

func TestPollFailureReturnsToUploading(t *testing.T) {
	checker := &fakeChecker{until: 1, final: &remote.StatusReport{Status: domain.StatusError, Message: "no model found"}}
	h := newHarness(t, checker, time.Hour)
	ctx := context.Background()
	if err := h.ctrl.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if err := h.ctrl.StartProcessing(ctx, "s1"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.ctrl.Snapshot(); s.Stage == domain.StageUploading && s.Error != "" {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	snap := h.ctrl.Snapshot()
	if snap.Stage != domain.StageUploading || !strings.Contains(snap.Error, "no model found") {
		t.Fatalf("expected uploading with failure message, got %+v", snap)
	}
	if got, _ := h.store.Get(ctx); got != nil {
		t.Fatalf("expected store cleared, got %+v", got)
	}
}

func TestStartProcessingRequiresUploadingStage(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), time.Hour)
	h.viewing(t)

	if err := h.ctrl.StartProcessing(context.Background(), "s2"); !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("expected ErrInvalidStage, got %v", err)
	}
}

func TestRendererErrorOutsideViewing(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), time.Hour)
	if _, err := h.ctrl.ReportRendererError(403); !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("expected ErrInvalidStage, got %v", err)
	}
}

func TestRendererAuthFailureRefreshesAndRetries(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), time.Hour)
	h.viewing(t)

	res, err := h.ctrl.ReportRendererError(401)
	if err != nil || res.Outcome != credential.OutcomeRefreshed {
		t.Fatalf("expected refreshed, got %+v (%v)", res, err)
	}
	if snap := h.ctrl.Snapshot(); snap.AccessToken != "r-1" {
		t.Fatalf("expected snapshot token r-1, got %q", snap.AccessToken)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := h.pub.find(EventRetryRender); ok {
			if ev.AccessToken != "r-1" {
				t.Fatalf("expected retry with r-1, got %q", ev.AccessToken)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("expected retry_render event")
}

func TestRendererTooOldReturnsToUploading(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), time.Hour)
	h.viewing(t)
	h.issuer.err = fmt.Errorf("auth: %w", remote.ErrSessionTooOld)

	res, err := h.ctrl.ReportRendererError(403)
	if err != nil || res.Outcome != credential.OutcomeSessionInvalid {
		t.Fatalf("expected session_invalid, got %+v (%v)", res, err)
	}
	snap := h.ctrl.Snapshot()
	if snap.Stage != domain.StageUploading || snap.Error == "" {
		t.Fatalf("expected uploading with message, got %+v", snap)
	}
	for i := 0; i < 2; i++ {
		if _, err := h.ctrl.ReportRendererError(403); !errors.Is(err, ErrInvalidStage) {
			t.Fatalf("expected later reports to be rejected, got %v", err)
		}
	}
	if n := h.issuer.callCount(); n != 1 {
		t.Fatalf("expected a single refresh attempt, got %d", n)
	}
	if got, _ := h.store.Get(context.Background()); got != nil {
		t.Fatal("expected store cleared")
	}
}

func TestRendererExhaustionSetsNotice(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), time.Hour)
	h.viewing(t)
	h.issuer.err = errors.New("bad gateway")

	for i := 0; i < 3; i++ {
		if _, err := h.ctrl.ReportRendererError(4); err != nil {
			t.Fatalf("report %d failed: %v", i+1, err)
		}
	}
	snap := h.ctrl.Snapshot()
	if snap.Stage != domain.StageViewing || snap.Notice == "" {
		t.Fatalf("expected viewing with notice, got %+v", snap)
	}
	if snap.RefreshAttempts != 3 {
		t.Fatalf("expected 3 refresh attempts on the snapshot, got %d", snap.RefreshAttempts)
	}
	if n := h.issuer.callCount(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestStartNewFromViewing(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), time.Hour)
	h.viewing(t)

	if err := h.ctrl.StartNew(context.Background()); err != nil {
		t.Fatalf("StartNew failed: %v", err)
	}
	snap := h.ctrl.Snapshot()
	if snap.Stage != domain.StageUploading || snap.SessionID != "" || snap.AccessToken != "" {
		t.Fatalf("expected clean uploading snapshot, got %+v", snap)
	}
	if got, _ := h.store.Get(context.Background()); got != nil {
		t.Fatal("expected store cleared")
	}
	if n, state := h.refresher.Attempts(); n != 0 || state != credential.RetryIdle {
		t.Fatalf("expected retry counter reset, got %d/%s", n, state)
	}
}

func TestCountdownExpiryEntersExpired(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), 60*time.Millisecond)
	h.viewing(t)

	snap := waitForStage(t, h.ctrl, domain.StageExpired)
	if snap.AccessToken != "" || snap.Notice == "" {
		t.Fatalf("expected expired snapshot without token, got %+v", snap)
	}
	if _, err := h.ctrl.ReportRendererError(403); !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("expected renderer errors rejected after expiry, got %v", err)
	}

	if err := h.ctrl.StartNew(context.Background()); err != nil {
		t.Fatalf("StartNew failed: %v", err)
	}
	if s := h.ctrl.Snapshot(); s.Stage != domain.StageUploading {
		t.Fatalf("expected uploading after StartNew, got %s", s.Stage)
	}
}

func TestStartNewWaitsForInFlightRefresh(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), time.Hour)
	h.viewing(t)
	h.issuer.entered = make(chan struct{}, 1)
	h.issuer.release = make(chan struct{})

	reported := make(chan error, 1)
	go func() {
		_, err := h.ctrl.ReportRendererError(401)
		reported <- err
	}()
	select {
	case <-h.issuer.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not reach the token service")
	}

	reset := make(chan error, 1)
	go func() { reset <- h.ctrl.StartNew(context.Background()) }()

	select {
	case err := <-reset:
		t.Fatalf("StartNew returned while a refresh was in flight: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(h.issuer.release)
	select {
	case err := <-reset:
		if err != nil {
			t.Fatalf("StartNew failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartNew did not return after the refresh finished")
	}
	<-reported

	if got, _ := h.store.Get(context.Background()); got != nil {
		t.Fatalf("expected store to stay empty, got %+v", got)
	}
	if s := h.ctrl.Snapshot(); s.Stage != domain.StageUploading || s.AccessToken != "" {
		t.Fatalf("expected clean uploading snapshot, got %+v", s)
	}
}

func TestRefreshTokenWhileViewing(t *testing.T) {
	h := newHarness(t, completedAfter(1, "t1", "u1"), time.Hour)

	if _, err := h.ctrl.RefreshToken(context.Background()); !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("expected ErrInvalidStage before viewing, got %v", err)
	}

	h.viewing(t)
	token, err := h.ctrl.RefreshToken(context.Background())
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}
	if token != "r-1" {
		t.Fatalf("expected r-1, got %q", token)
	}
	if s := h.ctrl.Snapshot(); s.AccessToken != "r-1" {
		t.Fatalf("expected snapshot to carry the new token, got %+v", s)
	}
	got, _ := h.store.Get(context.Background())
	if got == nil || got.AccessToken != "r-1" || got.EncodedURN != "u1" {
		t.Fatalf("expected refreshed token persisted, got %+v", got)
	}
}
