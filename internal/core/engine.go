// Package core wires the workflow store, the API client, the progress
// stream and the job reconciler into one session against a generation
// server.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cozyapp/cozylink/internal/api"
	"github.com/cozyapp/cozylink/internal/config"
	"github.com/cozyapp/cozylink/internal/constants"
	"github.com/cozyapp/cozylink/internal/events"
	"github.com/cozyapp/cozylink/internal/http"
	"github.com/cozyapp/cozylink/internal/imagecache"
	"github.com/cozyapp/cozylink/internal/jobs"
	"github.com/cozyapp/cozylink/internal/logging"
	"github.com/cozyapp/cozylink/internal/models"
	"github.com/cozyapp/cozylink/internal/stream"
	"github.com/cozyapp/cozylink/internal/workflow"
)

// jobMeta is what the session remembers about a submission for sidecar
// metadata and display names.
type jobMeta struct {
	name     string
	prompt   string
	negative string
	style    string
	model    string
	seed     int64
}

// Session is one client session against a generation server: a shared API
// client, one websocket listener, and the reconciler that owns all job
// state. The event bus is the observable surface; the CLI and any embedding
// shell subscribe there.
type Session struct {
	cfg        *config.Config
	client     *api.Client
	bus        *events.EventBus
	reconciler *jobs.Reconciler
	listener   *stream.Listener
	cache      *imagecache.Cache // nil when caching is disabled
	logger     *logging.Logger
	clientID   string

	mu        sync.Mutex
	meta      map[string]jobMeta
	collected map[string]bool // handles whose outputs were already fetched
	started   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession builds a session from configuration. The websocket is not
// dialed until Start.
func NewSession(cfg *config.Config) (*Session, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clientID := uuid.NewString()
	client, err := api.NewClient(cfg, clientID)
	if err != nil {
		return nil, err
	}

	bus := events.NewEventBus(constants.EventBusDefaultBuffer)

	var cache *imagecache.Cache
	if cfg.CacheEnabled {
		dir, err := cfg.ImageCacheDir()
		if err != nil {
			return nil, err
		}
		cache, err = imagecache.New(dir)
		if err != nil {
			return nil, err
		}
	}

	return &Session{
		cfg:        cfg,
		client:     client,
		bus:        bus,
		reconciler: jobs.NewReconciler(bus),
		listener:   stream.NewListener(cfg, clientID),
		cache:      cache,
		logger:     logging.NewLogger("embedded", bus),
		clientID:   clientID,
		meta:       make(map[string]jobMeta),
		collected:  make(map[string]bool),
	}, nil
}

// Events returns the session's event bus.
func (s *Session) Events() *events.EventBus {
	return s.bus
}

// Client returns the underlying API client for operations outside job
// tracking (catalog queries, lora management, output deletion).
func (s *Session) Client() *api.Client {
	return s.client
}

// Cache returns the image cache, or nil when caching is disabled.
func (s *Session) Cache() *imagecache.Cache {
	return s.cache
}

// ClientID returns the session identifier shared by submissions and the
// event stream.
func (s *Session) ClientID() string {
	return s.clientID
}

// UpdateConfig replaces the session configuration. Only allowed before
// Start: the API client, listener and cache are rebuilt against the new
// settings, and a config-changed event tells subscribers to drop anything
// derived from the old ones. A started session must be closed and rebuilt
// instead, its websocket is bound to the old server.
func (s *Session) UpdateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("cannot change configuration on a started session")
	}
	s.mu.Unlock()

	client, err := api.NewClient(cfg, s.clientID)
	if err != nil {
		return err
	}

	var cache *imagecache.Cache
	if cfg.CacheEnabled {
		dir, err := cfg.ImageCacheDir()
		if err != nil {
			return err
		}
		cache, err = imagecache.New(dir)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.cfg = cfg
	s.client = client
	s.listener = stream.NewListener(cfg, s.clientID)
	s.cache = cache
	s.mu.Unlock()

	s.bus.Publish(&events.ConfigChangedEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventConfigChanged, Time: time.Now()},
		Source:    "session",
	})
	return nil
}

// Start connects the event stream and begins consuming it. It returns
// immediately; the stream reconnects on its own until Close.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	listener := s.listener
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		listener.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.consume(runCtx)
	}()
}

// Close stops the stream and waits for the consumers to drain. The event
// bus is closed last so subscribers see every published event.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.bus.Close()
}

// Generate instantiates the template once per batch item and submits each
// request. Returned handles are tracked; a submission failure mid-batch
// returns the handles submitted so far together with the error.
//
// Each tracked handle gets an immediate reconcile so events that raced
// ahead of tracking (the server can start a job before SubmitPrompt even
// returns on a warm cache) are resolved from canonical state.
func (s *Session) Generate(ctx context.Context, tpl *workflow.Template, params workflow.Parameters, batch int) ([]string, error) {
	requests, err := tpl.InstantiateBatch(params, batch)
	if err != nil {
		return nil, err
	}

	handles := make([]string, 0, len(requests))
	for i, req := range requests {
		handle, err := s.client.SubmitPrompt(ctx, req.Graph)
		if err != nil {
			return handles, fmt.Errorf("batch item %d/%d: %w", i+1, len(requests), err)
		}

		name := jobName(params.Prompt, i, len(requests))
		s.mu.Lock()
		s.meta[handle] = jobMeta{
			name:     name,
			prompt:   params.Prompt,
			negative: params.Negative,
			style:    params.Style,
			model:    params.Model,
			seed:     req.Seed,
		}
		s.mu.Unlock()

		s.reconciler.Track(handle, name, req.Order, req.Seed)
		handles = append(handles, handle)
		s.reconcileLater(handle)
	}

	return handles, nil
}

// Cancel cancels one job: local state flips to Cancelled immediately, then
// the matching server-side cancel is sent best-effort. A job the server
// already finished is corrected back by the follow-up reconcile.
func (s *Session) Cancel(ctx context.Context, handle string) error {
	prev, err := s.reconciler.Cancel(handle)
	if err != nil {
		return err
	}

	var cancelErr error
	switch prev {
	case jobs.StateQueued:
		cancelErr = s.client.DeleteQueued(ctx, handle)
	case jobs.StateRunning:
		cancelErr = s.client.Interrupt(ctx)
	}
	if cancelErr != nil {
		s.logger.Warnf("core: server-side cancel of %s: %v", handle, cancelErr)
	}

	// The cancel may have lost the race against completion; let canonical
	// state correct the optimistic transition.
	if err := s.Reconcile(ctx, handle); err != nil {
		s.logger.Debugf("core: post-cancel reconcile of %s: %v", handle, err)
	}
	return nil
}

// CancelAll cancels every non-terminal tracked job.
func (s *Session) CancelAll(ctx context.Context) error {
	var firstErr error
	for _, handle := range s.reconciler.Active() {
		if err := s.Cancel(ctx, handle); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dismiss forgets a job locally. Nothing is sent to the server.
func (s *Session) Dismiss(handle string) {
	s.reconciler.Dismiss(handle)
	s.mu.Lock()
	delete(s.meta, handle)
	delete(s.collected, handle)
	s.mu.Unlock()
}

// Job returns the current snapshot of one tracked job.
func (s *Session) Job(handle string) (jobs.Snapshot, bool) {
	return s.reconciler.Get(handle)
}

// Jobs returns snapshots of all tracked jobs, oldest first.
func (s *Session) Jobs() []jobs.Snapshot {
	return s.reconciler.List()
}

// Reconcile fetches the canonical state of one job and applies it. History
// is checked first because terminal outcomes live there; a job in neither
// history nor the queue is gone for good and marked failed, unless it was
// cancelled locally, where vanishing is the expected outcome.
func (s *Session) Reconcile(ctx context.Context, handle string) error {
	history, err := s.client.History(ctx, handle)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", handle, err)
	}
	if entry, done := history[handle]; done {
		s.reconciler.ApplyHistory(handle, entry)
		if entry.Succeeded() {
			s.collectOutputs(ctx, handle)
		}
		return nil
	}

	queue, err := s.client.QueueState(ctx)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", handle, err)
	}
	if queue.Contains(handle) {
		running := false
		for _, id := range queue.RunningIDs() {
			if id == handle {
				running = true
				break
			}
		}
		s.reconciler.ApplyQueue(handle, running)
		return nil
	}

	if snap, ok := s.reconciler.Get(handle); ok && snap.State == jobs.StateCancelled {
		return nil
	}
	s.reconciler.MarkLost(handle, "job no longer known to the server")
	return nil
}

// consume drains the listener until the session closes. Connection-level
// events are forwarded to the bus; everything job-scoped goes through the
// reconciler, the single writer for job state.
func (s *Session) consume(ctx context.Context) {
	for ev := range s.listener.Events() {
		switch ev.Kind {
		case stream.KindConnected:
			s.bus.Publish(&events.ConnectionEvent{
				BaseEvent: events.BaseEvent{EventType: events.EventStreamConnected, Time: time.Now()},
				Connected: true,
			})

		case stream.KindDisconnected:
			s.bus.Publish(&events.ConnectionEvent{
				BaseEvent: events.BaseEvent{EventType: events.EventStreamDisconnected, Time: time.Now()},
				Connected: false,
				Attempt:   ev.Attempt,
			})

		case stream.KindResync:
			s.bus.Publish(&events.ResyncEvent{
				BaseEvent: events.BaseEvent{EventType: events.EventStreamResync, Time: time.Now()},
				Reason:    "reconnected after connection loss",
			})
			s.reconcileActive(ctx)

		case stream.KindQueueCount:
			// Server-wide queue depth; nothing per-job to do with it.

		case stream.KindFinished:
			s.reconciler.Apply(ev)
			// The finish event says execution ended; history has the
			// authoritative outcome and the full output list.
			s.reconcileLater(ev.Handle)

		default:
			s.reconciler.Apply(ev)
		}
	}
}

// reconcileLater reconciles one job on a background context so it survives
// the caller's deadline. Used after submissions (events can race ahead of
// tracking) and after finish events (history holds the authoritative
// outcome).
func (s *Session) reconcileLater(handle string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rctx, rcancel := context.WithTimeout(context.Background(), constants.APIContextTimeout)
		defer rcancel()
		if err := s.Reconcile(rctx, handle); err != nil {
			s.logger.Debugf("core: deferred reconcile of %s: %v", handle, err)
		}
	}()
}

// reconcileActive re-checks every non-terminal job against canonical server
// state. Called after reconnects, when events may have been lost.
func (s *Session) reconcileActive(ctx context.Context) {
	for _, handle := range s.reconciler.Active() {
		rctx, rcancel := context.WithTimeout(ctx, constants.APIContextTimeout)
		err := s.Reconcile(rctx, handle)
		rcancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warnf("core: resync reconcile of %s: %v", handle, err)
		}
	}
}

// collectOutputs downloads a completed job's output images into the cache,
// once per handle.
func (s *Session) collectOutputs(ctx context.Context, handle string) {
	if s.cache == nil {
		return
	}

	s.mu.Lock()
	if s.collected[handle] {
		s.mu.Unlock()
		return
	}
	s.collected[handle] = true
	meta := s.meta[handle]
	s.mu.Unlock()

	snap, ok := s.reconciler.Get(handle)
	if !ok {
		return
	}

	retry := http.DefaultConfig()
	retry.OnRetry = func(attempt int, err error, _ http.ErrorType) {
		s.logger.Debugf("core: retrying output fetch (attempt %d): %v", attempt, err)
	}

	for _, img := range snap.Outputs {
		if img.Type != "" && img.Type != "output" {
			continue // temp images are previews, not results
		}
		var data []byte
		vctx, vcancel := context.WithTimeout(ctx, constants.ViewDownloadTimeout)
		err := http.ExecuteWithRetry(vctx, retry, func() error {
			var verr error
			data, verr = s.client.View(vctx, img)
			return verr
		})
		vcancel()
		if err != nil {
			s.logger.Warnf("core: fetching output %s of %s: %v", img.Filename, handle, err)
			continue
		}
		_, err = s.cache.Save(data, imagecache.Meta{
			Prompt:     meta.prompt,
			Negative:   meta.negative,
			Style:      meta.style,
			Model:      meta.model,
			Seed:       meta.seed,
			JobHandle:  handle,
			SourceFile: img.Filename,
		})
		if err != nil {
			s.logger.Warnf("core: caching output %s of %s: %v", img.Filename, handle, err)
		}
	}
}

// SubmitGraph submits a pre-built prompt graph without template binding and
// tracks it under the given display name. Used when the caller edited the
// raw graph directly.
func (s *Session) SubmitGraph(ctx context.Context, graph models.PromptGraph, name string) (string, error) {
	handle, err := s.client.SubmitPrompt(ctx, graph)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = handle
	}

	s.mu.Lock()
	s.meta[handle] = jobMeta{name: name}
	s.mu.Unlock()

	s.reconciler.Track(handle, name, nil, 0)
	s.reconcileLater(handle)
	return handle, nil
}

// jobName builds a display name from the prompt, truncated for list views.
func jobName(prompt string, index, total int) string {
	name := strings.Join(strings.Fields(prompt), " ")
	if len(name) > 40 {
		name = name[:40] + "..."
	}
	if total > 1 {
		name = fmt.Sprintf("%s [%d/%d]", name, index+1, total)
	}
	return name
}
