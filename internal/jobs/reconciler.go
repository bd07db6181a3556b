package jobs

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cozyapp/cozylink/internal/events"
	"github.com/cozyapp/cozylink/internal/logging"
	"github.com/cozyapp/cozylink/internal/models"
	"github.com/cozyapp/cozylink/internal/stream"
)

// ErrUnknownJob is returned for operations on a handle that is not tracked.
var ErrUnknownJob = errors.New("unknown job handle")

// ErrJobFinished is returned when cancelling a job that already reached a
// terminal state.
var ErrJobFinished = errors.New("job already finished")

// Reconciler merges stream events and canonical server snapshots into
// per-job state.
//
// Everything funnels through one mutex, so there is a single writer per
// handle no matter how many goroutines feed it: the stream consumer, the
// resync loop and user cancellations cannot race each other. State changes,
// progress, previews and outputs are published on the event bus outside the
// lock.
type Reconciler struct {
	mu     sync.Mutex
	jobs   map[string]*job
	bus    *events.EventBus
	logger *logging.Logger
}

// NewReconciler creates a reconciler publishing on the given bus. The bus
// may be nil in tests that only inspect snapshots.
func NewReconciler(bus *events.EventBus) *Reconciler {
	return &Reconciler{
		jobs:   make(map[string]*job),
		bus:    bus,
		logger: logging.NewLogger("embedded", bus),
	}
}

// Track registers a job after submission acknowledgment. order is the
// template's execution order, used to map executing-node events to an
// overall progress fraction.
func (r *Reconciler) Track(handle, name string, order []string, seed int64) {
	index := make(map[string]int, len(order))
	for i, id := range order {
		index[id] = i
	}

	r.mu.Lock()
	if _, exists := r.jobs[handle]; exists {
		r.mu.Unlock()
		return
	}
	r.jobs[handle] = &job{
		handle:    handle,
		name:      name,
		seed:      seed,
		state:     StateQueued,
		nodeIndex: index,
		nodeCount: len(order),
		createdAt: time.Now(),
	}
	r.mu.Unlock()

	r.publishStateChange(handle, name, "", StateQueued, "")
}

// Get returns a snapshot of one job.
func (r *Reconciler) Get(handle string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[handle]
	if !ok {
		return Snapshot{}, false
	}
	return j.snapshot(), true
}

// List returns snapshots of all tracked jobs, oldest first.
func (r *Reconciler) List() []Snapshot {
	r.mu.Lock()
	snapshots := make([]Snapshot, 0, len(r.jobs))
	for _, j := range r.jobs {
		snapshots = append(snapshots, j.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(snapshots, func(i, k int) bool {
		if snapshots[i].CreatedAt.Equal(snapshots[k].CreatedAt) {
			return snapshots[i].Handle < snapshots[k].Handle
		}
		return snapshots[i].CreatedAt.Before(snapshots[k].CreatedAt)
	})
	return snapshots
}

// Active returns the handles of all jobs not yet in a terminal state.
func (r *Reconciler) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var handles []string
	for handle, j := range r.jobs {
		if !j.state.Terminal() {
			handles = append(handles, handle)
		}
	}
	sort.Strings(handles)
	return handles
}

// Dismiss forgets a job. Later events for the handle are discarded as
// unknown.
func (r *Reconciler) Dismiss(handle string) {
	r.mu.Lock()
	delete(r.jobs, handle)
	r.mu.Unlock()
}

// Cancel optimistically transitions a job to Cancelled and returns the
// state it held before, so the caller knows which server-side cancel path
// applies (queue removal for Queued, interrupt for Running). If the server
// reports later that the job actually finished, ApplyHistory corrects the
// state.
func (r *Reconciler) Cancel(handle string) (State, error) {
	r.mu.Lock()
	j, ok := r.jobs[handle]
	if !ok {
		r.mu.Unlock()
		return "", ErrUnknownJob
	}
	prev := j.state
	if prev.Terminal() {
		r.mu.Unlock()
		return prev, ErrJobFinished
	}
	j.state = StateCancelled
	j.completedAt = time.Now()
	name := j.name
	r.mu.Unlock()

	r.publishStateChange(handle, name, prev, StateCancelled, "cancelled by user")
	return prev, nil
}

// Apply merges one stream event into job state. Events for unknown handles
// are logged and dropped; the job may have been dismissed locally. An event
// whose sequence number does not exceed the last applied one is a duplicate
// or stale redelivery and is ignored, so out-of-order delivery never
// regresses a job.
func (r *Reconciler) Apply(ev stream.Event) {
	if !ev.JobScoped() {
		return
	}

	r.mu.Lock()
	j, ok := r.jobs[ev.Handle]
	if !ok {
		r.mu.Unlock()
		r.logger.Debugf("jobs: dropping %s event for unknown handle %s", ev.Kind, ev.Handle)
		return
	}
	if ev.Seq <= j.lastSeq {
		r.mu.Unlock()
		return
	}
	j.lastSeq = ev.Seq

	if j.state.Terminal() {
		// A cancelled job keeps receiving events until the server catches
		// up; none of them may resurrect it.
		r.mu.Unlock()
		return
	}

	publish := r.applyLocked(j, ev)
	r.mu.Unlock()

	for _, fn := range publish {
		fn()
	}
}

// applyLocked mutates the job under the reconciler lock and returns the
// publications to run after unlock.
func (r *Reconciler) applyLocked(j *job, ev stream.Event) []func() {
	var publish []func()

	transition := func(to State, detail string) {
		if err := ValidateTransition(j.state, to); err != nil {
			r.logger.Debugf("jobs: %s: %v", j.handle, err)
			return
		}
		from := j.state
		j.state = to
		j.errorDetail = detail
		if to == StateRunning && j.startedAt.IsZero() {
			j.startedAt = time.Now()
		}
		if to.Terminal() {
			j.completedAt = time.Now()
		}
		handle, name := j.handle, j.name
		publish = append(publish, func() {
			r.publishStateChange(handle, name, from, to, detail)
		})
	}

	progress := func(fraction float64, node string, value, max int) {
		if fraction < j.progress {
			// Progress only moves forward; branch nodes outside the
			// execution order would otherwise bounce the bar around.
			fraction = j.progress
		}
		j.progress = fraction
		j.node = node
		j.value = value
		j.max = max
		handle, name := j.handle, j.name
		publish = append(publish, func() {
			if r.bus != nil {
				r.bus.PublishProgress(handle, name, fraction, node, value, max)
			}
		})
	}

	switch ev.Kind {
	case stream.KindStarted:
		transition(StateRunning, "")

	case stream.KindExecuting:
		if j.state == StateQueued {
			transition(StateRunning, "")
		}
		progress(j.progressAt(ev.Node, 0), ev.Node, 0, 0)

	case stream.KindProgress:
		if j.state == StateQueued {
			transition(StateRunning, "")
		}
		frac := 0.0
		if ev.Max > 0 {
			frac = float64(ev.Value) / float64(ev.Max)
		}
		node := ev.Node
		if node == "" {
			node = j.node
		}
		progress(j.progressAt(node, frac), node, ev.Value, ev.Max)

	case stream.KindCached:
		// The server skipped these nodes; jump the fraction past the last
		// one so cached prefixes do not look stalled.
		maxIdx := -1
		for _, node := range ev.CachedNodes {
			if idx, ok := j.nodeIndex[node]; ok && idx > maxIdx {
				maxIdx = idx
			}
		}
		if maxIdx >= 0 && j.nodeCount > 0 {
			progress(float64(maxIdx+1)/float64(j.nodeCount), j.node, j.value, j.max)
		}

	case stream.KindExecuted:
		j.outputs = append(j.outputs, ev.Images...)

	case stream.KindPreview:
		j.preview = ev.Preview
		handle := j.handle
		preview := ev.Preview
		publish = append(publish, func() {
			if r.bus != nil {
				r.bus.Publish(&events.PreviewEvent{
					BaseEvent: events.BaseEvent{EventType: events.EventPreview, Time: time.Now()},
					JobID:     handle,
					Image:     preview,
				})
			}
		})

	case stream.KindFinished:
		j.progress = 1.0
		transition(StateCompleted, "")
		publish = append(publish, r.outputsPublication(j))

	case stream.KindFailed:
		detail := ev.ErrorMessage
		if detail == "" {
			detail = "execution error"
		}
		transition(StateFailed, detail)

	case stream.KindInterrupted:
		transition(StateCancelled, "interrupted on server")
	}

	return publish
}

// ApplyHistory applies a canonical history record. Snapshots are
// authoritative: they finalize the job regardless of event sequence, and
// they correct an optimistic Cancelled when the server reports the job
// actually finished before the cancel landed.
func (r *Reconciler) ApplyHistory(handle string, entry models.HistoryEntry) {
	r.mu.Lock()
	j, ok := r.jobs[handle]
	if !ok {
		r.mu.Unlock()
		r.logger.Debugf("jobs: history for unknown handle %s", handle)
		return
	}

	var to State
	var detail string
	switch {
	case entry.Succeeded():
		to = StateCompleted
		detail = ""
	case entry.Failed():
		to = StateFailed
		detail = entry.ErrorMessage()
	default:
		// Recorded but not finished, which the server does not normally
		// produce; leave live events in charge.
		r.mu.Unlock()
		return
	}

	if j.state == to {
		// Already there via events; still adopt the canonical output list,
		// it is more complete than accumulated executed events.
		canonical := entry.Images()
		changed := !sameOutputs(j.outputs, canonical)
		j.outputs = canonical
		var outputsPub func()
		if to == StateCompleted && changed {
			outputsPub = r.outputsPublication(j)
		}
		r.mu.Unlock()
		if outputsPub != nil {
			outputsPub()
		}
		return
	}

	from := j.state
	j.state = to
	j.errorDetail = detail
	j.progress = 1.0
	j.outputs = entry.Images()
	j.completedAt = time.Now()
	name := j.name
	var outputsPub func()
	if to == StateCompleted {
		outputsPub = r.outputsPublication(j)
	}
	r.mu.Unlock()

	r.publishStateChange(handle, name, from, to, detail)
	if outputsPub != nil {
		outputsPub()
	}
}

// ApplyQueue applies a canonical queue membership observation: the handle
// was seen in the server's running or pending set. It only upgrades Queued
// to Running; it never finalizes and never downgrades.
func (r *Reconciler) ApplyQueue(handle string, running bool) {
	r.mu.Lock()
	j, ok := r.jobs[handle]
	if !ok || !running || j.state != StateQueued {
		r.mu.Unlock()
		return
	}
	j.state = StateRunning
	j.startedAt = time.Now()
	name := j.name
	r.mu.Unlock()

	r.publishStateChange(handle, name, StateQueued, StateRunning, "")
}

// MarkLost fails a job the server no longer knows: absent from both the
// queue and history after a reconcile. A locally cancelled job is expected
// to vanish and is left alone.
func (r *Reconciler) MarkLost(handle, reason string) {
	r.mu.Lock()
	j, ok := r.jobs[handle]
	if !ok || j.state.Terminal() {
		r.mu.Unlock()
		return
	}
	from := j.state
	j.state = StateFailed
	j.errorDetail = reason
	j.completedAt = time.Now()
	name := j.name
	r.mu.Unlock()

	r.publishStateChange(handle, name, from, StateFailed, reason)
}

// outputsPublication must be called under the lock; the returned closure is
// run after unlock.
func (r *Reconciler) outputsPublication(j *job) func() {
	handle := j.handle
	outputs := make([]events.OutputRef, 0, len(j.outputs))
	for _, img := range j.outputs {
		outputs = append(outputs, events.OutputRef{
			Filename:  img.Filename,
			Subfolder: img.Subfolder,
			Kind:      img.Type,
		})
	}
	return func() {
		if r.bus != nil {
			r.bus.Publish(&events.OutputsEvent{
				BaseEvent: events.BaseEvent{EventType: events.EventOutputs, Time: time.Now()},
				JobID:     handle,
				Outputs:   outputs,
			})
		}
	}
}

func sameOutputs(a, b []models.OutputImage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *Reconciler) publishStateChange(handle, name string, from, to State, detail string) {
	if r.bus == nil {
		return
	}
	r.bus.PublishStateChange(handle, name, string(from), string(to), detail)
}
