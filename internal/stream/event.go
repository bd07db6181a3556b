// Package stream maintains the long-lived websocket to the generation
// server and turns its wire messages into typed events.
//
// One listener serves the whole session. Every event that concerns a job
// carries the job's handle and a per-job sequence number assigned here, in
// arrival order; consumers use the sequence to reject duplicates and stale
// deliveries. Connection loss triggers reconnection with backoff, and each
// re-established connection is announced with a resync event because
// anything the server sent while the socket was down is gone for good.
package stream

import "github.com/cozyapp/cozylink/internal/models"

// Kind discriminates listener events.
type Kind int

const (
	// KindConnected reports an established websocket connection.
	KindConnected Kind = iota

	// KindDisconnected reports a lost or failed connection. Attempt carries
	// the upcoming reconnect attempt number.
	KindDisconnected

	// KindResync signals that events may have been missed and every tracked
	// job must be checked against the server's canonical state. Emitted
	// after each reconnect.
	KindResync

	// KindQueueCount carries the server's global queue length. Not tied to
	// a job.
	KindQueueCount

	// KindStarted reports that the server began executing a job.
	KindStarted

	// KindExecuting reports the node currently being executed.
	KindExecuting

	// KindProgress reports step progress within the current node.
	KindProgress

	// KindCached reports nodes the server skipped because their outputs
	// were cached.
	KindCached

	// KindExecuted reports output images produced by a single node.
	KindExecuted

	// KindPreview carries an intermediate preview image.
	KindPreview

	// KindFinished reports that the server finished executing a job. It
	// says nothing about success; history has the authoritative outcome.
	KindFinished

	// KindFailed reports an execution error for a job.
	KindFailed

	// KindInterrupted reports that execution was interrupted on the server.
	KindInterrupted
)

var kindNames = map[Kind]string{
	KindConnected:    "connected",
	KindDisconnected: "disconnected",
	KindResync:       "resync",
	KindQueueCount:   "queue_count",
	KindStarted:      "started",
	KindExecuting:    "executing",
	KindProgress:     "progress",
	KindCached:       "cached",
	KindExecuted:     "executed",
	KindPreview:      "preview",
	KindFinished:     "finished",
	KindFailed:       "failed",
	KindInterrupted:  "interrupted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one decoded message from the server. Handle and Seq are set for
// every job-scoped kind; connection kinds leave them zero.
type Event struct {
	Kind   Kind
	Handle string
	Seq    uint64

	// Node executing or reporting progress.
	Node string

	// Progress step counters.
	Value int
	Max   int

	// Nodes skipped by the server's cache.
	CachedNodes []string

	// Images reported by an executed node.
	Images []models.OutputImage

	// Preview payload, framing header already stripped.
	Preview []byte

	// Failure detail.
	ErrorMessage string
	ErrorNode    string

	// Global queue length for KindQueueCount.
	QueueRemaining int

	// Reconnect attempt for KindDisconnected.
	Attempt int
}

// JobScoped reports whether this event describes a particular job.
func (e *Event) JobScoped() bool {
	return e.Handle != ""
}

// Terminal reports whether this event ends a job's execution on the server.
func (e *Event) Terminal() bool {
	switch e.Kind {
	case KindFinished, KindFailed, KindInterrupted:
		return true
	}
	return false
}
