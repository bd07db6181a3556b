// Package jobs tracks submitted generation jobs and reconciles websocket
// events and canonical server snapshots into one state machine per job.
package jobs

import (
	"fmt"
	"time"

	"github.com/cozyapp/cozylink/internal/models"
)

// State represents the lifecycle state of a tracked job.
type State string

const (
	StateQueued    State = "queued"    // Accepted by the server, waiting in its queue
	StateRunning   State = "running"   // Server is executing the workflow
	StateCompleted State = "completed" // Finished successfully, outputs available
	StateFailed    State = "failed"    // Finished with an execution error
	StateCancelled State = "cancelled" // Cancelled by the user or interrupted on the server
)

// validTransitions maps from-state to allowed to-states. Terminal states
// allow nothing; only canonical history snapshots may override them, and
// that path deliberately bypasses this table.
var validTransitions = map[State]map[State]bool{
	StateQueued: {
		StateRunning:   true, // server picked the job up
		StateCompleted: true, // tiny jobs can finish between two events
		StateFailed:    true,
		StateCancelled: true,
	},
	StateRunning: {
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

// ValidateTransition checks whether a state transition is allowed.
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Terminal reports whether the state ends a job's lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// job is the tracked record for one handle. All fields are guarded by the
// reconciler's lock; nothing outside this package touches a job directly.
type job struct {
	handle string
	name   string
	seed   int64

	state       State
	progress    float64
	node        string
	value       int
	max         int
	errorDetail string
	preview     []byte
	outputs     []models.OutputImage

	// lastSeq is the sequence number of the last applied stream event.
	// Events at or below it are duplicates or stale redeliveries.
	lastSeq uint64

	// nodeIndex maps node id to its position in the execution order, used
	// to turn "currently executing node" into an overall fraction.
	nodeIndex map[string]int
	nodeCount int

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
}

// progressAt returns the overall fraction for being at the given node with
// frac of that node done. Falls back to frac alone when the node is not in
// the execution order (detailer branches inject nodes the template did not
// list).
func (j *job) progressAt(node string, frac float64) float64 {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	idx, ok := j.nodeIndex[node]
	if !ok || j.nodeCount == 0 {
		return frac
	}
	overall := (float64(idx) + frac) / float64(j.nodeCount)
	if overall > 1 {
		overall = 1
	}
	return overall
}

// Snapshot is a point-in-time copy of a job, safe to hand to other
// goroutines.
type Snapshot struct {
	Handle      string
	Name        string
	Seed        int64
	State       State
	Progress    float64
	Node        string
	Value       int
	Max         int
	ErrorDetail string
	Preview     []byte
	Outputs     []models.OutputImage
	LastSeq     uint64
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Terminal reports whether the snapshot records a finished job.
func (s Snapshot) Terminal() bool {
	return s.State.Terminal()
}

func (j *job) snapshot() Snapshot {
	outputs := make([]models.OutputImage, len(j.outputs))
	copy(outputs, j.outputs)
	return Snapshot{
		Handle:      j.handle,
		Name:        j.name,
		Seed:        j.seed,
		State:       j.state,
		Progress:    j.progress,
		Node:        j.node,
		Value:       j.value,
		Max:         j.max,
		ErrorDetail: j.errorDetail,
		Preview:     j.preview,
		Outputs:     outputs,
		LastSeq:     j.lastSeq,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
}
