package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cozyapp/cozylink/internal/constants"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	EventLog         EventType = "log"
	EventStateChange EventType = "state_change"
	EventProgress    EventType = "progress"
	EventPreview     EventType = "preview"
	EventOutputs     EventType = "outputs"

	// Stream connection events
	EventStreamConnected    EventType = "stream_connected"
	EventStreamDisconnected EventType = "stream_disconnected"
	EventStreamResync       EventType = "stream_resync"

	// Configuration change events
	EventConfigChanged EventType = "config_changed" // Server address or auth changed, clients should reconnect
)

// LogLevel defines log severity levels
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// LogEvent represents log messages
type LogEvent struct {
	BaseEvent
	Level   LogLevel
	Message string
	JobID   string
	Error   error
}

// StateChangeEvent represents job state transitions
type StateChangeEvent struct {
	BaseEvent
	JobID       string
	Name        string
	OldState    string
	NewState    string
	ErrorDetail string
}

// ProgressEvent represents generation progress updates
type ProgressEvent struct {
	BaseEvent
	JobID    string
	Name     string
	Progress float64 // 0.0 to 1.0 across the whole workflow
	Node     string  // Node currently executing
	Value    int     // Step within the current node
	Max      int     // Total steps for the current node
}

// PreviewEvent carries an intermediate preview image for a running job
type PreviewEvent struct {
	BaseEvent
	JobID string
	Image []byte
}

// OutputRef identifies a produced artifact on the server.
type OutputRef struct {
	Filename  string
	Subfolder string
	Kind      string // server-side image type, usually "output" or "temp"
}

// OutputsEvent reports the artifacts of a completed job
type OutputsEvent struct {
	BaseEvent
	JobID   string
	Outputs []OutputRef
}

// ConnectionEvent reports websocket connect/disconnect transitions
type ConnectionEvent struct {
	BaseEvent
	Connected bool
	Attempt   int // reconnect attempt number, 0 on first connect
	Error     error
}

// ResyncEvent signals that events may have been missed and tracked jobs were
// reconciled against the server
type ResyncEvent struct {
	BaseEvent
	Reason string
}

// ConfigChangedEvent represents configuration changes.
// Published when the server address or auth token changes.
// Subscribers should drop cached connections and re-dial.
type ConfigChangedEvent struct {
	BaseEvent
	Source string // "cli_flag", "config_file", "session"
}

// EventBus manages event subscriptions and publishing
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event // Subscribers to all events
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64 // Count of dropped events due to full buffers
}

// NewEventBus creates a new event bus with specified buffer size
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	if bufferSize > constants.EventBusMaxBuffer {
		bufferSize = constants.EventBusMaxBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		all:         make([]chan Event, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.all = append(eb.all, ch)
	return ch
}

// Publish sends an event to all subscribers. Never blocks the publisher: a
// subscriber whose buffer is full misses the event and the drop is counted.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}

	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close shuts down the event bus and closes all channels
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}

	for _, ch := range eb.all {
		close(ch)
	}
}

// PublishLog is a convenience method for publishing log events
func (eb *EventBus) PublishLog(level LogLevel, message, jobID string, err error) {
	eb.Publish(&LogEvent{
		BaseEvent: BaseEvent{
			EventType: EventLog,
			Time:      time.Now(),
		},
		Level:   level,
		Message: message,
		JobID:   jobID,
		Error:   err,
	})
}

// PublishProgress is a convenience method for publishing progress events
func (eb *EventBus) PublishProgress(jobID, name string, progress float64, node string, value, max int) {
	eb.Publish(&ProgressEvent{
		BaseEvent: BaseEvent{
			EventType: EventProgress,
			Time:      time.Now(),
		},
		JobID:    jobID,
		Name:     name,
		Progress: progress,
		Node:     node,
		Value:    value,
		Max:      max,
	})
}

// PublishStateChange is a convenience method for publishing state change events
func (eb *EventBus) PublishStateChange(jobID, name, oldState, newState, errorDetail string) {
	eb.Publish(&StateChangeEvent{
		BaseEvent: BaseEvent{
			EventType: EventStateChange,
			Time:      time.Now(),
		},
		JobID:       jobID,
		Name:        name,
		OldState:    oldState,
		NewState:    newState,
		ErrorDetail: errorDetail,
	})
}

// Unsubscribe removes a subscription channel from a specific event type
// This prevents memory leaks from abandoned subscriptions
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	subscribers := eb.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
			break
		}
	}
}

// UnsubscribeAll removes a subscription channel from all event types
// Use this when cleaning up a subscriber that subscribed to multiple event types
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	for eventType, subscribers := range eb.subscribers {
		for i, subCh := range subscribers {
			if subCh == ch {
				subscribers[i] = subscribers[len(subscribers)-1]
				eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
				break
			}
		}
	}

	for i, subCh := range eb.all {
		if subCh == ch {
			eb.all[i] = eb.all[len(eb.all)-1]
			eb.all = eb.all[:len(eb.all)-1]
			break
		}
	}
}

// GetDroppedEventCount returns the total number of events dropped due to full buffers
// Useful for monitoring and detecting if buffer sizes need adjustment
func (eb *EventBus) GetDroppedEventCount() int64 {
	return eb.droppedEvents.Load()
}

// ResetDroppedEventCount resets the dropped event counter to zero
func (eb *EventBus) ResetDroppedEventCount() int64 {
	return eb.droppedEvents.Swap(0)
}
