package events

import (
	"testing"
	"time"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventProgress)

	testEvent := &ProgressEvent{
		BaseEvent: BaseEvent{
			EventType: EventProgress,
			Time:      time.Now(),
		},
		JobID:    "prompt-1",
		Name:     "portrait batch",
		Progress: 0.5,
		Node:     "7",
		Value:    10,
		Max:      20,
	}

	bus.Publish(testEvent)

	select {
	case received := <-ch:
		progress, ok := received.(*ProgressEvent)
		if !ok {
			t.Fatal("Expected ProgressEvent")
		}
		if progress.JobID != "prompt-1" {
			t.Errorf("Expected job id 'prompt-1', got '%s'", progress.JobID)
		}
		if progress.Progress != 0.5 {
			t.Errorf("Expected progress 0.5, got %f", progress.Progress)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event")
	}
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch1 := bus.Subscribe(EventLog)
	ch2 := bus.Subscribe(EventLog)

	testEvent := &LogEvent{
		BaseEvent: BaseEvent{
			EventType: EventLog,
			Time:      time.Now(),
		},
		Level:   InfoLevel,
		Message: "Test log",
	}

	bus.Publish(testEvent)

	received1 := false
	received2 := false

	select {
	case <-ch1:
		received1 = true
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case <-ch2:
		received2 = true
	case <-time.After(100 * time.Millisecond):
	}

	if !received1 || !received2 {
		t.Error("Not all subscribers received the event")
	}
}

func TestEventBus_DifferentEventTypes(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	progressCh := bus.Subscribe(EventProgress)
	logCh := bus.Subscribe(EventLog)

	bus.Publish(&ProgressEvent{
		BaseEvent: BaseEvent{EventType: EventProgress, Time: time.Now()},
		JobID:     "prompt-1",
	})

	select {
	case <-progressCh:
		// Expected
	case <-time.After(100 * time.Millisecond):
		t.Error("Progress subscriber didn't receive event")
	}

	select {
	case <-logCh:
		t.Error("Log subscriber received wrong event type")
	case <-time.After(50 * time.Millisecond):
		// Expected - timeout means no event
	}
}

func TestEventBus_SubscribeAll(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	allCh := bus.SubscribeAll()

	bus.Publish(&ProgressEvent{
		BaseEvent: BaseEvent{EventType: EventProgress, Time: time.Now()},
	})

	bus.Publish(&LogEvent{
		BaseEvent: BaseEvent{EventType: EventLog, Time: time.Now()},
	})

	count := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allCh:
			count++
		case <-time.After(100 * time.Millisecond):
			break
		}
	}

	if count != 2 {
		t.Errorf("Expected to receive 2 events, got %d", count)
	}
}

func TestEventBus_NonBlocking(t *testing.T) {
	bus := NewEventBus(2) // Small buffer
	defer bus.Close()

	ch := bus.Subscribe(EventPreview)

	// Fill the buffer well past capacity
	for i := 0; i < 10; i++ {
		bus.Publish(&PreviewEvent{
			BaseEvent: BaseEvent{EventType: EventPreview, Time: time.Now()},
			JobID:     "prompt-1",
		})
	}

	// Should not block - excess events are dropped

	count := 0
	for {
		select {
		case <-ch:
			count++
		case <-time.After(10 * time.Millisecond):
			goto done
		}
	}
done:

	if count == 0 {
		t.Error("Should have received at least some events")
	}
	if bus.GetDroppedEventCount() == 0 {
		t.Error("Expected dropped events to be counted")
	}
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus(10)

	ch := bus.Subscribe(EventProgress)

	bus.Close()

	_, ok := <-ch
	if ok {
		t.Error("Channel should be closed after bus.Close()")
	}

	// Publishing after close should not panic
	bus.Publish(&ProgressEvent{
		BaseEvent: BaseEvent{EventType: EventProgress, Time: time.Now()},
	})
}

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Level %d: expected %s, got %s", tt.level, tt.expected, got)
		}
	}
}

func TestConvenienceMethods(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	logCh := bus.Subscribe(EventLog)
	progressCh := bus.Subscribe(EventProgress)
	stateCh := bus.Subscribe(EventStateChange)

	bus.PublishLog(InfoLevel, "test message", "prompt-1", nil)

	select {
	case event := <-logCh:
		log, ok := event.(*LogEvent)
		if !ok {
			t.Fatal("Expected LogEvent")
		}
		if log.Message != "test message" {
			t.Errorf("Expected 'test message', got '%s'", log.Message)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Timeout waiting for log event")
	}

	bus.PublishProgress("prompt-1", "portrait", 0.75, "9", 15, 20)

	select {
	case event := <-progressCh:
		progress, ok := event.(*ProgressEvent)
		if !ok {
			t.Fatal("Expected ProgressEvent")
		}
		if progress.Progress != 0.75 {
			t.Errorf("Expected progress 0.75, got %f", progress.Progress)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Timeout waiting for progress event")
	}

	bus.PublishStateChange("prompt-1", "portrait", "queued", "running", "")

	select {
	case event := <-stateCh:
		state, ok := event.(*StateChangeEvent)
		if !ok {
			t.Fatal("Expected StateChangeEvent")
		}
		if state.NewState != "running" {
			t.Errorf("Expected new state 'running', got '%s'", state.NewState)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Timeout waiting for state change event")
	}
}
