package plejd

import (
	"sync"
	"testing"
)

type logEntry struct {
	msg    string
	fields map[string]any
}

// recordingLogger implements Logger for testing.
type recordingLogger struct {
	mu      sync.Mutex
	errors  []string
	entries []logEntry
}

func (l *recordingLogger) Debug(msg string, kv ...any) { l.record(msg, kv) }
func (l *recordingLogger) Info(msg string, kv ...any)  { l.record(msg, kv) }
func (l *recordingLogger) Warn(string, ...any)         {}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) record(msg string, kv []any) {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{msg: msg, fields: fields})
	l.mu.Unlock()
}

func (l *recordingLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

// find returns the debug and info entries logged with msg, oldest first.
func (l *recordingLogger) find(msg string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range l.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

func TestEventBusDeliversInRegistrationOrder(t *testing.T) {
	bus := NewEventBus()

	var order []int
	for i := range 3 {
		bus.Subscribe(func(Event) { order = append(order, i) })
	}

	bus.Publish(SceneActivatedEvent{Scene: 1})

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("order = %v, want [0 1 2]", order)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()

	var a, b int
	unsubA := bus.Subscribe(func(Event) { a++ })
	bus.Subscribe(func(Event) { b++ })

	bus.Publish(SceneActivatedEvent{})
	unsubA()
	unsubA()
	bus.Publish(SceneActivatedEvent{})

	if a != 1 {
		t.Errorf("a = %d, want 1", a)
	}
	if b != 2 {
		t.Errorf("b = %d, want 2", b)
	}
	if bus.Len() != 1 {
		t.Errorf("Len() = %d, want 1", bus.Len())
	}
}

func TestEventBusSnapshotDuringPublish(t *testing.T) {
	bus := NewEventBus()

	var late, second int
	var unsubSecond func()

	bus.Subscribe(func(Event) {
		// Changes made during delivery apply to the next Publish.
		bus.Subscribe(func(Event) { late++ })
		unsubSecond()
	})
	unsubSecond = bus.Subscribe(func(Event) { second++ })

	bus.Publish(ChangeStateEvent{})

	if second != 1 {
		t.Errorf("second = %d, want 1 (removed mid-delivery still receives the current event)", second)
	}
	if late != 0 {
		t.Errorf("late = %d, want 0 (added mid-delivery waits for the next event)", late)
	}

	bus.Publish(ChangeStateEvent{})
	if second != 1 {
		t.Errorf("second = %d after unsubscribe, want 1", second)
	}
	if late != 1 {
		t.Errorf("late = %d, want 1", late)
	}
}

func TestEventBusRecoversPanics(t *testing.T) {
	bus := NewEventBus()
	logger := &recordingLogger{}
	bus.SetLogger(logger)

	var after int
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { after++ })

	bus.Publish(DimEvent{Address: 1})

	if after != 1 {
		t.Errorf("later subscriber ran %d times, want 1", after)
	}
	if logger.errorCount() != 1 {
		t.Errorf("logged errors = %d, want 1", logger.errorCount())
	}
}

func TestEventBusNilSubscriber(t *testing.T) {
	bus := NewEventBus()
	unsub := bus.Subscribe(nil)
	unsub()
	if bus.Len() != 0 {
		t.Errorf("Len() = %d, want 0", bus.Len())
	}
	bus.Publish(SceneActivatedEvent{})
}
