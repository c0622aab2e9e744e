package orm

// Event identifies a session lifecycle hook.
type Event string

// Session lifecycle events. BeforeFlush runs after the flush plan has
// been requested but before any statement executes, so listeners can
// still mutate managed instances. AfterCommit and AfterRollback run
// once the transaction outcome is final.
const (
	BeforeFlush   Event = "before_flush"
	AfterFlush    Event = "after_flush"
	AfterCommit   Event = "after_commit"
	AfterRollback Event = "after_rollback"
)

// Listener observes a session lifecycle event. Listeners run
// synchronously on the goroutine driving the session, in registration
// order.
type Listener func(*Session)

type events struct {
	listeners map[Event][]Listener
}

func newEvents() *events {
	return &events{listeners: make(map[Event][]Listener)}
}

func (e *events) on(ev Event, fn Listener) {
	e.listeners[ev] = append(e.listeners[ev], fn)
}

func (e *events) emit(ev Event, s *Session) {
	for _, fn := range e.listeners[ev] {
		fn(s)
	}
}
