package hwkey

import "log"

// EventType identifies an engine notification.
type EventType string

const (
	EventOpen            EventType = "open"
	EventClose           EventType = "close"
	EventError           EventType = "error"             // transport-level fault
	EventFailed          EventType = "failed"            // link lost, or open/reconnect failed
	EventLocked          EventType = "locked"            // device requires PIN
	EventWaitUserConfirm EventType = "wait_user_confirm" // device awaits button press
)

// Event is a notification emitted by the engine.
type Event struct {
	Type EventType
	Err  error // set for EventError and EventFailed
}

// EventHandler receives engine events. Handlers run on the engine's dispatch
// goroutine, in emit order; they may call back into the engine.
type EventHandler func(Event)

const eventBuffer = 64

type subscriber struct {
	id  int
	typ EventType
	all bool
	fn  EventHandler
}

// Subscribe registers fn for events of type t. The returned function removes
// the subscription.
func (e *Engine) Subscribe(t EventType, fn EventHandler) (cancel func()) {
	return e.subscribe(subscriber{typ: t, fn: fn})
}

// SubscribeAll registers fn for every event type.
func (e *Engine) SubscribeAll(fn EventHandler) (cancel func()) {
	return e.subscribe(subscriber{all: true, fn: fn})
}

func (e *Engine) subscribe(s subscriber) func() {
	e.mu.Lock()
	e.subSeq++
	s.id = e.subSeq
	e.subs = append(e.subs, s)
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, cur := range e.subs {
			if cur.id == s.id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// emitLocked queues an event for dispatch. A full buffer drops the event, the
// same policy the bridge server applies to slow clients.
func (e *Engine) emitLocked(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Printf("[hwkey] event buffer full, dropping %s", ev.Type)
	}
}

// dispatchLoop delivers events to subscribers outside the engine mutex.
func (e *Engine) dispatchLoop() {
	for ev := range e.events {
		e.mu.Lock()
		handlers := make([]EventHandler, 0, len(e.subs))
		for _, s := range e.subs {
			if s.all || s.typ == ev.Type {
				handlers = append(handlers, s.fn)
			}
		}
		e.mu.Unlock()
		for _, fn := range handlers {
			fn(ev)
		}
	}
}
