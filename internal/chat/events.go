package chat

import (
	"log/slog"
	"sync"

	"dashtracer-chat/internal/domain"
)

// Local lifecycle events. Inbound frames are emitted under their frame type
// (domain.FrameChatMessage and so on).
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

// Event is delivered to subscribers. Frame is set for wire events, Err for
// error events and Code for disconnects.
type Event struct {
	Type  string
	Frame domain.Frame
	Err   error
	Code  int
}

// Handler receives events. Handlers may be invoked from the transport's
// read goroutine or from a timer, so they must not block.
type Handler func(Event)

// Subscription is the handle returned by On.
type Subscription struct {
	emitter *emitter
	event   string
	id      uint64
	once    sync.Once
}

// Unsubscribe removes the handler. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.emitter.remove(s.event, s.id)
	})
}

type registration struct {
	id      uint64
	handler Handler
}

type emitter struct {
	mu       sync.RWMutex
	seq      uint64
	handlers map[string][]registration
	logger   *slog.Logger
}

func newEmitter(logger *slog.Logger) *emitter {
	return &emitter{
		handlers: make(map[string][]registration),
		logger:   logger,
	}
}

func (e *emitter) on(event string, h Handler) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.handlers[event] = append(e.handlers[event], registration{id: e.seq, handler: h})
	return &Subscription{emitter: e, event: event, id: e.seq}
}

func (e *emitter) remove(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	regs := e.handlers[event]
	for i, r := range regs {
		if r.id == id {
			e.handlers[event] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(e.handlers[event]) == 0 {
		delete(e.handlers, event)
	}
}

func (e *emitter) count(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	regs := make([]registration, len(e.handlers[ev.Type]))
	copy(regs, e.handlers[ev.Type])
	e.mu.RUnlock()

	for _, r := range regs {
		e.call(r.handler, ev)
	}
}

func (e *emitter) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("chat event handler panicked", "event", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
