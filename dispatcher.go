package crm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Handler receives every validated inbound event.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
	revoked atomic.Bool
}

// Dispatcher fans validated events out to subscribers in registration order.
// Dispatch calls are serialized, so a handler finishes one event before it sees the next.
// Handlers must not call Dispatch.
type Dispatcher struct {
	logger  *zap.Logger
	metrics *Metrics

	dispatchMu sync.Mutex

	mu     sync.Mutex
	subs   []*subscription
	nextID uint64
}

// NewDispatcher creates a dispatcher. logger and metrics may be nil.
func NewDispatcher(logger *zap.Logger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger, metrics: metrics}
}

// Subscribe registers h and returns the function that revokes this registration only.
// Registering the same handler twice yields two independent subscriptions.
func (d *Dispatcher) Subscribe(h Handler) (revoke func()) {
	d.mu.Lock()
	d.nextID++
	sub := &subscription{id: d.nextID, handler: h}
	d.subs = append(d.subs, sub)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.revoked.Store(true)
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, s := range d.subs {
				if s.id == sub.id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Len returns the number of live subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Dispatch decodes a raw frame and delivers it to every live subscriber.
// Malformed, unknown and invalid frames are logged and dropped; the returned
// error says why, and is nil for delivered events and liveness replies.
func (d *Dispatcher) Dispatch(raw []byte) error {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	if gjson.ValidBytes(raw) {
		if t := gjson.GetBytes(raw, "type"); t.Type == gjson.String && EventType(t.Str) == EventPong {
			return nil
		}
	}

	ev, err := DecodeEvent(raw)
	if err != nil {
		d.drop(raw, err)
		return err
	}

	d.mu.Lock()
	subs := append([]*subscription(nil), d.subs...)
	d.mu.Unlock()

	for _, s := range subs {
		if s.revoked.Load() {
			continue
		}
		d.deliver(s, ev)
	}
	d.metrics.eventDispatched(ev.Type())
	return nil
}

func (d *Dispatcher) deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.handlerPanicked()
			d.logger.Error("event handler panicked",
				zap.String("type", string(ev.Type())),
				zap.Uint64("subscription", s.id),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"),
			)
		}
	}()
	s.handler(ev)
}

func (d *Dispatcher) drop(raw []byte, err error) {
	switch {
	case errors.Is(err, ErrUnknownEvent):
		d.metrics.frameDropped("unknown")
		d.logger.Info("unhandled event type", zap.Error(err))
	case errors.Is(err, ErrInvalidEvent):
		d.metrics.frameDropped("invalid")
		d.logger.Warn("invalid event dropped", zap.Error(err), zap.ByteString("frame", raw))
	default:
		d.metrics.frameDropped("malformed")
		d.logger.Warn("malformed frame dropped", zap.Error(err), zap.ByteString("frame", raw))
	}
}
