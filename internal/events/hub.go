package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"nexusbiz/internal/metrics"
)

// ErrClosed is returned by a listener after it or its hub was closed.
var ErrClosed = errors.New("events: listener closed")

// filterSet is never modified once published; writers build a new one.
type filterSet map[EntityClass]map[string]struct{}

// Hub owns the process-wide subscription filters and event streams. One hub is
// created per session and handed to every consumer.
type Hub struct {
	logger  zerolog.Logger
	filters    atomic.Pointer[filterSet]
	closed     atomic.Bool
	unfiltered atomic.Int32

	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	latest    map[EntityClass]Event
}

// NewHub creates an empty hub. With no filters registered every event is
// published.
func NewHub(logger zerolog.Logger) *Hub {
	h := &Hub{
		logger:    logger.With().Str("component", "events").Logger(),
		listeners: make(map[*Listener]struct{}),
		latest:    make(map[EntityClass]Event),
	}
	h.filters.Store(&filterSet{})
	return h
}

// Subscribe adds a filter for an entity class. Adding a filter that is already
// present is a no-op. Invalid filters are logged and dropped.
func (h *Hub) Subscribe(class EntityClass, kind FilterKind, value string) {
	if h.closed.Load() {
		h.logger.Warn().Str("class", string(class)).Msg("subscribe on closed hub ignored")
		return
	}
	parsed, err := ParseFilterKind(string(kind))
	if err != nil || value == "" {
		h.logger.Warn().Str("class", string(class)).Str("kind", string(kind)).Str("value", value).
			Msg("invalid subscription filter ignored")
		return
	}
	key := FilterKey(parsed, value)

	for {
		old := h.filters.Load()
		if _, ok := (*old)[class][key]; ok {
			return
		}
		next := make(filterSet, len(*old)+1)
		for c, keys := range *old {
			next[c] = keys
		}
		keys := make(map[string]struct{}, len((*old)[class])+1)
		for k := range (*old)[class] {
			keys[k] = struct{}{}
		}
		keys[key] = struct{}{}
		next[class] = keys
		if h.filters.CompareAndSwap(old, &next) {
			h.logger.Debug().Str("class", string(class)).Str("filter", key).Msg("subscribed")
			return
		}
	}
}

// UnsubscribeAll clears the filters of one class, leaving other classes alone.
func (h *Hub) UnsubscribeAll(class EntityClass) {
	for {
		old := h.filters.Load()
		if _, ok := (*old)[class]; !ok {
			return
		}
		next := make(filterSet, len(*old))
		for c, keys := range *old {
			if c != class {
				next[c] = keys
			}
		}
		if h.filters.CompareAndSwap(old, &next) {
			h.logger.Debug().Str("class", string(class)).Msg("unsubscribed all")
			return
		}
	}
}

// Filters returns the sorted filter keys of a class.
func (h *Hub) Filters(class EntityClass) []string {
	keys := (*h.filters.Load())[class]
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OnEvent evaluates a row change against the class's filters and publishes it
// when it matches. It reports whether the event was published. Unfiltered
// listeners receive the change either way.
func (h *Hub) OnEvent(ctx context.Context, class EntityClass, change ChangeType, record map[string]any) bool {
	return h.Dispatch(ctx, ChangeEvent{Class: class, Type: change, Record: record})
}

// Dispatch is OnEvent for a full change event, including the old row of
// updates and deletes.
func (h *Hub) Dispatch(ctx context.Context, c ChangeEvent) bool {
	if h.closed.Load() {
		return false
	}
	_, span := otel.Tracer("nexusbiz/events").Start(ctx, "events.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity.class", string(c.Class)),
		attribute.String("change.type", string(c.Type)),
	)

	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now().UTC()
	}
	accepted := h.accepts(c)
	if !accepted {
		metrics.EventFiltered(string(c.Class))
		if h.unfiltered.Load() == 0 {
			return false
		}
	}

	ev, err := decode(c)
	if err != nil {
		h.logger.Warn().Err(err).Str("class", string(c.Class)).Str("type", string(c.Type)).
			Msg("dropping undecodable change event")
		span.RecordError(err)
		return false
	}

	h.publish(ev, accepted)
	if !accepted {
		return false
	}
	metrics.EventPublished(string(c.Class))
	return true
}

func (h *Hub) accepts(c ChangeEvent) bool {
	keys := (*h.filters.Load())[c.Class]
	if len(keys) == 0 {
		return true
	}
	row := c.row()
	for key := range keys {
		if matches(c.Class, key, row) {
			return true
		}
		if len(c.OldRecord) > 0 && matches(c.Class, key, c.OldRecord) {
			return true
		}
	}
	return false
}

func (h *Hub) publish(ev Event, accepted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if accepted {
		h.latest[ev.Class] = ev
	}
	for l := range h.listeners {
		if (accepted || l.unfiltered) && l.wants(ev.Class) {
			l.push(ev)
		}
	}
}

// Latest returns the most recent event published for a class, for consumers
// that only recheck on change.
func (h *Hub) Latest(class EntityClass) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.latest[class]
	return ev, ok
}

// Listen opens a queued stream of the given classes, or of every class when
// none are given. Each listener receives every event published after it was
// opened, in order.
func (h *Hub) Listen(classes ...EntityClass) *Listener {
	return h.listen(false, classes)
}

// ListenUnfiltered is Listen for internal consumers that must see every
// decodable change regardless of the subscription filters.
func (h *Hub) ListenUnfiltered(classes ...EntityClass) *Listener {
	return h.listen(true, classes)
}

func (h *Hub) listen(unfiltered bool, classes []EntityClass) *Listener {
	l := &Listener{
		hub:        h,
		unfiltered: unfiltered,
		signal:     make(chan struct{}, 1),
	}
	if len(classes) > 0 {
		l.classes = make(map[EntityClass]struct{}, len(classes))
		for _, c := range classes {
			l.classes[c] = struct{}{}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		l.closed = true
		return l
	}
	h.listeners[l] = struct{}{}
	if unfiltered {
		h.unfiltered.Add(1)
	}
	return l
}

// Close tears the hub down: filters are dropped, listeners are closed and
// later events are ignored.
func (h *Hub) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.filters.Store(&filterSet{})

	h.mu.Lock()
	listeners := h.listeners
	h.listeners = make(map[*Listener]struct{})
	h.latest = make(map[EntityClass]Event)
	h.unfiltered.Store(0)
	h.mu.Unlock()

	for l := range listeners {
		l.shut()
	}
}

func (h *Hub) remove(l *Listener) {
	h.mu.Lock()
	if _, ok := h.listeners[l]; ok {
		delete(h.listeners, l)
		if l.unfiltered {
			h.unfiltered.Add(-1)
		}
	}
	h.mu.Unlock()
}

// Listener is an unbounded in-order queue of events. Publishing never blocks on
// a slow listener.
type Listener struct {
	hub        *Hub
	classes    map[EntityClass]struct{}
	unfiltered bool
	signal     chan struct{}

	mu     sync.Mutex
	queue  []Event
	closed bool
}

func (l *Listener) wants(c EntityClass) bool {
	if l.classes == nil {
		return true
	}
	_, ok := l.classes[c]
	return ok
}

func (l *Listener) push(ev Event) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, ev)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the context ends or the listener
// is closed. Queued events are still drained after Close.
func (l *Listener) Next(ctx context.Context) (Event, error) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			ev := l.queue[0]
			l.queue[0] = Event{}
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return ev, nil
		}
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-l.signal:
		}
	}
}

// Pending returns the number of queued events.
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close detaches the listener from its hub.
func (l *Listener) Close() {
	l.hub.remove(l)
	l.shut()
}

func (l *Listener) shut() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}
