package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nexusbiz/internal/cache"
	"nexusbiz/internal/metrics"
	"nexusbiz/internal/retry"
)

// sentTTL bounds how long a delivered notification is remembered.
const sentTTL = 7 * 24 * time.Hour

// Dispatcher delivers notifications from an in-memory queue. Enqueue never
// blocks; Run retries each notification until it is sent or the context ends.
type Dispatcher struct {
	transport Transport
	sent      cache.Cache
	backoff   retry.Backoff
	logger    zerolog.Logger

	mu     sync.Mutex
	queue  []Notification
	signal chan struct{}
}

type DispatcherOption func(*Dispatcher)

func WithBackoff(b retry.Backoff) DispatcherOption {
	return func(d *Dispatcher) { d.backoff = b }
}

// NewDispatcher creates a dispatcher. sent may be nil, which disables
// de-duplication.
func NewDispatcher(t Transport, sent cache.Cache, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		sent:      sent,
		backoff:   retry.DefaultBackoff(),
		logger:    logger.With().Str("component", "notify").Logger(),
		signal:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue schedules notifications for delivery.
func (d *Dispatcher) Enqueue(ns ...Notification) {
	if len(ns) == 0 {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, ns...)
	depth := len(d.queue)
	d.mu.Unlock()
	metrics.NotifyQueueDepth(depth)

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Pending returns the number of notifications not yet picked up.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Run delivers queued notifications one at a time until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, ok := d.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-d.signal:
				continue
			}
		}
		if err := d.deliver(ctx, n); err != nil {
			// Put it back so a later Run can pick it up.
			d.mu.Lock()
			d.queue = append([]Notification{n}, d.queue...)
			d.mu.Unlock()
			return nil
		}
	}
}

func (d *Dispatcher) pop() (Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Notification{}, false
	}
	n := d.queue[0]
	d.queue[0] = Notification{}
	d.queue = d.queue[1:]
	metrics.NotifyQueueDepth(len(d.queue))
	return n, true
}

// deliver sends n with retries. It only returns an error when ctx ended before
// the notification went out.
func (d *Dispatcher) deliver(ctx context.Context, n Notification) error {
	log := d.logger.With().Str("user_id", n.UserID).Str("type", n.Type()).Logger()

	if d.sent != nil {
		claimed, err := d.sent.SetNX(ctx, n.key(), []byte("1"), sentTTL)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("de-duplication unavailable, sending anyway")
		case !claimed:
			metrics.NotificationDuplicate(n.Type())
			log.Debug().Msg("notification already sent")
			return nil
		}
	}

	for attempt := 1; ; attempt++ {
		err := d.transport.Send(ctx, n)
		if err == nil {
			metrics.NotificationSent(n.Type())
			return nil
		}
		if ctx.Err() != nil {
			d.release(n)
			return ctx.Err()
		}

		metrics.NotificationRetried(n.Type())
		log.Warn().Err(err).Int("attempt", attempt).Msg("push delivery failed")
		if err := d.backoff.Wait(ctx, attempt); err != nil {
			d.release(n)
			return err
		}
	}
}

// release drops the de-duplication claim of an undelivered notification.
func (d *Dispatcher) release(n Notification) {
	if d.sent == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.sent.Delete(ctx, n.key()); err != nil && !errors.Is(err, cache.ErrNotFound) {
		d.logger.Warn().Err(err).Str("key", n.key()).Msg("failed to release notification claim")
	}
}
