package queues

import (
	"context"
	"errors"
	"sync"
	"time"

	"gpu-claim-bot/metrics"

	"github.com/rs/zerolog/log"
)

const (
	DefaultEventBuffer  = 256
	DefaultEventTimeout = 10 * time.Second
)

var (
	ErrPublisherClosed = errors.New("event publisher closed")
	ErrEventQueueFull  = errors.New("event queue full")
)

// AsyncPublisher queues events for a single background goroutine that hands
// them to the wrapped Publisher in order. PublishEvent never waits on the
// broker and delivery does not depend on the caller's context.
type AsyncPublisher struct {
	next    Publisher
	timeout time.Duration
	events  chan *AllocationEvent
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncPublisher(next Publisher, buffer int, timeout time.Duration) *AsyncPublisher {
	if next == nil {
		next = NopPublisher{}
	}
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	p := &AsyncPublisher{
		next:    next,
		timeout: timeout,
		events:  make(chan *AllocationEvent, buffer),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// PublishEvent enqueues ev. It fails only when the queue is full or closed.
func (p *AsyncPublisher) PublishEvent(_ context.Context, ev *AllocationEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.events <- ev:
		return nil
	default:
		metrics.EventPublishFailures.Inc()
		return ErrEventQueueFull
	}
}

// Close stops accepting events and waits until queued ones are delivered.
func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()
	<-p.done
	return nil
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for ev := range p.events {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.next.PublishEvent(ctx, ev)
		cancel()
		if err != nil {
			metrics.EventPublishFailures.Inc()
			log.Error().Err(err).Str("eventId", ev.EventID).Str("gpuId", ev.GPUID).Str("type", string(ev.Type)).Msg("async publisher: failed to deliver allocation event")
		}
	}
}
