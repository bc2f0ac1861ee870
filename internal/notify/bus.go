package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/pkg/logger"
)

// BusOptions tunes the dispatcher.
type BusOptions struct {
	QueueSize      int
	PublishTimeout time.Duration
	TopicPrefix    string
}

// Bus queues events and dispatches them to every publisher from a single goroutine.
type Bus struct {
	opts       BusOptions
	publishers []Publisher
	queue      chan Event
	log        *logger.Logger
	dropped    atomic.Int64
}

var _ Notifier = (*Bus)(nil)

// NewBus constructs a bus over the given publishers.
func NewBus(opts BusOptions, log *logger.Logger, publishers ...Publisher) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "dialer"
	}
	return &Bus{
		opts:       opts,
		publishers: publishers,
		queue:      make(chan Event, opts.QueueSize),
		log:        log.Named("notify"),
	}
}

// Publish enqueues evt. When the queue is full the event is dropped.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	select {
	case b.queue <- evt:
	default:
		b.dropped.Add(1)
		b.log.Warn("notification dropped, queue full", zap.String("kind", string(evt.Kind)))
	}
}

// Dropped returns how many events were discarded.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Run dispatches queued events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-b.queue:
			b.dispatch(ctx, evt)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		b.log.Error("marshal notification", zap.Error(err))
		return
	}
	topic := evt.Topic(b.opts.TopicPrefix)

	for _, p := range b.publishers {
		pctx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
		if err := p.Publish(pctx, topic, payload); err != nil {
			b.log.Warn("publish notification failed", zap.String("topic", topic), zap.Error(err))
		}
		cancel()
	}
}

// Close closes every publisher.
func (b *Bus) Close() error {
	var errs []error
	for _, p := range b.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard is a Notifier that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
