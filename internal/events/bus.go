// Package events fans graph events out to in-process subscribers such as the
// SSE endpoint and telemetry sinks.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

const DefaultBuffer = 64

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaigngraph_events_published_total",
		Help: "Graph events published by type",
	}, []string{"type"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaigngraph_events_dropped_total",
		Help: "Graph events dropped because a subscriber buffer was full",
	})
)

// Publisher accepts graph events. Publish must not block.
type Publisher interface {
	Publish(evt types.GraphEvent)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(types.GraphEvent) {}

type subscriber struct {
	campaignID string
	ch         chan types.GraphEvent
}

// Bus is an in-process pub/sub for graph events. Slow subscribers lose events
// rather than stall the coordinator that publishes them.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	logger *slog.Logger
	now    func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers for events of campaignID, or of every campaign when it
// is empty. The returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe(campaignID string, buffer int) (<-chan types.GraphEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan types.GraphEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{campaignID: campaignID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers evt to matching subscribers without blocking. Missing IDs
// and timestamps are filled in.
func (b *Bus) Publish(evt types.GraphEvent) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now().UTC()
	}
	eventsPublished.WithLabelValues(string(evt.Type)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if s.campaignID != "" && s.campaignID != evt.CampaignID {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			eventsDropped.Inc()
			b.logger.Warn("dropping graph event for slow subscriber",
				slog.String("campaign_id", evt.CampaignID),
				slog.String("type", string(evt.Type)))
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Recorder is a Publisher that keeps every event, for tests and dry runs.
type Recorder struct {
	mu     sync.Mutex
	events []types.GraphEvent
}

func (r *Recorder) Publish(evt types.GraphEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []types.GraphEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.GraphEvent(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// Multi publishes to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(evt types.GraphEvent) {
	for _, p := range m {
		p.Publish(evt)
	}
}
