package progress

import (
	"sync"
	"sync/atomic"

	"github.com/ahrav/go-grader/pkg/metrics"
)

// Default bus sizing.
const (
	defaultBufferSize   = 64  // per-subscriber channel capacity
	defaultHistoryLimit = 256 // per-job replay window
)

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithHistoryLimit sets how many recent events per job are kept for
// replay-on-reconnect.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historyLimit = n
		}
	}
}

// Subscription is one subscriber's view of a job's event stream.
// Events arrive on C; the channel is closed when the job completes or the
// subscription is cancelled.
type Subscription struct {
	// C delivers events in publish order.
	C <-chan Event

	ch      chan Event
	jobID   string
	dropped atomic.Uint64
}

// Dropped reports how many events were discarded because this subscriber
// could not keep up. A non-zero value tells the subscriber to re-sync from
// the persisted Job state.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Bus fans per-job events out to subscribers. Publish is fire-and-forget:
// a slow subscriber loses events (counted on its subscription) but never
// stalls the orchestrator, and persistence is unaffected because the bus
// is not on the persistence path.
type Bus struct {
	mu           sync.Mutex
	subs         map[string]map[*Subscription]struct{}
	history      map[string][]Event
	bufferSize   int
	historyLimit int
}

// NewBus creates a progress bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:         make(map[string]map[*Subscription]struct{}),
		history:      make(map[string][]Event),
		bufferSize:   defaultBufferSize,
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish records the event in the job's replay window and offers it to
// every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hist := append(b.history[ev.JobID], ev)
	if len(hist) > b.historyLimit {
		hist = hist[len(hist)-b.historyLimit:]
	}
	b.history[ev.JobID] = hist

	for sub := range b.subs[ev.JobID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			metrics.RecordProgressDropped()
		}
	}
}

// Subscribe attaches a subscriber to a job's stream. Buffered events with
// sequence numbers greater than lastSequence are replayed first, enabling
// gap-aware resubscription after a reconnect. Replayed events that no
// longer fit the buffer are dropped and counted like live ones.
func (b *Bus) Subscribe(jobID string, lastSequence uint64) *Subscription {
	sub := &Subscription{
		ch:    make(chan Event, b.bufferSize),
		jobID: jobID,
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range b.history[jobID] {
		if ev.Sequence <= lastSequence {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}

	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*Subscription]struct{})
	}
	b.subs[jobID][sub] = struct{}{}
	return sub
}

// Unsubscribe detaches a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

// Complete closes every subscription for a finished job and drops its
// replay window. Late subscribers read the terminal Job from the store.
func (b *Bus) Complete(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[jobID] {
		b.removeLocked(sub)
	}
	delete(b.subs, jobID)
	delete(b.history, jobID)
}

// removeLocked detaches and closes one subscription. Caller holds b.mu.
func (b *Bus) removeLocked(sub *Subscription) {
	if set, ok := b.subs[sub.jobID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(b.subs, sub.jobID)
		}
	}
}
