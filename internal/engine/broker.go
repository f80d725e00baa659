package engine

import "sync"

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 32

// ProgressEvent is one progress observation of a job.
type ProgressEvent struct {
	Progress int    `json:"progress"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ProgressBroker fans out per-job progress events to subscribers.
// It is safe for concurrent use.
//
// A topic exists only while it has subscribers or its job is running; Close
// forgets it. Subscribing after Close yields a channel that never receives,
// so callers must check the job's stored state after subscribing.
type ProgressBroker struct {
	mu     sync.Mutex
	topics map[string]*progressTopic
}

type progressTopic struct {
	subs   map[int]chan ProgressEvent
	nextID int
}

// NewProgressBroker creates a new progress broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{
		topics: make(map[string]*progressTopic),
	}
}

// Subscribe returns a channel that receives progress events for the given job
// and an unsubscribe function. The channel is closed by Close.
func (b *ProgressBroker) Subscribe(jobID string) (<-chan ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan ProgressEvent)}
		b.topics[jobID] = t
	}

	ch := make(chan ProgressEvent, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 && b.topics[jobID] == t {
			delete(b.topics, jobID)
		}
	}
}

// Publish sends an event to all subscribers of the given job.
// Events are dropped for subscribers whose buffers are full.
func (b *ProgressBroker) Publish(jobID string, ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking execution.
		}
	}
}

// Close signals that no more events will be published for the given job.
// All subscriber channels are closed and the topic is dropped.
func (b *ProgressBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	delete(b.topics, jobID)

	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Topics returns the number of jobs currently tracked.
func (b *ProgressBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
