package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
// Entries are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// closedTopicTTL is how long a closed topic is remembered after Close.
const closedTopicTTL = time.Minute

// Entry kinds published by the broker.
const (
	EntryLog     = "log"
	EntryTimeout = "timeout"
)

// Entry is one item of a task's live stream: an output line or a timeout
// event.
type Entry struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// LogBroker manages per-task streaming of output lines and timeout events
// to subscribers. It is safe for concurrent use.
//
// Closed topics are retained as markers for closedTopicTTL so that late
// subscribers (those subscribing just after a task finishes) receive a closed
// channel instead of blocking forever. Expired markers are pruned on Close.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
	ttl    time.Duration
	now    func() time.Time
}

type logTopic struct {
	subs     map[int]chan Entry
	nextID   int
	closed   bool
	closedAt time.Time
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
		ttl:    closedTopicTTL,
		now:    time.Now,
	}
}

// Subscribe returns a channel that receives entries for the given task and
// an unsubscribe function. If the task has already finished (Close was
// called), the returned channel is immediately closed.
func (b *LogBroker) Subscribe(taskID string) (<-chan Entry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan Entry)}
		b.topics[taskID] = t
	}

	ch := make(chan Entry, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		// An open topic nobody listens to is recreated by the next Subscribe.
		if !t.closed && len(t.subs) == 0 && b.topics[taskID] == t {
			delete(b.topics, taskID)
		}
	}
}

// Publish sends an output line to all subscribers of the given task.
func (b *LogBroker) Publish(taskID string, line string) {
	b.publish(taskID, Entry{Kind: EntryLog, Text: line})
}

// PublishEvent sends a timeout event message to all subscribers of the
// given task.
func (b *LogBroker) PublishEvent(taskID string, message string) {
	b.publish(taskID, Entry{Kind: EntryTimeout, Text: message})
}

// publish drops the entry for subscribers whose buffers are full.
func (b *LogBroker) publish(taskID string, e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close signals that nothing more will be published for the given task.
// All subscriber channels are closed and Subscribe calls within
// closedTopicTTL return a closed channel.
func (b *LogBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	t, ok := b.topics[taskID]
	if !ok {
		b.topics[taskID] = &logTopic{subs: make(map[int]chan Entry), closed: true, closedAt: now}
		return
	}

	t.closed = true
	t.closedAt = now
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// prune drops closed topics older than the TTL. b.mu must be held.
func (b *LogBroker) prune(now time.Time) {
	for id, t := range b.topics {
		if t.closed && now.Sub(t.closedAt) >= b.ttl {
			delete(b.topics, id)
		}
	}
}
