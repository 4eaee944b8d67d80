package dispatch

import (
	"strconv"
	"strings"
	"sync"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// TaskTopic names the log stream of the task at position in run runID.
func TaskTopic(runID string, position int) string {
	return runID + "/" + strconv.Itoa(position)
}

// LogBroker fans worker log lines out to live subscribers, one topic per
// task. It is safe for concurrent use.
//
// Closed topics are kept as markers so that late subscribers (those
// subscribing after a task finishes) receive a closed channel instead of
// blocking forever. Markers for a run are dropped by Forget.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel that receives log lines for topic and an
// unsubscribe function. If the task has already finished (Close was called),
// the returned channel is immediately closed.
func (b *LogBroker) Subscribe(topic string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[topic] = t
	}

	ch := make(chan string, subscriberBufferSize)
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
	}
}

// Publish sends a log line to all subscribers of topic.
// Lines are dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(topic string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Never block the worker on a slow reader.
		}
	}
}

// Close signals that no more lines will be published for topic. All
// subscriber channels are closed and future Subscribe calls return a closed
// channel.
func (b *LogBroker) Close(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		b.topics[topic] = &logTopic{subs: make(map[int]chan string), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops the closed markers of every task in runID. Open topics are
// left alone.
func (b *LogBroker) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := runID + "/"
	for topic, t := range b.topics {
		if t.closed && strings.HasPrefix(topic, prefix) {
			delete(b.topics, topic)
		}
	}
}
