package engine

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/seantiz/runsync/internal/dispatch"
)

const (
	// subscriberBufferSize is the channel buffer for each feed subscriber.
	// Messages are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// closedTTL is how long a finished record is remembered as closed.
	closedTTL = time.Minute
)

// Feed fans transition messages out to per-record subscribers. It is safe
// for concurrent use.
//
// Topics exist only while they have subscribers. Finished records are
// remembered for a short while so that a subscriber arriving just after the
// record went terminal gets a closed channel instead of waiting forever.
type Feed struct {
	mu     sync.Mutex
	topics map[string]*feedTopic
	closed *cache.Cache
}

type feedTopic struct {
	subs   map[int]chan dispatch.Message
	nextID int
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return newFeed(closedTTL)
}

func newFeed(ttl time.Duration) *Feed {
	return &Feed{
		topics: make(map[string]*feedTopic),
		closed: cache.New(ttl, 2*ttl),
	}
}

// Subscribe returns a channel receiving the transitions of recordID and an
// unsubscribe function. The channel is closed once the record is terminal.
func (f *Feed) Subscribe(recordID string) (<-chan dispatch.Message, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan dispatch.Message, subscriberBufferSize)
	if _, done := f.closed.Get(recordID); done {
		close(ch)
		return ch, func() {}
	}

	t, ok := f.topics[recordID]
	if !ok {
		t = &feedTopic{subs: make(map[int]chan dispatch.Message)}
		f.topics[recordID] = t
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
		if len(t.subs) == 0 && f.topics[recordID] == t {
			delete(f.topics, recordID)
		}
	}
}

// Publish delivers msg to the subscribers of its record. Slow subscribers
// miss messages rather than block the dispatcher lane.
func (f *Feed) Publish(msg dispatch.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.topics[msg.RecordID()]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Close ends the stream of recordID and drops its topic.
func (f *Feed) Close(recordID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed.Set(recordID, struct{}{}, cache.DefaultExpiration)
	t, ok := f.topics[recordID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(f.topics, recordID)
}

// Len returns the number of records with live subscribers.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics)
}
