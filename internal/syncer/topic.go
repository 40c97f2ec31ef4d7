package syncer

import "sync"

const subscriberQueueSize = 32

// topic fans committed cursors out to live WebSocket viewers. Publishing
// never blocks: a subscriber whose queue is full is marked dropped and its
// connection is expected to close, after which the client resumes by cursor.
type topic struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ownerUserID string
	notify      chan int64
	dropped     chan struct{}
	dropOnce    sync.Once
}

func newTopic() *topic {
	return &topic{subs: make(map[string]map[*subscriber]struct{})}
}

func (t *topic) subscribe(ownerUserID string) *subscriber {
	sub := &subscriber{
		ownerUserID: ownerUserID,
		notify:      make(chan int64, subscriberQueueSize),
		dropped:     make(chan struct{}),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.subs[ownerUserID]
	if !ok {
		set = make(map[*subscriber]struct{})
		t.subs[ownerUserID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (t *topic) unsubscribe(sub *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.subs[sub.ownerUserID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(t.subs, sub.ownerUserID)
	}
}

func (t *topic) publish(ownerUserID string, cursor int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs[ownerUserID] {
		select {
		case sub.notify <- cursor:
		default:
			sub.drop()
		}
	}
}

func (s *subscriber) drop() {
	s.dropOnce.Do(func() { close(s.dropped) })
}
