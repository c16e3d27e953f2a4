package storage

import (
	"context"
	"sync"
)

// Broadcaster fans committed-write events out to path subscribers. Backends
// without a native change feed use it to implement Subscribe.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	path     string
	onChange func(Event)
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]subscription)}
}

// Subscribe registers onChange for events related to path. The subscription
// ends when the returned func is called or ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, path string, onChange func(Event)) (func(), error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{path: path, onChange: onChange}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return func() {
		stop()
		cancel()
	}, nil
}

// Publish delivers the touched paths to every matching subscriber, each with
// only the paths related to its own. It must be called outside store locks.
func (b *Broadcaster) Publish(paths []string) {
	if len(paths) == 0 {
		return
	}
	b.mu.RLock()
	type delivery struct {
		fn    func(Event)
		event Event
	}
	var out []delivery
	for _, sub := range b.subs {
		var matched []string
		for _, p := range paths {
			if Related(p, sub.path) {
				matched = append(matched, p)
			}
		}
		if len(matched) > 0 {
			out = append(out, delivery{fn: sub.onChange, event: Event{Paths: matched}})
		}
	}
	b.mu.RUnlock()

	for _, d := range out {
		d.fn(d.event)
	}
}

// Len returns the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
