package cipher

import "sync"

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
}

// broadcaster fans one stream of results out to every subscriber. Publish
// waits for each subscriber to take the value or unsubscribe, so results are
// never dropped.
type broadcaster[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber[T]
	closed bool
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{
		subs: make(map[int]*subscriber[T]),
	}
}

// Subscribe returns the stream and a func that ends the subscription. The
// stream is closed when the service stops.
func (b *broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber[T]{
		ch:   make(chan T, 64),
		done: make(chan struct{}),
	}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.ch, cancel
}

func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	subs := make([]*subscriber[T], 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- v:
		case <-sub.done:
		}
	}
}

// close must only be called once publish can no longer run.
func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
