package store

import (
	"context"
	"sync"
)

// Listener fans the store's event stream out to subscribers. It performs no
// business logic; it exists so the coordinator consumes a cancellable channel
// instead of registering ambient global callbacks.
//
// Each subscriber gets its own queue and forwarding goroutine, so a slow
// consumer delays only itself and no event is ever dropped while an earlier
// event for a different token is still being processed.
type Listener struct {
	gateway Gateway
	buffer  int

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	mu      sync.Mutex
	queue   []Event
	signal  chan struct{}
	out     chan Event
	done    chan struct{}
	stopped bool
}

// NewListener creates a listener over the gateway's event stream. buffer is
// the delivery channel capacity per subscriber; the internal queue behind it
// is unbounded.
func NewListener(gateway Gateway, buffer int) *Listener {
	if buffer <= 0 {
		buffer = 64
	}
	return &Listener{
		gateway: gateway,
		buffer:  buffer,
		subs:    make(map[int]*subscriber),
	}
}

// Run pumps gateway events to all subscribers until the context is cancelled
// or the gateway closes its stream. Blocks; run it in a goroutine.
func (l *Listener) Run(ctx context.Context) {
	defer l.closeAll()

	events := l.gateway.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			l.dispatch(ev)
		}
	}
}

// Subscribe registers a new consumer. The returned disposer cancels the
// subscription and closes the channel; calling it more than once is safe.
func (l *Listener) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan Event, l.buffer),
		done:   make(chan struct{}),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	id := l.nextID
	l.nextID++
	l.subs[id] = sub
	l.mu.Unlock()

	go sub.forward()

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			sub.stop()
		})
	}
	return sub.out, dispose
}

// dispatch enqueues the event for every current subscriber.
func (l *Listener) dispatch(ev Event) {
	l.mu.Lock()
	targets := make([]*subscriber, 0, len(l.subs))
	for _, sub := range l.subs {
		targets = append(targets, sub)
	}
	l.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(ev)
	}
}

// closeAll stops every subscriber when the stream ends.
func (l *Listener) closeAll() {
	l.mu.Lock()
	l.closed = true
	subs := make([]*subscriber, 0, len(l.subs))
	for id, sub := range l.subs {
		subs = append(subs, sub)
		delete(l.subs, id)
	}
	l.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// forward drains the queue into the delivery channel, preserving order.
func (s *subscriber) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.done:
				// Drain whatever arrived before the stop.
				continue
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}
