// Package observer provides ordered, non-blocking callback lists.
package observer

import "sync"

// List holds callbacks subscribed to values of type T. Emit never blocks the
// caller: callbacks run on a private goroutine, one at a time, in the order
// values were emitted.
type List[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]func(T)
	queue   []T
	running bool
	idle    *sync.Cond
}

// Subscribe registers fn and returns a func that removes it again. The
// returned func is safe to call more than once.
func (l *List[T]) Subscribe(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.subs == nil {
		l.subs = make(map[uint64]func(T))
	}
	l.nextID++
	id := l.nextID
	l.subs[id] = fn

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// Emit queues v for delivery to every current subscriber.
func (l *List[T]) Emit(v T) {
	l.mu.Lock()
	l.queue = append(l.queue, v)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	go l.drain()
}

// Len returns the number of subscribers.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Flush blocks until every value emitted so far has been delivered.
func (l *List[T]) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.idle == nil {
		l.idle = sync.NewCond(&l.mu)
	}
	for l.running {
		l.idle.Wait()
	}
}

func (l *List[T]) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			if l.idle != nil {
				l.idle.Broadcast()
			}
			l.mu.Unlock()
			return
		}
		v := l.queue[0]
		l.queue = l.queue[1:]
		fns := make([]func(T), 0, len(l.subs))
		for _, fn := range l.subs {
			fns = append(fns, fn)
		}
		l.mu.Unlock()

		for _, fn := range fns {
			fn(v)
		}
	}
}
