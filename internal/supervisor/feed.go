package supervisor

import "sync"

// feed is an unbounded FIFO. Push never blocks; a relay goroutine delivers
// queued values on Out at the consumer's pace.
type feed[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool

	signal  chan struct{}
	discard chan struct{}
	out     chan T
	once    sync.Once
}

func newFeed[T any]() *feed[T] {
	f := &feed[T]{
		signal:  make(chan struct{}, 1),
		discard: make(chan struct{}),
		out:     make(chan T),
	}
	go f.relay()
	return f
}

// Push queues v. It reports false once the feed is closed.
func (f *feed[T]) Push(v T) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.queue = append(f.queue, v)
	f.mu.Unlock()

	f.wake()
	return true
}

// Out delivers queued values in order. It is closed after Close once every
// queued value has been delivered.
func (f *feed[T]) Out() <-chan T {
	return f.out
}

// Close stops accepting values. Values already queued are still delivered.
func (f *feed[T]) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wake()
}

// Discard closes the feed and drops undelivered values.
func (f *feed[T]) Discard() {
	f.Close()
	f.once.Do(func() { close(f.discard) })
}

func (f *feed[T]) wake() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *feed[T]) relay() {
	defer close(f.out)

	for {
		f.mu.Lock()
		batch := f.queue
		f.queue = nil
		closed := f.closed
		f.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			select {
			case <-f.signal:
			case <-f.discard:
				return
			}
			continue
		}

		for _, v := range batch {
			select {
			case f.out <- v:
			case <-f.discard:
				return
			}
		}
	}
}
