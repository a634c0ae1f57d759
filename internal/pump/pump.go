// Package pump provides an unbounded in-order FIFO between one producer and
// one consumer. Producers never block: pushes append under the pump's own
// lock and a goroutine drains them to the output channel in order. The store
// and the WebSocket read loop both deliver watch events through it.
package pump

import "sync"

type Pump[T any] struct {
	out chan T

	mu       sync.Mutex
	queue    []T
	finished bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New[T any]() *Pump[T] {
	p := &Pump[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

// Out is the consumer side. It closes after Finish once the queue drains, or
// immediately after Stop.
func (p *Pump[T]) Out() <-chan T {
	return p.out
}

func (p *Pump[T]) Push(v T) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, v)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Finish closes the producer side. Queued items still drain to Out before it
// closes, so already-published events reach the consumer.
func (p *Pump[T]) Finish() {
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop cancels from the consumer side; queued items are discarded. Safe to
// call more than once.
func (p *Pump[T]) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Pump[T]) run() {
	defer close(p.out)
	for {
		p.mu.Lock()
		items := p.queue
		p.queue = nil
		finished := p.finished
		p.mu.Unlock()

		for _, v := range items {
			select {
			case p.out <- v:
			case <-p.done:
				return
			}
		}
		if finished {
			return
		}

		select {
		case <-p.wake:
		case <-p.done:
			return
		}
	}
}
