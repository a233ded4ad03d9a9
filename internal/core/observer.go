package core

import "sync"

// observer delivers updates to one listener on its own goroutine, in order,
// so a slow listener never stalls the reconciler loop.
type observer struct {
	fn func(Update)

	mu      sync.Mutex
	queue   []Update
	ended   bool
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newObserver(fn func(Update)) *observer {
	o := &observer{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *observer) push(u Update) {
	o.mu.Lock()
	if o.ended || o.stopped {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, u)
	o.mu.Unlock()
	o.signal()
}

// end lets queued updates drain, then stops the goroutine.
func (o *observer) end() {
	o.mu.Lock()
	o.ended = true
	o.mu.Unlock()
	o.signal()
}

// stop drops queued updates and stops the goroutine.
func (o *observer) stop() {
	o.mu.Lock()
	o.stopped = true
	o.queue = nil
	o.mu.Unlock()
	o.signal()
}

func (o *observer) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observer) run() {
	defer close(o.done)
	for range o.wake {
		for {
			o.mu.Lock()
			if o.stopped {
				o.mu.Unlock()
				return
			}
			if len(o.queue) == 0 {
				ended := o.ended
				o.mu.Unlock()
				if ended {
					return
				}
				break
			}
			next := o.queue[0]
			o.queue = o.queue[1:]
			o.mu.Unlock()

			o.fn(next)
		}
	}
}
