package realtime

import "sync"

// loop runs posted callbacks one at a time on a single goroutine. Posting
// never blocks; callbacks posted after stop are discarded.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-l.quit:
				return
			default:
			}
			fn()
		}

		select {
		case <-l.wake:
		case <-l.quit:
			return
		}
	}
}

// stop discards pending callbacks. It does not wait for a running
// callback, so it is safe to call from one.
func (l *loop) stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.quit)
	})
}
