package playback

import "sync"

// Listener receives state snapshots in emission order.
type Listener func(State)

// notifier delivers snapshots on its own goroutine so listeners may call
// back into the engine.
type notifier struct {
	fn Listener

	mu      sync.Mutex
	pending []State
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

func newNotifier(fn Listener) *notifier {
	n := &notifier{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *notifier) push(s State) {
	n.mu.Lock()
	n.pending = append(n.pending, s)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			n.drain()
			return
		case <-n.wake:
			n.drain()
		}
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		batch := n.pending
		n.pending = nil
		n.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, s := range batch {
			n.fn(s)
		}
	}
}

func (n *notifier) close() {
	close(n.done)
	n.wg.Wait()
}
