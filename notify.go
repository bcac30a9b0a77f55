package querycache

import "sync"

// notifier runs queued notifications on one goroutine in enqueue order.
// enqueue never blocks, so writers holding the client lock can call it.
type notifier struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
	done   chan struct{}
	closed bool
}

func newNotifier() *notifier {
	n := &notifier{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *notifier) enqueue(f func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, f)
	n.mu.Unlock()
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) loop() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		for _, f := range batch {
			f()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-n.signal
	}
}

// flush returns once everything queued before the call has run.
func (n *notifier) flush() {
	ch := make(chan struct{})
	n.enqueue(func() { close(ch) })
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		<-n.done
		return
	}
	<-ch
}

// close drains what is queued and stops the loop.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	n.mu.Unlock()
	select {
	case n.signal <- struct{}{}:
	default:
	}
	<-n.done
}

// notifyLocked queues the current snapshot for every listener of e.
func (c *Client[V]) notifyLocked(e *entry[V]) {
	if len(e.observers) == 0 {
		return
	}
	snap := c.entryLocked(e)
	ls := make([]Listener[V], 0, len(e.observers))
	for _, o := range e.observers {
		if o.listener != nil {
			ls = append(ls, o.listener)
		}
	}
	if len(ls) == 0 {
		return
	}
	c.notifier.enqueue(func() {
		for _, l := range ls {
			c.call(l, snap)
		}
	})
}

func (c *Client[V]) call(l Listener[V], snap Entry[V]) {
	defer func() {
		if r := recover(); r != nil {
			c.hooks.ListenerPanic(snap.Token, r)
			c.log.Error("listener panicked", Fields{"key": snap.Token, "panic": r})
		}
	}()
	l(snap)
}
