package querycache

import "time"

// armGCLocked schedules collection of e once nothing references it. The
// timer only deletes the entry if it is still unreferenced when it fires.
func (c *Client[V]) armGCLocked(e *entry[V]) {
	if c.closed || !e.unreferenced() || c.entries[e.id.Token()] != e {
		return
	}
	c.stopGCLocked(e)
	e.gcReset = true
	if e.gcTime == Infinite {
		return
	}
	e.gcSeq++
	seq := e.gcSeq
	e.gcTimer = time.AfterFunc(e.gcTime, func() { c.collect(e, seq) })
}

func (c *Client[V]) stopGCLocked(e *entry[V]) {
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
}

// raiseGCLocked records a gcTime requested by an observer or fetch of e.
// While e stays referenced the largest request wins; the first request after
// e was left unreferenced starts over from it.
func (c *Client[V]) raiseGCLocked(e *entry[V], d time.Duration) {
	if e.gcReset || d > e.gcTime {
		e.gcTime = d
	}
	e.gcReset = false
}

func (c *Client[V]) collect(e *entry[V], seq uint64) {
	token := e.id.Token()
	c.mu.Lock()
	if e.gcSeq != seq || e.gcTimer == nil || !e.unreferenced() || c.entries[token] != e {
		c.mu.Unlock()
		return
	}
	e.gcTimer = nil
	delete(c.entries, token)
	c.mu.Unlock()

	c.hooks.EntryEvicted(token)
	c.log.Debug("entry evicted", Fields{"key": token})
}
