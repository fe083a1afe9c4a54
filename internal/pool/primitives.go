package pool

// broadcaster is the pool's condition-variable primitive. The design
// calls for a small mutex/condvar seam instantiated once for a
// cooperative single-thread scheduler and once for blocking-thread use;
// Go's goroutine scheduler is always preemptive, so only the threaded
// instantiation is wired here. It is built on a replaced channel rather
// than sync.Cond because acquire needs to wait on either a wakeup, a
// deadline, or context cancellation at once, which sync.Cond cannot
// express directly.
type broadcaster struct {
	ch chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{ch: make(chan struct{})}
}

// wait returns the channel that closes on the next notifyAll. Callers
// must have observed the condition to wait on while still holding the
// pool's lock, then check this channel after releasing it.
func (b *broadcaster) wait() <-chan struct{} {
	return b.ch
}

// notifyAll wakes every current waiter. Must be called with the pool's
// lock held, mirroring cond.notify_all under the guarding mutex.
func (b *broadcaster) notifyAll() {
	close(b.ch)
	b.ch = make(chan struct{})
}
