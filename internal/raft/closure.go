package raft

// Closure is a completion callback. It is run exactly once with a nil error on success or the failure status.
type Closure interface {
	Run(err error)
}

// ClosureFunc adapts a plain function to a Closure
type ClosureFunc func(err error)

// Run calls f(err)
func (f ClosureFunc) Run(err error) {
	f(err)
}

// RunClosureAsync runs done on a new goroutine so callers holding locks never execute user code
func RunClosureAsync(done Closure, err error) {
	if done == nil {
		return
	}
	go done.Run(err)
}

// SyncClosure is a Closure that can be waited on
type SyncClosure struct {
	ch  chan struct{}
	err error
}

// NewSyncClosure creates a SyncClosure ready to be run once
func NewSyncClosure() *SyncClosure {
	return &SyncClosure{ch: make(chan struct{})}
}

// Run records err and releases waiters
func (c *SyncClosure) Run(err error) {
	c.err = err
	close(c.ch)
}

// Wait blocks until Run has been called and returns its status
func (c *SyncClosure) Wait() error {
	<-c.ch
	return c.err
}

// Done is closed once Run has been called
func (c *SyncClosure) Done() <-chan struct{} {
	return c.ch
}
