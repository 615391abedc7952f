package replica

// condition is one named condition variable belonging to a hosted
// object: a state counter, an opaque data payload from the last
// broadcast, and the set of client waiters blocked on a state they
// have not yet seen. Per spec.md's Testable Properties, a cond_wait
// response always carries state >= the state the waiter asked for.
type condition struct {
	state   uint64
	data    []byte
	waiters []condWaiter
}

type condWaiter struct {
	clientNonce uint64
	minState    uint64
}

func newCondition() *condition {
	return &condition{}
}

// broadcast sets state and data to the given values and returns the
// waiters now satisfied, removing them from the pending set. The new
// state is stored as given; it is not checked against the old one.
func (c *condition) broadcast(state uint64, data []byte) []condWaiter {
	c.state = state
	c.data = data
	return c.drainSatisfied()
}

func (c *condition) drainSatisfied() []condWaiter {
	var satisfied []condWaiter
	var remaining []condWaiter
	for _, w := range c.waiters {
		if c.state >= w.minState {
			satisfied = append(satisfied, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	return satisfied
}

// wait registers a waiter for minState, returning (state, data, true)
// immediately if already satisfied, or (0, nil, false) if the caller
// must block until the next broadcast.
func (c *condition) wait(clientNonce, minState uint64) (uint64, []byte, bool) {
	if c.state >= minState {
		return c.state, c.data, true
	}
	c.waiters = append(c.waiters, condWaiter{clientNonce: clientNonce, minState: minState})
	return 0, nil, false
}

// destroy clears all waiters; callers are told the condition was
// destroyed (status COND_DESTROYED) rather than left to time out.
func (c *condition) destroy() []condWaiter {
	w := c.waiters
	c.waiters = nil
	return w
}
