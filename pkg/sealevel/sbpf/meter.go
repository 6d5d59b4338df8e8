package sbpf

import "sync/atomic"

// ComputeMeter tracks compute unit consumption for a whole transaction.
// The counter is monotonically decreasing; a consume that would overrun the
// remaining budget zeroes it and reports ErrComputeExceeded, after which
// every further consume fails.
type ComputeMeter struct {
	remaining atomic.Uint64
	consumed  atomic.Uint64
	limit     uint64
}

// NewComputeMeter creates a meter with the given unit limit.
func NewComputeMeter(limit uint64) *ComputeMeter {
	m := &ComputeMeter{limit: limit}
	m.remaining.Store(limit)
	return m
}

// Consume charges cost units against the budget.
func (m *ComputeMeter) Consume(cost uint64) error {
	for {
		remaining := m.remaining.Load()
		if remaining < cost {
			// Overrun consumes the rest of the budget.
			if m.remaining.CompareAndSwap(remaining, 0) {
				m.consumed.Add(remaining)
				return ErrComputeExceeded
			}
			continue
		}
		if m.remaining.CompareAndSwap(remaining, remaining-cost) {
			m.consumed.Add(cost)
			return nil
		}
	}
}

// Remaining returns the units left in the budget.
func (m *ComputeMeter) Remaining() uint64 {
	return m.remaining.Load()
}

// Consumed returns the units consumed so far.
func (m *ComputeMeter) Consumed() uint64 {
	return m.consumed.Load()
}

// Limit returns the configured unit limit.
func (m *ComputeMeter) Limit() uint64 {
	return m.limit
}

// Exhausted reports whether the budget has run out.
func (m *ComputeMeter) Exhausted() bool {
	return m.remaining.Load() == 0
}
