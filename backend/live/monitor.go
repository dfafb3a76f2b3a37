package live

import "sync/atomic"

// StreamMonitor tracks how many live streams are currently held open. The
// ceiling is enforced at stream open, a full monitor reports the overflow
// in band over the stream rather than as an HTTP error.
type StreamMonitor struct {
	open    atomic.Int64
	maxOpen int64
}

// NewStreamMonitor creates a monitor with the given ceiling. A ceiling of
// zero or less means unlimited.
func NewStreamMonitor(maxOpen int64) *StreamMonitor {
	return &StreamMonitor{maxOpen: maxOpen}
}

func (m *StreamMonitor) TryOpen() bool {
	if m.maxOpen <= 0 {
		m.open.Add(1)
		return true
	}

	for {
		curr := m.open.Load()
		if curr >= m.maxOpen {
			return false
		}
		if m.open.CompareAndSwap(curr, curr+1) {
			return true
		}
	}
}

func (m *StreamMonitor) Close() {
	m.open.Add(-1)
}

func (m *StreamMonitor) Open() int64 {
	return m.open.Load()
}
