package blip

import "sync"

// numberSource is a monotonic message-number allocator, shared by all
// callers of one Protocol's Send. It starts at 1 (message number 0
// is never valid; spec.md 3 requires number >= 1).
//
// "Set size" lets a caller obtain the same number from N consecutive calls
// to Next before the counter advances — used when a single logical exchange
// spans several frames emitted as separate send_message calls that must all
// carry the same message number (spec.md 4.E).
//
// The counter itself is a single contended integer touched once per message
// (not once per frame byte), so a mutex is used for exact correctness under
// concurrent callers rather than a lock-free CAS loop over two counters,
// which admits a race between the "advance" and "hold" branches when the set
// boundary is crossed concurrently.
type numberSource struct {
	mu        sync.Mutex
	next      uint64
	setSize   uint32
	remaining uint32
}

func newNumberSource() *numberSource {
	return &numberSource{next: 1, setSize: 1, remaining: 1}
}

// SetSize changes how many consecutive Next calls share a value, effective
// starting with the current in-progress set.
func (s *numberSource) SetSize(n uint32) {
	if n == 0 {
		n = 1
	}
	s.mu.Lock()
	s.setSize = n
	s.remaining = n
	s.mu.Unlock()
}

// Next returns the current message number, advancing the underlying counter
// only once every "set size" calls (spec.md 8, invariant 5): the sequence of
// distinct values returned is 1, 2, 3, ... and each is returned exactly
// "set size" times consecutively.
func (s *numberSource) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.next
	s.remaining--
	if s.remaining == 0 {
		s.next++
		s.remaining = s.setSize
	}
	return current
}
