package clock

import "sync/atomic"

// Sequence hands out strictly increasing sequence numbers.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence returns a sequence whose next number is last+1.
func NewSequence(last uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(last)
	return s
}

// Val is the last number issued.
func (s *Sequence) Val() uint64 {
	return s.last.Load()
}

func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Observe moves the sequence forward so that t counts as issued. It never
// moves it back.
func (s *Sequence) Observe(t uint64) {
	for {
		cur := s.last.Load()
		if cur >= t || s.last.CompareAndSwap(cur, t) {
			return
		}
	}
}
