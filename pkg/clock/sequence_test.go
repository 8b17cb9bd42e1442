package clock

import (
	"sync"
	"testing"
)

func TestSequence(t *testing.T) {
	s := NewSequence(5)
	if s.Val() != 5 {
		t.Fatalf("expected 5, got %d", s.Val())
	}
	if n := s.Next(); n != 6 {
		t.Fatalf("expected 6, got %d", n)
	}

	s.Observe(3)
	if s.Val() != 6 {
		t.Fatalf("Observe must not move the sequence back, got %d", s.Val())
	}
	s.Observe(10)
	if s.Val() != 10 {
		t.Fatalf("expected 10, got %d", s.Val())
	}
	if n := s.Next(); n != 11 {
		t.Fatalf("expected 11 after Observe, got %d", n)
	}
}

func TestSequence_ConcurrentNext(t *testing.T) {
	s := NewSequence(0)

	const workers, perWorker = 8, 1000
	seen := make([][]uint64, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seen[w] = append(seen[w], s.Next())
			}
		}(w)
	}
	wg.Wait()

	unique := make(map[uint64]struct{}, workers*perWorker)
	for _, vals := range seen {
		for _, v := range vals {
			if v == 0 || v > workers*perWorker {
				t.Fatalf("value %d out of range", v)
			}
			unique[v] = struct{}{}
		}
	}
	if len(unique) != workers*perWorker {
		t.Fatalf("expected %d unique values, got %d", workers*perWorker, len(unique))
	}
}
