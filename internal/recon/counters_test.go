package recon

import (
	"sync"
	"testing"
)

func TestSnapshotBalanceAtQuiescence(t *testing.T) {
	c := NewCounters()

	for i := 0; i < 10; i++ {
		c.Received()
	}
	c.Duplicate()
	c.Rejected()
	for i := 0; i < 8; i++ {
		c.Validated()
	}
	for i := 0; i < 6; i++ {
		c.PipelineAccepted()
	}
	c.PipelineDropped()
	c.PipelineDropped()
	for i := 0; i < 5; i++ {
		c.Stored()
	}
	c.StoreFailed()

	s := c.Snapshot()
	if s.Received != 10 || s.Stored != 5 || s.PipelineDropped != 2 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
	if got := s.Balance(); got != 0 {
		t.Fatalf("expected zero balance at quiescence, got %d (%+v)", got, s)
	}
}

func TestBalanceSurfacesLeaks(t *testing.T) {
	c := NewCounters()
	c.Received()
	c.Received()
	c.Stored()

	if got := c.Snapshot().Balance(); got != 1 {
		t.Fatalf("expected one unaccounted event, got %d", got)
	}

	c.Unaccounted()
	if got := c.Snapshot().Balance(); got != 0 {
		t.Fatalf("expected explicit unaccounted bump to restore the identity, got %d", got)
	}
}

func TestCountersAreRaceFreeUnderConcurrentProducers(t *testing.T) {
	c := NewCounters()
	const producers = 8
	const perProducer = 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				c.Received()
				c.Validated()
				c.PipelineAccepted()
				c.Stored()
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.Received != producers*perProducer {
		t.Fatalf("expected %d received, got %d", producers*perProducer, s.Received)
	}
	if got := s.Balance(); got != 0 {
		t.Fatalf("expected zero balance, got %d", got)
	}
}
