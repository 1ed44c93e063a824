package batch

import "testing"

func bytesOfLen(n int) []byte { return make([]byte, n) }

func TestInteractiveFlushReturnsOne(t *testing.T) {
	b := New(DefaultConfig())
	b.Enqueue([]byte("a"))
	b.Enqueue([]byte("b"))
	first, ok := b.InteractiveFlush()
	if !ok || string(first) != "a" {
		t.Fatalf("got %q, %v", first, ok)
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 remaining item, got %d", b.Len())
	}
}

func TestDrainStopsAtTarget(t *testing.T) {
	b := New(Config{TargetBatchSize: 100, MaxObjectSize: 500})
	b.Enqueue(bytesOfLen(40))
	b.Enqueue(bytesOfLen(40))
	b.Enqueue(bytesOfLen(40))
	batch := b.DrainBatch()
	if len(batch) != 3 {
		t.Fatalf("expected all 3 items since target is only checked before adding, got %d", len(batch))
	}
}

func TestDrainStopsOnceTargetReached(t *testing.T) {
	b := New(Config{TargetBatchSize: 50, MaxObjectSize: 1000})
	for i := 0; i < 6; i++ {
		b.Enqueue(bytesOfLen(10))
	}
	batch := b.DrainBatch()
	if len(batch) != 5 {
		t.Fatalf("expected 5 items (total reaches target of 50 after 5), got %d", len(batch))
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 item left in queue, got %d", b.Len())
	}
}

func TestDrainStopsAtMax(t *testing.T) {
	b := New(Config{TargetBatchSize: 100, MaxObjectSize: 100})
	b.Enqueue(bytesOfLen(60))
	b.Enqueue(bytesOfLen(60))
	b.Enqueue(bytesOfLen(20))
	batch := b.DrainBatch()
	if len(batch) != 1 {
		t.Fatalf("expected exactly 1 item drained, got %d", len(batch))
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 items remaining, got %d", b.Len())
	}
}

func TestDrainAlwaysTakesFirstItemEvenIfOversizedRelativeToTarget(t *testing.T) {
	b := New(Config{TargetBatchSize: 10, MaxObjectSize: 100})
	b.Enqueue(bytesOfLen(50))
	b.Enqueue(bytesOfLen(5))
	batch := b.DrainBatch()
	if len(batch) != 1 {
		t.Fatalf("expected only the oversized first item, got %d items", len(batch))
	}
	if len(batch[0]) != 50 {
		t.Fatalf("expected first item length 50, got %d", len(batch[0]))
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	b := New(DefaultConfig())
	if batch := b.DrainBatch(); batch != nil {
		t.Fatalf("expected nil batch for empty queue, got %v", batch)
	}
}
