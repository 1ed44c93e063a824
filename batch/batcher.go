// Package batch assembles queued application payloads into feed-item
// batches bounded by a target and max size.
package batch

// Config bounds batch assembly.
type Config struct {
	// TargetBatchSize is the soft cap: Drain stops taking items once the
	// running total has already reached this size, so the last item taken
	// may push the total past it; the first item is always included.
	TargetBatchSize int
	// MaxObjectSize is the hard cap Drain never exceeds.
	MaxObjectSize int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{TargetBatchSize: 16 << 10, MaxObjectSize: 64 << 10}
}

// Batcher is a FIFO queue of opaque payloads awaiting publish.
type Batcher struct {
	cfg   Config
	items [][]byte
}

// New builds an empty Batcher.
func New(cfg Config) *Batcher {
	return &Batcher{cfg: cfg}
}

// Enqueue appends payload to the tail of the queue.
func (b *Batcher) Enqueue(payload []byte) {
	b.items = append(b.items, payload)
}

// Len returns the number of queued items.
func (b *Batcher) Len() int { return len(b.items) }

// InteractiveFlush pops and returns exactly one item, or ok=false if the
// queue is empty.
func (b *Batcher) InteractiveFlush() (payload []byte, ok bool) {
	if len(b.items) == 0 {
		return nil, false
	}
	payload = b.items[0]
	b.items = b.items[1:]
	return payload, true
}

// DrainBatch pulls items from the front of the queue while
// total+next <= MaxObjectSize, stopping once the running total has already
// reached TargetBatchSize -- except the very first item is always taken
// regardless of target, since an empty batch is never useful. Returns nil
// if the queue is empty.
func (b *Batcher) DrainBatch() [][]byte {
	if len(b.items) == 0 {
		return nil
	}

	var out [][]byte
	total := 0
	for len(b.items) > 0 {
		if len(out) > 0 && total >= b.cfg.TargetBatchSize {
			break
		}

		next := b.items[0]
		nextLen := len(next)
		if total+nextLen > b.cfg.MaxObjectSize {
			break
		}

		out = append(out, next)
		total += nextLen
		b.items = b.items[1:]
	}
	return out
}
