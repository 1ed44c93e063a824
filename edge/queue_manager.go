package edge

import (
	"sync"

	veillog "github.com/veil-project/veil-node/log"
)

// Queue is the per-publisher in-memory outbound queue: edge processes
// enqueue payloads for later publication, drain due batches grouped by
// namespace, and report success/failure back so failed items are retried
// with backoff rather than lost. All methods are safe for concurrent use,
// guarded by a single mutex held only for short critical sections.
type Queue struct {
	mu    sync.Mutex
	cfg   Config
	items map[string]*PublishQueueItem
	order []string // FIFO-ish order; backoff reschedules move an id to the tail
	bus   *Bus
	log   *veillog.Logger
}

// NewQueue builds an empty Queue. bus may be nil if the caller doesn't
// want event notifications.
func NewQueue(cfg Config, bus *Bus) *Queue {
	return &Queue{
		cfg:   cfg,
		items: make(map[string]*PublishQueueItem),
		order: make([]string, 0),
		bus:   bus,
		log:   veillog.Default().Module("edge"),
	}
}

// Len returns the total number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Enqueue appends a new PublishQueueItem for namespace/payload, immediately
// due (NextAttempt 0), and returns it.
func (q *Queue) Enqueue(namespace uint16, payload []byte) (*PublishQueueItem, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	item := &PublishQueueItem{
		ID:        newItemID(),
		Namespace: namespace,
		Payload:   payload,
	}

	q.mu.Lock()
	q.items[item.ID] = item
	q.order = append(q.order, item.ID)
	q.mu.Unlock()

	q.publish("enqueued", item)
	return item, nil
}

// TakeNextQueuedBatch scans from the front of the queue for the first due
// item (NextAttempt <= nowMS), then extends the batch forward with
// subsequent items that are both due and share that head item's namespace,
// stopping once maxItems, targetBytes, or a namespace/due mismatch is hit.
// A single item whose payload alone exceeds maxItemBytes is returned alone.
// Returns nil if no item is currently due. Items remain in the queue until
// CompleteSuccess, CompleteFailure, or DropItem is called on them.
func (q *Queue) TakeNextQueuedBatch(nowMS int64, maxItems int, targetBytes, maxItemBytes int) []*PublishQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	headIdx := -1
	for i, id := range q.order {
		if q.items[id].NextAttempt <= nowMS {
			headIdx = i
			break
		}
	}
	if headIdx == -1 {
		return nil
	}

	head := q.items[q.order[headIdx]]
	if maxItemBytes > 0 && len(head.Payload) > maxItemBytes {
		return []*PublishQueueItem{head}
	}

	batch := []*PublishQueueItem{head}
	totalBytes := len(head.Payload)
	for i := headIdx + 1; i < len(q.order); i++ {
		if maxItems > 0 && len(batch) >= maxItems {
			break
		}
		it := q.items[q.order[i]]
		if it.NextAttempt > nowMS || it.Namespace != head.Namespace {
			break
		}
		if maxItemBytes > 0 && len(it.Payload) > maxItemBytes {
			break
		}
		if targetBytes > 0 && totalBytes+len(it.Payload) > targetBytes {
			break
		}
		batch = append(batch, it)
		totalBytes += len(it.Payload)
	}
	return batch
}

// CompleteSuccess removes item from the queue after a successful publish.
func (q *Queue) CompleteSuccess(id string) error {
	q.mu.Lock()
	_, ok := q.items[id]
	if ok {
		q.removeLocked(id)
	}
	q.mu.Unlock()
	if !ok {
		return ErrUnknownItem
	}
	q.publish("completed", id)
	return nil
}

// CompleteFailure re-enqueues item at the tail of the queue with
// NextAttempt = nowMS + backoffMS and Attempts incremented. Callers
// typically compute backoffMS via Config.BackoffForAttempts(item.Attempts + 1).
func (q *Queue) CompleteFailure(id string, nowMS, backoffMS int64) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownItem
	}
	q.removeLocked(id)
	item.Attempts++
	item.NextAttempt = nowMS + backoffMS
	q.items[id] = item
	q.order = append(q.order, id)
	q.mu.Unlock()

	q.log.Warn("publish attempt failed, rescheduled",
		"item", item.ID, "attempts", item.Attempts, "next_attempt_ms", item.NextAttempt)
	q.publish("retrying", item)
	return nil
}

// DropItem removes item from the queue without rescheduling it.
func (q *Queue) DropItem(id string) error {
	q.mu.Lock()
	_, ok := q.items[id]
	if ok {
		q.removeLocked(id)
	}
	q.mu.Unlock()
	if !ok {
		return ErrUnknownItem
	}
	q.publish("dropped", id)
	return nil
}

// Get returns the current state of the item with id, if still queued.
func (q *Queue) Get(id string) (*PublishQueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	return item, ok
}

// removeLocked deletes id from both the lookup map and the order slice.
// Caller must hold q.mu.
func (q *Queue) removeLocked(id string) {
	delete(q.items, id)
	for i, existing := range q.order {
		if existing == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

func (q *Queue) publish(event string, data interface{}) {
	if q.bus != nil {
		q.bus.Publish(event, data)
	}
}
