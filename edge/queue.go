// Package edge implements the per-publisher outbound queue an edge process
// (e.g. a mobile client) drives between its UI/API layer and a
// noderuntime.PublisherRuntime: enqueue, due-batch draining grouped by
// namespace, retry-with-backoff, and a replay-buffered event feed so late
// subscribers (a reconnecting UI) can catch up.
package edge

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrEmptyPayload is returned by Enqueue when payload has zero length.
var ErrEmptyPayload = errors.New("edge: payload must not be empty")

// ErrUnknownItem is returned by CompleteSuccess, CompleteFailure and
// DropItem when the given item id is not present in the queue (it was
// already completed, dropped, or never enqueued).
var ErrUnknownItem = errors.New("edge: unknown queue item")

// PublishQueueItem is one payload awaiting publication, plus the retry
// bookkeeping needed to re-schedule it after a failed attempt. IDs are
// 16 random bytes, hex-encoded.
type PublishQueueItem struct {
	ID          string
	Namespace   uint16
	Payload     []byte
	Attempts    uint32
	NextAttempt int64 // wall-clock ms
}

func newItemID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand failing is a fatal platform condition, not a
		// recoverable queue error; panicking here matches the stdlib's own
		// behavior on a broken entropy source.
		panic(fmt.Sprintf("edge: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(raw[:])
}
