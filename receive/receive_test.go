package receive

import (
	"testing"

	"github.com/veil-project/veil-node/ack"
	"github.com/veil-project/veil-node/batch"
	"github.com/veil-project/veil-node/cache"
	"github.com/veil-project/veil-node/policy"
	"github.com/veil-project/veil-node/publish"
	"github.com/veil-project/veil-node/transport"
	"github.com/veil-project/veil-node/veilcrypto"
)

type harness struct {
	pubFast, subFast         *transport.MemoryAdapter
	pubFallback, subFallback *transport.MemoryAdapter
	pipeline                 *publish.Pipeline
	receiver                 *Pipeline
	lanes                    LanePeers
	tag                      [32]byte
	key                      [32]byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pubFast := transport.NewMemoryAdapter("pub", 0, 0)
	subFast := transport.NewMemoryAdapter("sub", 0, 0)
	pubFast.ConnectPeer("sub", subFast)

	pubFallback := transport.NewMemoryAdapter("pub-fb", 0, 0)
	subFallback := transport.NewMemoryAdapter("sub-fb", 0, 0)
	pubFallback.ConnectPeer("sub", subFallback)

	b := batch.New(batch.DefaultConfig())
	pipeline := publish.New(publish.DefaultConfig(), b, veilcrypto.XChaCha20Poly1305Cipher{}, nil, ack.NewRegistry())

	var key [32]byte
	for i := range key {
		key[i] = byte(i + 7)
	}
	tag := [32]byte{0x42}

	rcfg := DefaultConfig()
	rcfg.Subscriptions[tag] = key
	c := cache.New(policy.DefaultConfig())
	wot := policy.NewEngine(policy.DefaultConfig())
	receiver := New(rcfg, c, wot, ack.NewRegistry(), veilcrypto.XChaCha20Poly1305Cipher{}, nil)

	lanes := LanePeers{FastAdapter: subFast, FallbackAdapter: subFallback}

	return &harness{
		pubFast: pubFast, subFast: subFast,
		pubFallback: pubFallback, subFallback: subFallback,
		pipeline: pipeline, receiver: receiver, lanes: lanes,
		tag: tag, key: key,
	}
}

func (h *harness) publish(t *testing.T, payload []byte, flags uint16) *publish.PublishResult {
	t.Helper()
	h.pipeline.Enqueue(payload)
	result, err := h.pipeline.Publish(1, 1, h.tag, &h.key, 0, flags, true, h.pubFast, []string{"sub"}, h.pubFallback, []string{"sub"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result == nil {
		t.Fatal("expected a non-nil publish result")
	}
	return result
}

// drainUntilDelivered feeds every queued fast-lane message on the subscriber
// side into Receive until a Delivered outcome is produced or the queue runs
// dry.
func (h *harness) drainUntilDelivered(t *testing.T) *Delivered {
	t.Helper()
	for {
		peer, payload, ok := h.subFast.Recv()
		if !ok {
			return nil
		}
		outcome, d, err := h.receiver.Receive(peer, payload, FastLane, 0, h.lanes)
		if outcome == OutcomeDelivered {
			if err != nil {
				t.Fatalf("delivered outcome carried an error: %v", err)
			}
			return d
		}
		if outcome != OutcomeBuffered && err != nil {
			t.Fatalf("unexpected error for outcome %v: %v", outcome, err)
		}
	}
}

func TestReceivePublishRoundTripDelivers(t *testing.T) {
	h := newHarness(t)
	h.publish(t, []byte("hello subscriber"), 0)

	d := h.drainUntilDelivered(t)
	if d == nil {
		t.Fatal("expected a Delivered event")
	}
	if string(d.Payload) != "hello subscriber" {
		t.Fatalf("payload mismatch: got %q", d.Payload)
	}
	if d.Tag != h.tag {
		t.Fatalf("tag mismatch: got %x want %x", d.Tag, h.tag)
	}
}

func TestReceiveIgnoresDuplicateShard(t *testing.T) {
	h := newHarness(t)
	h.publish(t, []byte("dup test"), 0)

	peer, payload, ok := h.subFast.Recv()
	if !ok {
		t.Fatal("expected at least one queued shard")
	}
	outcome, _, err := h.receiver.Receive(peer, payload, FastLane, 0, h.lanes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeBuffered {
		t.Fatalf("expected Buffered on first delivery, got %v", outcome)
	}

	outcome, _, err = h.receiver.Receive(peer, payload, FastLane, 1, h.lanes)
	if err != nil {
		t.Fatalf("unexpected error on duplicate: %v", err)
	}
	if outcome != OutcomeIgnoredDuplicate {
		t.Fatalf("expected IgnoredDuplicate on resubmission, got %v", outcome)
	}
}

func TestReceiveIgnoresUnsubscribedTag(t *testing.T) {
	h := newHarness(t)
	// Rebuild the receiver with an empty subscription set.
	c := cache.New(policy.DefaultConfig())
	wot := policy.NewEngine(policy.DefaultConfig())
	h.receiver = New(DefaultConfig(), c, wot, ack.NewRegistry(), veilcrypto.XChaCha20Poly1305Cipher{}, nil)

	h.publish(t, []byte("nobody listening"), 0)
	peer, payload, ok := h.subFast.Recv()
	if !ok {
		t.Fatal("expected at least one queued shard")
	}
	outcome, d, err := h.receiver.Receive(peer, payload, FastLane, 0, h.lanes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeIgnoredNotSubscribed {
		t.Fatalf("expected IgnoredNotSubscribed, got %v", outcome)
	}
	if d != nil {
		t.Fatal("expected no Delivered event")
	}
}

func TestReceiveNeverForwardsBackToSource(t *testing.T) {
	h := newHarness(t)
	// Give the subscriber a forwarding peer list that includes the source.
	otherFast := transport.NewMemoryAdapter("other", 0, 0)
	h.subFast.ConnectPeer("pub", h.pubFast)
	h.subFast.ConnectPeer("other", otherFast)
	h.lanes = LanePeers{FastAdapter: h.subFast, FastPeers: []string{"pub", "other"}, FallbackAdapter: h.subFallback}

	h.publish(t, []byte("forward test"), 0)
	peer, payload, ok := h.subFast.Recv()
	if !ok {
		t.Fatal("expected a queued shard")
	}
	if _, _, err := h.receiver.Receive(peer, payload, FastLane, 0, h.lanes); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, ok := h.pubFast.Recv(); ok {
		t.Fatal("expected no shard forwarded back to the source peer")
	}
}

func TestAckRequestedTriggersAutoAck(t *testing.T) {
	h := newHarness(t)
	// Wire the subscriber back to the publisher so the ACK reply can reach it.
	h.subFast.ConnectPeer("pub", h.pubFast)
	h.publish(t, []byte("ack please"), 0x4) // FlagAckRequested

	d := h.drainUntilDelivered(t)
	if d == nil {
		t.Fatal("expected delivery")
	}
	if err := h.receiver.HandleDeliveredSideEffects(d, "pub", h.subFast, &h.key, 0); err != nil {
		t.Fatalf("HandleDeliveredSideEffects: %v", err)
	}
	if _, _, ok := h.pubFast.Recv(); !ok {
		t.Fatal("expected an ACK shard sent back to the publisher")
	}
}
