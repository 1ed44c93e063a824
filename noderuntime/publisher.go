package noderuntime

import (
	"errors"
	"sync"

	"github.com/veil-project/veil-node/ack"
	veillog "github.com/veil-project/veil-node/log"
	"github.com/veil-project/veil-node/nodemetrics"
	"github.com/veil-project/veil-node/publish"
	"github.com/veil-project/veil-node/transport"
)

// PublisherConfig gathers the publish pipeline's fixed addressing
// parameters (namespace/tag/key/flags) plus the ACK retry pump's fallback
// fanout, following the same Config+Default convention as NodeRuntime.
type PublisherConfig struct {
	Namespace uint16
	Tag       [32]byte
	Key       [32]byte
	Flags     uint16

	// BaseFallbackFanout bounds how many fallback peers each due ACK
	// escalation batch shard is sent to, same semantics as
	// Config.BaseFallbackFanout on the receiving side.
	BaseFallbackFanout int
}

// PublisherRuntime is the publishing half of one feed: it owns the batcher
// (via publish.Pipeline), the AEAD/signing material, and the pending-ACK
// registry, and drives a publish + ACK-retry-pump tick from one call:
// enqueue(bytes) + publisher_tick(input) combining the batch drain, the
// publish pipeline, and the ACK retry pump.
type PublisherRuntime struct {
	mu sync.Mutex

	cfg      PublisherConfig
	pipeline *publish.Pipeline
	acks     *ack.Registry
	log      *veillog.Logger
	metrics  *nodemetrics.Collectors // nil until AttachMetrics
}

// NewPublisherRuntime builds a PublisherRuntime around an already-configured
// publish.Pipeline and the ack.Registry it shares with that pipeline.
func NewPublisherRuntime(cfg PublisherConfig, pipeline *publish.Pipeline, acks *ack.Registry) *PublisherRuntime {
	return &PublisherRuntime{
		cfg:      cfg,
		pipeline: pipeline,
		acks:     acks,
		log:      veillog.Default().Module("publisher"),
	}
}

// AttachMetrics wires a Collectors bundle into this runtime's publish and
// ACK counters.
func (r *PublisherRuntime) AttachMetrics(m *nodemetrics.Collectors) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Enqueue appends an application payload to the underlying batcher.
func (r *PublisherRuntime) Enqueue(payload []byte) {
	r.pipeline.Enqueue(payload)
}

// PublisherTickResult reports the outcome of one publisher tick.
type PublisherTickResult struct {
	Publish        *publish.PublishResult // nil if the batcher had nothing to drain
	AckBatchesSent int
}

// PublisherTick runs one publish (draining the batcher per
// interactiveFlush) followed by the ACK retry pump: every pending-ACK entry
// due at nowStep has its next escalation batch sent over the fallback
// lane. The pump runs identically whether it is driven from a publishing
// or a receiving runtime's tick, since it only touches the shared
// ack.Registry.
func (r *PublisherRuntime) PublisherTick(
	epoch uint32,
	nowStep uint64,
	interactiveFlush bool,
	fastAdapter transport.Adapter,
	fastPeers []string,
	fallbackAdapter transport.Adapter,
	fallbackPeers []string,
) (*PublisherTickResult, error) {
	r.mu.Lock()
	cfg := r.cfg
	m := r.metrics
	r.mu.Unlock()

	publishResult, err := r.pipeline.Publish(
		cfg.Namespace, epoch, cfg.Tag, &cfg.Key, nowStep, cfg.Flags,
		interactiveFlush, fastAdapter, fastPeers, fallbackAdapter, fallbackPeers,
	)
	if err != nil {
		if m != nil {
			label := "error"
			if errors.Is(err, publish.ErrMissingSigner) {
				label = "missing_signer"
			}
			m.PublishTotal.WithLabelValues(label).Inc()
		}
		r.log.Warn("publish failed", "namespace", cfg.Namespace, "err", err)
		return nil, err
	}
	if publishResult != nil {
		if m != nil {
			m.PublishTotal.WithLabelValues("ok").Inc()
			m.PublishShardsTotal.Add(float64(publishResult.ShardsTotal))
		}
		r.log.Debug("published object",
			"namespace", cfg.Namespace,
			"shards", publishResult.ShardsTotal,
			"sent_fast", publishResult.SentFast,
			"sent_fallback", publishResult.SentFallback,
			"ack_tracked", publishResult.AckTracked)
	}

	result := &PublisherTickResult{Publish: publishResult}

	fanout := cfg.BaseFallbackFanout
	if fanout < 1 {
		fanout = 1
	}
	for {
		root, batch, ok := r.acks.NextAckEscalationBatch(nowStep)
		if !ok {
			break
		}
		sendBatch(fallbackAdapter, fallbackPeers, batch, fanout)
		result.AckBatchesSent++
		if m != nil {
			m.AckRetriesTotal.Inc()
			if !r.acks.Has(root) {
				m.AckExhaustedTotal.Inc()
			}
		}
	}
	if m != nil {
		m.AckPending.Set(float64(r.acks.Len()))
	}

	return result, nil
}

// PendingAckCount exposes the registry's current size for health reporting.
func (r *PublisherRuntime) PendingAckCount() int {
	return r.acks.Len()
}

// Health aggregates adapter health with this runtime's own counters, such
// as pending ACKs and cache size.
type Health struct {
	Fast        transport.HealthSnapshot
	Fallback    transport.HealthSnapshot
	PendingAcks int
	// CacheSize is only populated by NodeRuntime.HealthSnapshot; a
	// PublisherRuntime owns no cache.
	CacheSize int
}

// HealthSnapshot reports the combined health of fastAdapter/fallbackAdapter
// plus this runtime's pending-ACK count.
func (r *PublisherRuntime) HealthSnapshot(fastAdapter, fallbackAdapter transport.Adapter) Health {
	h := Health{PendingAcks: r.acks.Len()}
	if fastAdapter != nil {
		h.Fast = fastAdapter.HealthSnapshot()
	}
	if fallbackAdapter != nil {
		h.Fallback = fallbackAdapter.HealthSnapshot()
	}
	return h
}
