// Package nodemetrics exposes publish/receive/cache/ACK outcome counters
// as Prometheus collectors. An HTTP/RPC admin surface for exposing them is
// out of scope for this package; it only builds and registers the
// collectors against a namespace-prefixed config.
package nodemetrics

import "github.com/prometheus/client_golang/prometheus"

// Config configures the metric name prefix.
type Config struct {
	// Namespace prefixes every metric name (e.g. "veil" -> "veil_publish_total").
	Namespace string
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{Namespace: "veil"}
}

// Collectors bundles the counters and gauges the runtime façades update on
// every publish/receive/cache/ACK outcome. One Collectors is normally
// registered per process against a *prometheus.Registry owned by the
// embedding application; the HTTP exposition endpoint itself is an
// external collaborator, not something this package provides.
type Collectors struct {
	PublishTotal       *prometheus.CounterVec
	PublishShardsTotal prometheus.Counter
	ReceiveOutcomes    *prometheus.CounterVec
	AckPending         prometheus.Gauge
	AckRetriesTotal    prometheus.Counter
	AckExhaustedTotal  prometheus.Counter
	CacheSize          prometheus.Gauge
	CacheEvictions     *prometheus.CounterVec
	RuntimeTicksTotal  prometheus.Counter
	BloomExchangeTotal *prometheus.CounterVec
}

// New builds a Collectors bundle for cfg. Callers register it on their own
// *prometheus.Registry (or the global DefaultRegisterer) via Register.
func New(cfg Config) *Collectors {
	ns := cfg.Namespace
	return &Collectors{
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "publish_total",
			Help:      "Publish pipeline invocations by result (ok, missing_signer, error).",
		}, []string{"result"}),
		PublishShardsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "publish_shards_total",
			Help:      "Total shards emitted across all publish calls.",
		}),
		ReceiveOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "receive_outcomes_total",
			Help:      "Receive pipeline outcomes by kind (matches receive.Outcome.String()).",
		}, []string{"outcome"}),
		AckPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "ack_pending",
			Help:      "Current number of pending-ACK registry entries.",
		}),
		AckRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "ack_retries_total",
			Help:      "Total ACK retry escalation batches sent.",
		}),
		AckExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "ack_exhausted_total",
			Help:      "Total pending-ACK entries that hit max_retries.",
		}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "cache_shards",
			Help:      "Current number of cached shards.",
		}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_evictions_total",
			Help:      "Cache evictions by reason (expired, tier_budget, global_cap).",
		}, []string{"reason"}),
		RuntimeTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runtime_ticks_total",
			Help:      "Total runtime_tick invocations.",
		}),
		BloomExchangeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "bloom_exchange_total",
			Help:      "Bloom filter exchanges by direction (sent, received).",
		}, []string{"direction"}),
	}
}

// Register adds every collector in c to reg.
func (c *Collectors) Register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		c.PublishTotal, c.PublishShardsTotal, c.ReceiveOutcomes,
		c.AckPending, c.AckRetriesTotal, c.AckExhaustedTotal,
		c.CacheSize, c.CacheEvictions, c.RuntimeTicksTotal, c.BloomExchangeTotal,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
