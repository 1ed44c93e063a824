package policy

// Config configures the WoT policy engine: score thresholds, the
// endorsement recursion, and per-tier storage budgets.
type Config struct {
	// AgeWindowSteps scales endorsement age decay: weight = 1/(1+age/window).
	AgeWindowSteps uint64
	// HopDecay multiplies the second-hop contribution, in [0,1].
	HopDecay float64
	// EndorsementThreshold is the minimum number of distinct endorsers
	// required at each hop level considered.
	EndorsementThreshold int
	// TrustedThreshold and KnownThreshold gate the bounded [0,1] score
	// into a tier: score >= TrustedThreshold -> Trusted,
	// score >= KnownThreshold -> Known, else Unknown.
	TrustedThreshold float64
	KnownThreshold   float64

	// StorageBudget is the absolute cache shard-count budget per tier.
	StorageBudget map[TrustTier]int
	// GlobalCap bounds total cached shards across all tiers.
	GlobalCap int

	// BaseFanout is the forwarding fanout before quota scaling.
	BaseFanout int
}

// DefaultConfig returns sane defaults for a single-node deployment.
func DefaultConfig() Config {
	return Config{
		AgeWindowSteps:        20000,
		HopDecay:              0.5,
		EndorsementThreshold:  1,
		TrustedThreshold:      0.66,
		KnownThreshold:        0.33,
		StorageBudget: map[TrustTier]int{
			Trusted: 4096,
			Known:   2048,
			Unknown: 512,
			Muted:   64,
			Blocked: 0,
		},
		GlobalCap:  8192,
		BaseFanout: 6,
	}
}
