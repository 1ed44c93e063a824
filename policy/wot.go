package policy

import (
	"math"
	"sync"
)

// Pubkey identifies a publisher by their 32-byte signing key.
type Pubkey [32]byte

type endorsementEdge struct {
	endorser  Pubkey
	publisher Pubkey
	step      uint64
}

// Engine owns the explicit trust overrides and the endorsement graph, and
// classifies publishers into TrustTiers. All methods are safe for
// concurrent use, guarded by a single RWMutex over the record map.
type Engine struct {
	mu sync.RWMutex

	cfg Config

	trusted map[Pubkey]bool
	muted   map[Pubkey]bool
	blocked map[Pubkey]bool

	// edges indexes endorsements by publisher for fast lookup during
	// classification.
	edges map[Pubkey][]endorsementEdge

	nowStep uint64
}

// NewEngine builds a policy Engine with the given configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		trusted: make(map[Pubkey]bool),
		muted:   make(map[Pubkey]bool),
		blocked: make(map[Pubkey]bool),
		edges:   make(map[Pubkey][]endorsementEdge),
	}
}

// SetStep advances the engine's logical clock, used to age endorsements.
func (e *Engine) SetStep(step uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nowStep = step
}

// AddTrusted / AddMuted / AddBlocked install explicit overrides, which
// dominate any computed score.
func (e *Engine) AddTrusted(p Pubkey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trusted[p] = true
}

func (e *Engine) AddMuted(p Pubkey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted[p] = true
}

func (e *Engine) AddBlocked(p Pubkey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocked[p] = true
}

// AddEndorsement records a directed edge endorser -> publisher observed at
// step. Only edges from an endorser this engine already trusts contribute
// to the score for each trusted endorser with an edge to the publisher;
// edges from other endorsers are still stored since they may become
// load-bearing in second-hop recursion once the first-hop endorser set is
// consulted at a further remove, but the depth-1 contribution loop only
// reads edges whose endorser is in e.trusted.
func (e *Engine) AddEndorsement(endorser, publisher Pubkey, step uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edges[publisher] = append(e.edges[publisher], endorsementEdge{endorser: endorser, publisher: publisher, step: step})
}

// Classify returns the publisher's current TrustTier. Explicit overrides
// are checked first, in Blocked > Muted > Trusted priority order, then a
// bounded score is computed from the endorsement graph.
func (e *Engine) Classify(publisher Pubkey) TrustTier {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.blocked[publisher] {
		return Blocked
	}
	if e.muted[publisher] {
		return Muted
	}
	if e.trusted[publisher] {
		return Trusted
	}

	score := e.scoreLocked(publisher, 1)
	switch {
	case score >= e.cfg.TrustedThreshold:
		return Trusted
	case score >= e.cfg.KnownThreshold:
		return Known
	default:
		return Unknown
	}
}

// Score exposes the raw bounded [0,1] score for diagnostics/tests.
func (e *Engine) Score(publisher Pubkey) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scoreLocked(publisher, 1)
}

// scoreLocked computes the bounded endorsement score. Caller must hold
// e.mu (read lock suffices).
func (e *Engine) scoreLocked(publisher Pubkey, hop int) float64 {
	edges := e.edges[publisher]
	var sum float64
	distinctEndorsers := make(map[Pubkey]bool)

	for _, edge := range edges {
		if !e.trusted[edge.endorser] {
			continue
		}
		distinctEndorsers[edge.endorser] = true
		age := float64(0)
		if e.nowStep > edge.step {
			age = float64(e.nowStep - edge.step)
		}
		window := float64(e.cfg.AgeWindowSteps)
		if window <= 0 {
			window = 1
		}
		sum += 1.0 / (1.0 + age/window)
	}

	if len(distinctEndorsers) < e.cfg.EndorsementThreshold {
		sum = 0
	}

	if hop >= 2 {
		return clamp01(sum / 3.0)
	}

	// Recurse one more level: an endorser of publisher who is not itself
	// trusted may still be endorsed by a trusted party; that endorser's
	// own score (computed at hop 2, to stop recursion) contributes here
	// scaled by hop_decay.
	var secondHop float64
	secondHopEndorsers := make(map[Pubkey]bool)
	for _, edge := range edges {
		if e.trusted[edge.endorser] {
			continue // already counted at hop 1
		}
		if secondHopEndorsers[edge.endorser] {
			continue
		}
		secondHopEndorsers[edge.endorser] = true
		endorserScore := e.scoreLocked(Pubkey(edge.endorser), 2)
		secondHop += endorserScore * e.cfg.HopDecay
	}
	if len(secondHopEndorsers) < e.cfg.EndorsementThreshold {
		secondHop = 0
	}

	return clamp01((sum + secondHop) / 3.0)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// EvictionPriority computes the eviction priority for a shard held at the
// given trust tier, replica count, age, and demand signal. Higher means
// evict first.
func EvictionPriority(tier TrustTier, replicas uint64, ageSteps uint64, requestedCount uint64) float64 {
	tf := trustFactor(tier)
	rf := math.Min(1, float64(replicas)/12.0)
	af := math.Min(1, float64(ageSteps)/20000.0)
	rb := math.Min(0.6, float64(requestedCount)/16.0)
	p := 0.5*tf + 0.4*rf + 0.1*af - rb
	return clamp01(p)
}

// BaseFanout returns the engine's configured pre-quota forwarding fanout.
func (e *Engine) BaseFanout() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.BaseFanout
}

// EffectiveFanout computes ceil(baseFanout * quota(tier)).
func EffectiveFanout(baseFanout int, tier TrustTier) int {
	q := ForwardingQuota(tier)
	return int(math.Ceil(float64(baseFanout) * q))
}
