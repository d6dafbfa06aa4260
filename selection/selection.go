// Package selection turns the registry's live view into bridge
// assignments for verified clients.
//
// Selection is diversity-first: candidates are grouped by autonomous
// system and sampled round-robin across groups, so two bridges handed to
// the same client rarely share a network operator an adversary could
// block in one action. Within a group, sampling is weighted toward spare
// capacity. How strongly load weighting bites relative to uniform choice
// is a policy tunable, not a constant.
package selection

import (
	"math"
	mrand "math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/xtexx/geph5/protocol"
	"github.com/xtexx/geph5/registry"
)

// Config tunes selection policy.
type Config struct {
	// DefaultCount is k when the client does not ask for a count.
	DefaultCount int
	// MaxCount caps k regardless of the request.
	MaxCount int
	// CohortTiers maps gated cohorts to the minimum entitlement tier.
	// Cohorts absent from the map are open to every tier.
	CohortTiers map[string]protocol.Tier
	// LoadBias in [0,1] sets how strongly capacity and recent load skew
	// in-group sampling: 0 is uniform, 1 is fully weighted.
	LoadBias float64
	// LoadHalfLife is the decay half-life of the recent-assignment
	// counters feeding the load weight.
	LoadHalfLife time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DefaultCount <= 0 {
		out.DefaultCount = 3
	}
	if out.MaxCount <= 0 {
		out.MaxCount = 8
	}
	if out.LoadBias < 0 {
		out.LoadBias = 0
	}
	if out.LoadBias == 0 {
		out.LoadBias = 0.5
	}
	if out.LoadBias > 1 {
		out.LoadBias = 1
	}
	if out.LoadHalfLife <= 0 {
		out.LoadHalfLife = 10 * time.Minute
	}
	return out
}

// Context carries everything known about one selection request.
type Context struct {
	// Tier is the entitlement proven by the verified token.
	Tier protocol.Tier
	// Cohort optionally names the requested bridge subset.
	Cohort string
	// Exclude lists bridge ids the client already tried this session.
	Exclude []string
	// Count is the requested number of bridges; zero means the default.
	Count int
}

// Engine produces bridge assignments from registry state.
type Engine struct {
	cfg      Config
	registry *registry.Registry

	mu    sync.Mutex
	rng   *mrand.Rand
	loads map[string]float64
	decay time.Time

	now func() time.Time
}

// New creates an engine reading from reg.
func New(cfg Config, reg *registry.Registry) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		registry: reg,
		rng:      mrand.New(mrand.NewPCG(mrand.Uint64(), mrand.Uint64())),
		loads:    make(map[string]float64),
		decay:    time.Now(),
		now:      time.Now,
	}
}

// Select returns up to k bridges for the given context, ordered by pick.
// It fails only when the eligible pool is empty; a short result is not an
// error.
func (e *Engine) Select(sel Context) ([]protocol.BridgeDescriptor, error) {
	k := sel.Count
	if k <= 0 {
		k = e.cfg.DefaultCount
	}
	if k > e.cfg.MaxCount {
		k = e.cfg.MaxCount
	}

	cohort := sel.Cohort
	if cohort == "" {
		cohort = protocol.CohortPublic
	}
	if required, gated := e.cfg.CohortTiers[cohort]; gated && sel.Tier < required {
		// Under-tier requests get the same answer as a cohort that does
		// not exist; the premium pool stays invisible.
		return nil, protocol.NewError(protocol.KindInsufficientBridges, "no eligible bridges")
	}

	excluded := make(map[string]struct{}, len(sel.Exclude))
	for _, id := range sel.Exclude {
		excluded[id] = struct{}{}
	}

	pool := e.registry.Snapshot(registry.Filter{Cohort: cohort})
	candidates := pool[:0]
	for _, d := range pool {
		if _, skip := excluded[d.BridgeID]; !skip {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return nil, protocol.NewError(protocol.KindInsufficientBridges, "no eligible bridges")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.decayLocked()

	groups := e.groupByASN(candidates)
	picked := make([]protocol.BridgeDescriptor, 0, k)
	for len(picked) < k && len(groups) > 0 {
		next := groups[:0]
		for _, g := range groups {
			if len(picked) == k {
				break
			}
			i := e.pickLocked(g)
			picked = append(picked, g[i])
			e.loads[g[i].BridgeID]++
			g = append(g[:i], g[i+1:]...)
			if len(g) > 0 {
				next = append(next, g)
			}
		}
		groups = next
	}
	return picked, nil
}

// groupByASN splits candidates into per-ASN groups, each sorted by
// ascending bridge id, with groups ordered by descending aggregate weight
// (ties by ascending ASN) so the strongest networks lead the round-robin.
func (e *Engine) groupByASN(candidates []protocol.BridgeDescriptor) [][]protocol.BridgeDescriptor {
	byASN := make(map[uint32][]protocol.BridgeDescriptor)
	for _, d := range candidates {
		byASN[d.ASN] = append(byASN[d.ASN], d)
	}

	type group struct {
		asn    uint32
		weight float64
		desc   []protocol.BridgeDescriptor
	}
	groups := make([]group, 0, len(byASN))
	for asn, ds := range byASN {
		sort.Slice(ds, func(i, j int) bool { return ds[i].BridgeID < ds[j].BridgeID })
		total := 0.0
		for _, d := range ds {
			total += e.weightLocked(&d)
		}
		groups = append(groups, group{asn: asn, weight: total, desc: ds})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].weight != groups[j].weight {
			return groups[i].weight > groups[j].weight
		}
		return groups[i].asn < groups[j].asn
	})

	out := make([][]protocol.BridgeDescriptor, len(groups))
	for i, g := range groups {
		out[i] = g.desc
	}
	return out
}

// pickLocked samples one index from a group, weighted by spare capacity.
func (e *Engine) pickLocked(g []protocol.BridgeDescriptor) int {
	if len(g) == 1 {
		return 0
	}
	total := 0.0
	weights := make([]float64, len(g))
	for i := range g {
		weights[i] = e.weightLocked(&g[i])
		total += weights[i]
	}
	target := e.rng.Float64() * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			return i
		}
	}
	return len(g) - 1
}

// weightLocked computes a bridge's sampling weight: spare capacity over
// recent assignments, dampened by the configured bias.
func (e *Engine) weightLocked(d *protocol.BridgeDescriptor) float64 {
	capacity := float64(d.CapacityHint)
	if capacity < 1 {
		capacity = 1
	}
	raw := capacity / (1 + e.loads[d.BridgeID])
	return math.Pow(raw, e.cfg.LoadBias)
}

// decayLocked halves assignment counters per elapsed half-life and drops
// the negligible ones, bounding tracker state.
func (e *Engine) decayLocked() {
	now := e.now()
	elapsed := now.Sub(e.decay)
	if elapsed < e.cfg.LoadHalfLife/10 {
		return
	}
	factor := math.Pow(0.5, elapsed.Seconds()/e.cfg.LoadHalfLife.Seconds())
	for id, load := range e.loads {
		load *= factor
		if load < 0.01 {
			delete(e.loads, id)
			continue
		}
		e.loads[id] = load
	}
	e.decay = now
}
