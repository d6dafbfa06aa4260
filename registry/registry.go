// Package registry tracks live bridge descriptors.
//
// Bridges announce themselves with operator-signed heartbeats; the
// registry is the authoritative serving view of which bridges exist right
// now. Heartbeats are far too frequent to round-trip through the durable
// store, so the registry is memory-resident and the persistence layer only
// receives an append-only audit trail.
//
// The descriptor map is sharded by bridge id and the secondary indices
// have their own lock, so a heartbeat only contends on the single affected
// shard and snapshot readers never wait behind a registry-wide writer.
package registry

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/xtexx/geph5/protocol"
)

const shardCount = 32

// Config tunes freshness and retention.
type Config struct {
	// HeartbeatTTL is how long a descriptor counts as fresh. Stale
	// bridges drop out of selection immediately.
	HeartbeatTTL time.Duration
	// RetentionTTL is how long a stale descriptor survives before the
	// sweeper garbage-collects it. Must exceed HeartbeatTTL so a slow
	// but live bridge is not evicted mid-flap.
	RetentionTTL time.Duration
	// SweepInterval is how often Run sweeps.
	SweepInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatTTL <= 0 {
		out.HeartbeatTTL = 2 * time.Minute
	}
	if out.RetentionTTL <= out.HeartbeatTTL {
		out.RetentionTTL = 10 * out.HeartbeatTTL
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = out.HeartbeatTTL
	}
	return out
}

// Filter narrows a snapshot. Zero values match everything.
type Filter struct {
	Cohort  string
	Country string
	ASN     uint32
}

// Registry is the live bridge table.
type Registry struct {
	cfg Config
	log *slog.Logger

	shards [shardCount]shard
	idx    index

	now func() time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*protocol.BridgeDescriptor
}

// index maps ASN and cohort to bridge id sets, maintained incrementally
// on every upsert and eviction so snapshots are an index lookup, not a
// scan.
type index struct {
	mu       sync.RWMutex
	byASN    map[uint32]map[string]struct{}
	byCohort map[string]map[string]struct{}
}

// New creates an empty registry.
func New(cfg Config, log *slog.Logger) *Registry {
	r := &Registry{
		cfg: cfg.withDefaults(),
		log: log,
		idx: index{
			byASN:    make(map[uint32]map[string]struct{}),
			byCohort: make(map[string]map[string]struct{}),
		},
		now: time.Now,
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*protocol.BridgeDescriptor)
	}
	return r
}

// Run sweeps until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Heartbeat upserts a descriptor. Conflicting heartbeats for the same
// bridge resolve last-write-wins by the descriptor timestamp, not by
// arrival order; a malformed descriptor mutates nothing.
func (r *Registry) Heartbeat(d *protocol.BridgeDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.LastHeartbeat.IsZero() {
		d.LastHeartbeat = r.now()
	}

	// Store a private copy so the caller cannot mutate registry state.
	stored := *d

	sh := r.shardFor(stored.BridgeID)
	sh.mu.Lock()
	prev := sh.entries[stored.BridgeID]
	if prev != nil && prev.LastHeartbeat.After(stored.LastHeartbeat) {
		sh.mu.Unlock()
		return nil
	}
	sh.entries[stored.BridgeID] = &stored
	sh.mu.Unlock()

	if prev == nil || prev.ASN != stored.ASN || prev.Cohort != stored.Cohort {
		r.idx.update(stored.BridgeID, prev, &stored)
	}
	return nil
}

// Snapshot returns copies of the fresh descriptors matching the filter.
func (r *Registry) Snapshot(f Filter) []protocol.BridgeDescriptor {
	cutoff := r.now().Add(-r.cfg.HeartbeatTTL)

	ids := r.idx.candidates(f)
	if ids == nil {
		return r.scanAll(f, cutoff)
	}

	out := make([]protocol.BridgeDescriptor, 0, len(ids))
	for _, id := range ids {
		sh := r.shardFor(id)
		sh.mu.RLock()
		d := sh.entries[id]
		if d != nil && d.LastHeartbeat.After(cutoff) && f.matches(d) {
			out = append(out, *d)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Get returns one descriptor, fresh or stale.
func (r *Registry) Get(bridgeID string) (protocol.BridgeDescriptor, bool) {
	sh := r.shardFor(bridgeID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	d, ok := sh.entries[bridgeID]
	if !ok {
		return protocol.BridgeDescriptor{}, false
	}
	return *d, true
}

// Len reports the number of resident descriptors, fresh or stale.
func (r *Registry) Len() int {
	total := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		total += len(r.shards[i].entries)
		r.shards[i].mu.RUnlock()
	}
	return total
}

// Sweep drops descriptors past retention. It locks one shard at a time,
// so heartbeats and snapshots proceed concurrently.
func (r *Registry) Sweep() {
	cutoff := r.now().Add(-r.cfg.RetentionTTL)
	removed := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for id, d := range sh.entries {
			if d.LastHeartbeat.After(cutoff) {
				continue
			}
			delete(sh.entries, id)
			r.idx.update(id, d, nil)
			removed++
		}
		sh.mu.Unlock()
	}
	if removed > 0 && r.log != nil {
		r.log.Info("swept stale bridges", "removed", removed, "remaining", r.Len())
	}
}

func (r *Registry) shardFor(bridgeID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(bridgeID))
	return &r.shards[h.Sum32()%shardCount]
}

// scanAll serves unfiltered snapshots; the selection hot path always
// carries a cohort and goes through the index instead.
func (r *Registry) scanAll(f Filter, cutoff time.Time) []protocol.BridgeDescriptor {
	var out []protocol.BridgeDescriptor
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, d := range sh.entries {
			if d.LastHeartbeat.After(cutoff) && f.matches(d) {
				out = append(out, *d)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

func (f Filter) matches(d *protocol.BridgeDescriptor) bool {
	if f.Cohort != "" && d.Cohort != f.Cohort {
		return false
	}
	if f.Country != "" && d.Country != f.Country {
		return false
	}
	if f.ASN != 0 && d.ASN != f.ASN {
		return false
	}
	return true
}

// candidates returns the id list for an indexed filter, or nil when the
// filter has no indexed field.
func (x *index) candidates(f Filter) []string {
	if f.Cohort == "" && f.ASN == 0 {
		return nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	var set map[string]struct{}
	switch {
	case f.Cohort != "" && f.ASN != 0:
		// Intersect, walking the smaller set.
		a, b := x.byCohort[f.Cohort], x.byASN[f.ASN]
		if len(a) > len(b) {
			a, b = b, a
		}
		set = make(map[string]struct{}, len(a))
		for id := range a {
			if _, ok := b[id]; ok {
				set[id] = struct{}{}
			}
		}
	case f.Cohort != "":
		set = x.byCohort[f.Cohort]
	default:
		set = x.byASN[f.ASN]
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (x *index) update(id string, prev, next *protocol.BridgeDescriptor) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if prev != nil {
		removeFrom(x.byASN, prev.ASN, id)
		removeFrom(x.byCohort, prev.Cohort, id)
	}
	if next != nil {
		addTo(x.byASN, next.ASN, id)
		addTo(x.byCohort, next.Cohort, id)
	}
}

func addTo[K comparable](m map[K]map[string]struct{}, key K, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom[K comparable](m map[K]map[string]struct{}, key K, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}
