// Package geo wraps the IP-to-ASN lookup the selection engine depends on.
//
// The lookup data source itself is external; this package consumes it as a
// pure function and adds the TTL caching layer so heartbeat-rate lookups
// do not hammer it.
package geo

import (
	"context"
	"net/netip"
	"time"

	"github.com/xtexx/geph5/cache"
)

// Resolver maps an address to its autonomous system number.
type Resolver func(ctx context.Context, addr netip.Addr) (uint32, error)

// CachedResolver memoizes a Resolver with a TTL, collapsing concurrent
// lookups for the same address into one.
type CachedResolver struct {
	resolve Resolver
	cache   *cache.TTL[uint32]
}

// NewCachedResolver wraps resolve with a ttl-bounded cache.
func NewCachedResolver(resolve Resolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		resolve: resolve,
		cache:   cache.New[uint32](ttl),
	}
}

// ASN resolves the autonomous system for addr.
func (c *CachedResolver) ASN(ctx context.Context, addr netip.Addr) (uint32, error) {
	return c.cache.GetOrFill(ctx, addr.String(), func(ctx context.Context) (uint32, error) {
		return c.resolve(ctx, addr)
	})
}

// StaticResolver builds a Resolver from fixed prefix assignments, used in
// tests and air-gapped deployments. Unmatched addresses resolve to zero.
func StaticResolver(prefixes map[netip.Prefix]uint32) Resolver {
	return func(ctx context.Context, addr netip.Addr) (uint32, error) {
		for p, asn := range prefixes {
			if p.Contains(addr) {
				return asn, nil
			}
		}
		return 0, nil
	}
}
