package geo

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestCachedResolver(t *testing.T) {
	calls := atomic.NewInt64(0)
	inner := func(ctx context.Context, addr netip.Addr) (uint32, error) {
		calls.Inc()
		return 64500, nil
	}

	r := NewCachedResolver(inner, time.Minute)
	addr := netip.MustParseAddr("192.0.2.10")

	asn, err := r.ASN(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, uint32(64500), asn)

	_, err = r.ASN(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load())
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver(map[netip.Prefix]uint32{
		netip.MustParsePrefix("192.0.2.0/24"):    64500,
		netip.MustParsePrefix("198.51.100.0/24"): 64501,
	})

	asn, err := r(context.Background(), netip.MustParseAddr("198.51.100.7"))
	require.NoError(t, err)
	require.Equal(t, uint32(64501), asn)

	asn, err = r(context.Background(), netip.MustParseAddr("203.0.113.1"))
	require.NoError(t, err)
	require.Zero(t, asn)
}
