package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xtexx/geph5/protocol"
	"github.com/xtexx/geph5/testutil"
)

func testDescriptor(id string, asn uint32, cohort string) *protocol.BridgeDescriptor {
	return testutil.Descriptor(id, asn, cohort)
}

func newTestRegistry() *Registry {
	return New(Config{
		HeartbeatTTL: time.Minute,
		RetentionTTL: 10 * time.Minute,
	}, slog.Default())
}

func TestHeartbeatUpsert(t *testing.T) {
	r := newTestRegistry()

	d := testDescriptor("br-1", 64500, "public")
	require.NoError(t, r.Heartbeat(d))
	require.Equal(t, 1, r.Len())

	// Same bridge again: still one entry, refreshed.
	d2 := testDescriptor("br-1", 64500, "public")
	d2.CapacityHint = 99
	require.NoError(t, r.Heartbeat(d2))
	require.Equal(t, 1, r.Len())

	got, ok := r.Get("br-1")
	require.True(t, ok)
	require.Equal(t, 99, got.CapacityHint)
}

func TestHeartbeatRejectsMalformed(t *testing.T) {
	r := newTestRegistry()

	bad := testDescriptor("", 64500, "public")
	require.Error(t, r.Heartbeat(bad))

	badAddr := testDescriptor("br-1", 64500, "public")
	badAddr.Address = "no-port"
	err := r.Heartbeat(badAddr)
	require.Error(t, err)
	require.Equal(t, protocol.KindMalformed, protocol.KindOf(err))
	require.Zero(t, r.Len())
}

func TestHeartbeatLastWriteWinsByTimestamp(t *testing.T) {
	r := newTestRegistry()

	newer := testDescriptor("br-1", 64500, "public")
	newer.CapacityHint = 50
	newer.LastHeartbeat = time.Now()

	older := testDescriptor("br-1", 64500, "public")
	older.CapacityHint = 5
	older.LastHeartbeat = newer.LastHeartbeat.Add(-30 * time.Second)

	// The newer heartbeat arrives first; the out-of-order older one must
	// not clobber it.
	require.NoError(t, r.Heartbeat(newer))
	require.NoError(t, r.Heartbeat(older))

	got, _ := r.Get("br-1")
	require.Equal(t, 50, got.CapacityHint)
}

func TestSnapshotExcludesStale(t *testing.T) {
	r := newTestRegistry()

	fresh := testDescriptor("br-fresh", 64500, "public")
	stale := testDescriptor("br-stale", 64500, "public")
	stale.LastHeartbeat = time.Now().Add(-2 * time.Minute)

	require.NoError(t, r.Heartbeat(fresh))
	require.NoError(t, r.Heartbeat(stale))

	got := r.Snapshot(Filter{Cohort: "public"})
	require.Len(t, got, 1)
	require.Equal(t, "br-fresh", got[0].BridgeID)

	// A fresh heartbeat brings the stale bridge back.
	revived := testDescriptor("br-stale", 64500, "public")
	require.NoError(t, r.Heartbeat(revived))
	require.Len(t, r.Snapshot(Filter{Cohort: "public"}), 2)
}

func TestSnapshotFilters(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Heartbeat(testDescriptor("br-1", 64500, "public")))
	require.NoError(t, r.Heartbeat(testDescriptor("br-2", 64501, "public")))
	require.NoError(t, r.Heartbeat(testDescriptor("br-3", 64500, "premium")))

	require.Len(t, r.Snapshot(Filter{Cohort: "public"}), 2)
	require.Len(t, r.Snapshot(Filter{Cohort: "premium"}), 1)
	require.Len(t, r.Snapshot(Filter{ASN: 64500}), 2)
	require.Len(t, r.Snapshot(Filter{Cohort: "public", ASN: 64500}), 1)
	require.Len(t, r.Snapshot(Filter{}), 3)
	require.Empty(t, r.Snapshot(Filter{Cohort: "nonexistent"}))
}

func TestIndexFollowsCohortChange(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Heartbeat(testDescriptor("br-1", 64500, "public")))

	moved := testDescriptor("br-1", 64502, "premium")
	require.NoError(t, r.Heartbeat(moved))

	require.Empty(t, r.Snapshot(Filter{Cohort: "public"}))
	require.Len(t, r.Snapshot(Filter{Cohort: "premium"}), 1)
	require.Empty(t, r.Snapshot(Filter{ASN: 64500}))
	require.Len(t, r.Snapshot(Filter{ASN: 64502}), 1)
}

func TestSweepRemovesPastRetention(t *testing.T) {
	r := newTestRegistry()

	dead := testDescriptor("br-dead", 64500, "public")
	dead.LastHeartbeat = time.Now().Add(-time.Hour)
	limping := testDescriptor("br-limping", 64501, "public")
	limping.LastHeartbeat = time.Now().Add(-5 * time.Minute)

	require.NoError(t, r.Heartbeat(dead))
	require.NoError(t, r.Heartbeat(limping))

	r.Sweep()

	// Past retention: gone entirely. Stale but within retention: resident
	// yet excluded from snapshots.
	require.Equal(t, 1, r.Len())
	_, ok := r.Get("br-limping")
	require.True(t, ok)
	require.Empty(t, r.Snapshot(Filter{Cohort: "public"}))
}

func TestConcurrentHeartbeatsAndSnapshots(t *testing.T) {
	r := newTestRegistry()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("br-%d-%d", w, i%10)
				require.NoError(t, r.Heartbeat(testDescriptor(id, uint32(64500+i%5), "public")))
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Snapshot(Filter{Cohort: "public"})
				r.Sweep()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 80, r.Len())
}
