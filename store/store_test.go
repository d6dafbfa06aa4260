package store

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/xtexx/geph5/protocol"
)

func TestConnectionString(t *testing.T) {
	cfg := &PostgresConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "broker",
		Password: "secret",
		Database: "broker",
	}
	require.Equal(t,
		"host=db.internal port=5432 user=broker password=secret dbname=broker sslmode=disable",
		cfg.ConnectionString())

	cfg.SSLMode = "require"
	require.Contains(t, cfg.ConnectionString(), "sslmode=require")
}

func TestAccountEntitled(t *testing.T) {
	now := time.Now()
	acct := &Account{Tier: protocol.TierFree, EntitlementExpiry: now.Add(time.Hour)}
	require.True(t, acct.Entitled(now))

	expired := &Account{Tier: protocol.TierPlus, EntitlementExpiry: now.Add(-time.Minute)}
	require.False(t, expired.Entitled(now))

	badTier := &Account{Tier: 0, EntitlementExpiry: now.Add(time.Hour)}
	require.False(t, badTier.Entitled(now))
}

func TestIsTransient(t *testing.T) {
	require.True(t, isTransient(driver.ErrBadConn))
	require.True(t, isTransient(fmt.Errorf("exec: %w", driver.ErrBadConn)))
	require.True(t, isTransient(&pq.Error{Code: "08006"}))
	require.True(t, isTransient(&pq.Error{Code: "57P01"}))

	require.False(t, isTransient(&pq.Error{Code: "23505"})) // unique violation
	require.False(t, isTransient(errors.New("no such account")))
}
