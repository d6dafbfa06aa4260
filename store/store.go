// Package store is the broker's durable persistence layer.
//
// PostgreSQL is the single source of truth for accounts, published epochs,
// the append-only bridge history and the abuse-event log. Live bridge state
// deliberately does not round-trip through here: heartbeats are served from
// the in-memory registry and only audited into bridges_history.
//
// All reads and writes carry a per-call timeout. Transient connectivity
// failures are retried exactly once with a short backoff; semantic failures
// (constraint violations, missing rows) are never retried.
package store

import (
	"errors"
	"time"

	"github.com/xtexx/geph5/protocol"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Account is the provisioning system's record of a paying or authorized
// client. This core only reads accounts; provisioning mutates them.
type Account struct {
	ID string
	// SecretHash is the bcrypt hash of the account's auth secret.
	SecretHash string
	Tier       protocol.Tier
	// EntitlementExpiry bounds how long the account may be issued
	// credentials.
	EntitlementExpiry time.Time
}

// Entitled reports whether the account may be issued a credential at now.
func (a *Account) Entitled(now time.Time) bool {
	return a.Tier.Valid() && now.Before(a.EntitlementExpiry)
}

// EpochRecord is the persisted, public portion of a published epoch.
// Signing keys stay in memory; what survives a restart is enough to keep
// validating grace-period tokens' epoch windows and to audit rotation.
type EpochRecord struct {
	EpochID   uint32
	NotBefore time.Time
	NotAfter  time.Time
	// Keys maps tier to PKCS#1 DER verification keys.
	Keys map[protocol.Tier][]byte
}

// AbuseEvent is one entry of the append-only abuse log.
type AbuseEvent struct {
	ID         string
	BridgeID   string
	Reason     string
	ReportedAt time.Time
}
