package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/xtexx/geph5/protocol"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// Postgres implements the broker's persistence on PostgreSQL.
type Postgres struct {
	db           *sql.DB
	queryTimeout time.Duration
	retryBackoff time.Duration
}

// NewPostgres opens, pings and migrates the database.
func NewPostgres(config *PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &Postgres{
		db:           db,
		queryTimeout: 5 * time.Second,
		retryBackoff: 150 * time.Millisecond,
	}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *Postgres) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		account_id VARCHAR(64) PRIMARY KEY,
		auth_secret_hash VARCHAR(128) NOT NULL,
		tier SMALLINT NOT NULL,
		entitlement_expiry TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS epochs (
		epoch_id BIGINT PRIMARY KEY,
		not_before TIMESTAMP WITH TIME ZONE NOT NULL,
		not_after TIMESTAMP WITH TIME ZONE NOT NULL,
		public_keys JSONB NOT NULL,
		published_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS bridges_history (
		id BIGSERIAL PRIMARY KEY,
		bridge_id VARCHAR(128) NOT NULL,
		address VARCHAR(256) NOT NULL,
		asn BIGINT NOT NULL,
		country VARCHAR(2),
		cohort VARCHAR(64) NOT NULL,
		capacity_hint INTEGER NOT NULL,
		heartbeat_at TIMESTAMP WITH TIME ZONE NOT NULL,
		recorded_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_bridges_history_bridge ON bridges_history(bridge_id, recorded_at);

	CREATE TABLE IF NOT EXISTS abuse_events (
		id UUID PRIMARY KEY,
		bridge_id VARCHAR(128) NOT NULL,
		reason VARCHAR(512) NOT NULL,
		reported_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_abuse_events_bridge ON abuse_events(bridge_id, reported_at);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// GetAccount loads one account. Returns ErrNotFound for unknown ids.
func (s *Postgres) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var acct Account
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx,
			`SELECT account_id, auth_secret_hash, tier, entitlement_expiry FROM accounts WHERE account_id = $1`,
			accountID)
		return row.Scan(&acct.ID, &acct.SecretHash, &acct.Tier, &acct.EntitlementExpiry)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	return &acct, nil
}

// UpsertAccount writes an account row. Used by provisioning tooling and
// tests; the serving path never calls it.
func (s *Postgres) UpsertAccount(ctx context.Context, acct *Account) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO accounts (account_id, auth_secret_hash, tier, entitlement_expiry)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_id) DO UPDATE SET
				auth_secret_hash = EXCLUDED.auth_secret_hash,
				tier = EXCLUDED.tier,
				entitlement_expiry = EXCLUDED.entitlement_expiry`,
			acct.ID, acct.SecretHash, acct.Tier, acct.EntitlementExpiry)
		return err
	})
}

// PublishEpoch records a newly published epoch. Re-publishing is a no-op
// once the epoch's window has started: an epoch that may have issued
// tokens is immutable. A pre-published future epoch may still be replaced,
// which keeps restarts consistent with the in-memory schedule.
func (s *Postgres) PublishEpoch(ctx context.Context, rec *EpochRecord) error {
	keys, err := json.Marshal(rec.Keys)
	if err != nil {
		return fmt.Errorf("encoding epoch keys: %w", err)
	}
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO epochs (epoch_id, not_before, not_after, public_keys)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (epoch_id) DO UPDATE SET
				not_before = EXCLUDED.not_before,
				not_after = EXCLUDED.not_after,
				public_keys = EXCLUDED.public_keys
			WHERE epochs.not_before > NOW()`,
			int64(rec.EpochID), rec.NotBefore, rec.NotAfter, keys)
		return err
	})
}

// ListEpochs returns epochs whose validity ends after since, oldest first.
func (s *Postgres) ListEpochs(ctx context.Context, since time.Time) ([]EpochRecord, error) {
	var recs []EpochRecord
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT epoch_id, not_before, not_after, public_keys FROM epochs WHERE not_after > $1 ORDER BY epoch_id`,
			since)
		if err != nil {
			return err
		}
		defer rows.Close()

		recs = recs[:0]
		for rows.Next() {
			var rec EpochRecord
			var id int64
			var keys []byte
			if err := rows.Scan(&id, &rec.NotBefore, &rec.NotAfter, &keys); err != nil {
				return err
			}
			rec.EpochID = uint32(id)
			if err := json.Unmarshal(keys, &rec.Keys); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing epochs: %w", err)
	}
	return recs, nil
}

// AppendBridgeHistory audits one accepted heartbeat.
func (s *Postgres) AppendBridgeHistory(ctx context.Context, d *protocol.BridgeDescriptor) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO bridges_history (bridge_id, address, asn, country, cohort, capacity_hint, heartbeat_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			d.BridgeID, d.Address, int64(d.ASN), d.Country, d.Cohort, d.CapacityHint, d.LastHeartbeat)
		return err
	})
}

// InsertAbuseEvent appends one abuse report.
func (s *Postgres) InsertAbuseEvent(ctx context.Context, bridgeID, reason string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO abuse_events (id, bridge_id, reason) VALUES ($1, $2, $3)`,
			uuid.NewString(), bridgeID, reason)
		return err
	})
}

// Close releases the connection pool.
func (s *Postgres) Close() error {
	return s.db.Close()
}

// withRetry runs fn with a per-call timeout and retries exactly once on a
// transient connectivity error. Semantic errors surface immediately.
func (s *Postgres) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
		return fn(callCtx)
	}

	err := attempt()
	if err == nil || !isTransient(err) {
		return err
	}

	select {
	case <-time.After(s.retryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	return attempt()
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08xxx connection exceptions, 57xxx operator intervention
		// (shutdown), 53xxx insufficient resources.
		switch pqErr.Code.Class() {
		case "08", "57", "53":
			return true
		}
	}
	return false
}
