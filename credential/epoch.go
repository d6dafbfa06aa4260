package credential

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"sync"
	"time"

	"github.com/xtexx/geph5/crypto"
	"github.com/xtexx/geph5/protocol"
	"github.com/xtexx/geph5/store"
)

// Epoch is one time-bounded signing period. Epoch IDs are the index of
// the validity window since the Unix epoch, so "current" is a pure
// function of wall-clock time and every instance derives the same ID.
//
// An Epoch is immutable once published, except for its replay set. Epochs
// restored from the journal after a restart carry verification keys only;
// their signing halves died with the previous process.
type Epoch struct {
	ID        uint32
	NotBefore time.Time
	NotAfter  time.Time

	// verifiers holds the per-tier RSA verification keys.
	verifiers map[protocol.Tier]*rsa.PublicKey
	// signers holds the per-tier signing keys; nil for restored epochs.
	signers map[protocol.Tier]*crypto.SigningKey

	// replay records consumed nonces. The check-and-insert is a single
	// atomic LoadOrStore; it is the only double-spend enforcement in the
	// system. Dropped wholesale when the epoch retires.
	replay sync.Map
}

// EpochIDAt returns the epoch index covering now.
func EpochIDAt(now time.Time, duration time.Duration) uint32 {
	return uint32(now.Unix() / int64(duration/time.Second))
}

// WindowOf returns the validity window of an epoch index.
func WindowOf(id uint32, duration time.Duration) (time.Time, time.Time) {
	start := time.Unix(int64(id)*int64(duration/time.Second), 0).UTC()
	return start, start.Add(duration)
}

// newSigningEpoch generates fresh per-tier keys for epoch id.
func newSigningEpoch(id uint32, duration time.Duration) (*Epoch, error) {
	notBefore, notAfter := WindowOf(id, duration)
	e := &Epoch{
		ID:        id,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		verifiers: make(map[protocol.Tier]*rsa.PublicKey),
		signers:   make(map[protocol.Tier]*crypto.SigningKey),
	}
	for _, tier := range []protocol.Tier{protocol.TierFree, protocol.TierPlus} {
		key, err := crypto.GenerateSigningKey()
		if err != nil {
			return nil, err
		}
		e.signers[tier] = key
		e.verifiers[tier] = key.Public()
	}
	return e, nil
}

// restoreEpoch rebuilds a verify-only epoch from its journal record.
func restoreEpoch(rec *store.EpochRecord) (*Epoch, error) {
	e := &Epoch{
		ID:        rec.EpochID,
		NotBefore: rec.NotBefore,
		NotAfter:  rec.NotAfter,
		verifiers: make(map[protocol.Tier]*rsa.PublicKey),
	}
	for tier, der := range rec.Keys {
		pub, err := crypto.ParsePublicDER(der)
		if err != nil {
			return nil, err
		}
		e.verifiers[tier] = pub
	}
	return e, nil
}

// CanSign reports whether this process holds the epoch's signing keys.
func (e *Epoch) CanSign() bool {
	return len(e.signers) > 0
}

// Verifier returns the verification key for a tier, if published.
func (e *Epoch) Verifier(tier protocol.Tier) (*rsa.PublicKey, bool) {
	pub, ok := e.verifiers[tier]
	return pub, ok
}

// consume atomically marks a nonce as spent. It returns true exactly once
// per nonce across any number of concurrent callers.
func (e *Epoch) consume(nonce []byte) bool {
	_, loaded := e.replay.LoadOrStore(hex.EncodeToString(nonce), struct{}{})
	return !loaded
}

// record renders the epoch for the journal.
func (e *Epoch) record() *store.EpochRecord {
	keys := make(map[protocol.Tier][]byte, len(e.signers))
	for tier, key := range e.signers {
		keys[tier] = key.PublicDER()
	}
	return &store.EpochRecord{
		EpochID:   e.ID,
		NotBefore: e.NotBefore,
		NotAfter:  e.NotAfter,
		Keys:      keys,
	}
}

// info renders the epoch for the public key listing.
func (e *Epoch) info() protocol.EpochInfo {
	keys := make(map[protocol.Tier][]byte, len(e.verifiers))
	for tier, pub := range e.verifiers {
		// Re-encode from the parsed key so restored and fresh epochs
		// serve identical bytes.
		keys[tier] = encodePublic(pub)
	}
	return protocol.EpochInfo{
		EpochID:   e.ID,
		NotBefore: e.NotBefore,
		NotAfter:  e.NotAfter,
		Keys:      keys,
	}
}

// epochSet is an immutable, ascending-ID snapshot of known epochs.
// Rotation builds a new set and swaps the pointer; a served set is never
// mutated in place.
type epochSet struct {
	epochs []*Epoch
}

func (s *epochSet) byID(id uint32) *Epoch {
	for _, e := range s.epochs {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// visible returns the epochs a client may hold tokens for at now:
// current, next, and previous while within grace.
func (s *epochSet) visible(now time.Time, grace time.Duration) []*Epoch {
	var out []*Epoch
	for _, e := range s.epochs {
		window := e.NotAfter.Sub(e.NotBefore)
		if e.NotBefore.After(now.Add(window)) {
			// Beyond the next epoch; not yet announced to clients.
			continue
		}
		if now.After(e.NotAfter.Add(grace)) {
			// Past grace; retired.
			continue
		}
		out = append(out, e)
	}
	return out
}

func encodePublic(pub *rsa.PublicKey) []byte {
	return x509.MarshalPKCS1PublicKey(pub)
}
