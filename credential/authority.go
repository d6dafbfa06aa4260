// Package credential implements the broker's credential authority.
//
// The authority blind-signs issuance requests for entitled accounts and
// later verifies the unblinded single-use tokens, without ever being able
// to link the two: issuance sees only opaque blinded bytes, verification
// sees only the nonce and signature the client unblinded locally.
//
// Signing keys rotate in epochs. The schedule always holds the current and
// next epoch, publishes the next epoch's verification keys ahead of its
// activation, and keeps a retired epoch verifiable through a grace period
// before dropping its keys and replay set.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xtexx/geph5/cache"
	"github.com/xtexx/geph5/crypto"
	"github.com/xtexx/geph5/guard"
	"github.com/xtexx/geph5/protocol"
	"github.com/xtexx/geph5/store"
	"go.uber.org/atomic"
	"golang.org/x/crypto/bcrypt"
)

// AccountSource supplies account records. Implemented by the persistence
// layer; the authority fronts it with a TTL cache.
type AccountSource interface {
	GetAccount(ctx context.Context, accountID string) (*store.Account, error)
}

// EpochJournal persists published epochs and restores them after a
// restart. Implemented by the persistence layer.
type EpochJournal interface {
	PublishEpoch(ctx context.Context, rec *store.EpochRecord) error
	ListEpochs(ctx context.Context, since time.Time) ([]store.EpochRecord, error)
}

// Config tunes the authority.
type Config struct {
	// EpochDuration is the length of one signing epoch.
	EpochDuration time.Duration
	// GracePeriod keeps a retired epoch's tokens verifiable after its
	// window ends.
	GracePeriod time.Duration
	// EntitlementTTL bounds the account entitlement cache.
	EntitlementTTL time.Duration
	// MaxConcurrentSigning bounds the worker pool for RSA operations so
	// signing bursts cannot stall request handling.
	MaxConcurrentSigning int
	// IssuePerWindow caps issuance attempts per account per guard window.
	IssuePerWindow int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.EpochDuration <= 0 {
		out.EpochDuration = 24 * time.Hour
	}
	if out.GracePeriod <= 0 {
		out.GracePeriod = out.EpochDuration / 4
	}
	if out.EntitlementTTL <= 0 {
		out.EntitlementTTL = time.Minute
	}
	if out.MaxConcurrentSigning <= 0 {
		out.MaxConcurrentSigning = 8
	}
	if out.IssuePerWindow <= 0 {
		out.IssuePerWindow = 30
	}
	return out
}

// Authority issues and verifies anonymous credentials.
type Authority struct {
	cfg      Config
	accounts AccountSource
	journal  EpochJournal
	limiter  guard.Limiter
	salt     []byte
	log      *slog.Logger

	entitlements *cache.TTL[store.Account]
	epochs       atomic.Pointer[epochSet]
	signSem      chan struct{}

	rotateMu sync.Mutex
	now      func() time.Time
}

// NewAuthority builds the authority and establishes the initial epoch
// schedule. Epochs already journaled by a previous process are restored
// verify-only; issuance moves to the first epoch whose signing keys this
// process generated itself.
func NewAuthority(cfg Config, accounts AccountSource, journal EpochJournal, limiter guard.Limiter, salt []byte, log *slog.Logger) (*Authority, error) {
	a := &Authority{
		cfg:      cfg.withDefaults(),
		accounts: accounts,
		journal:  journal,
		limiter:  limiter,
		salt:     salt,
		log:      log,
		signSem:  make(chan struct{}, cfg.withDefaults().MaxConcurrentSigning),
		now:      time.Now,
	}
	a.entitlements = cache.New[store.Account](a.cfg.EntitlementTTL)
	a.epochs.Store(&epochSet{})

	if err := a.restore(); err != nil {
		return nil, err
	}
	if err := a.advance(context.Background()); err != nil {
		return nil, err
	}
	return a, nil
}

// Run advances the epoch schedule until ctx is cancelled.
func (a *Authority) Run(ctx context.Context) {
	interval := a.cfg.EpochDuration / 8
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.advance(ctx); err != nil {
				a.log.Error("epoch rotation failed", "err", err)
			}
		}
	}
}

// EpochKeys lists the verification keys a client may hold tokens for.
func (a *Authority) EpochKeys() protocol.EpochKeysResponse {
	now := a.now()
	visible := a.epochs.Load().visible(now, a.cfg.GracePeriod)
	resp := protocol.EpochKeysResponse{Epochs: make([]protocol.EpochInfo, 0, len(visible))}
	for _, e := range visible {
		resp.Epochs = append(resp.Epochs, e.info())
	}
	return resp
}

// Issue blind-signs an opaque input for an entitled account. The returned
// response names the epoch and tier whose key produced the signature; the
// authority never learns the nonce hidden inside the blinded input.
func (a *Authority) Issue(ctx context.Context, accountID, authSecret string, blindedInput []byte) (*protocol.IssueResponse, error) {
	if accountID == "" || len(blindedInput) == 0 {
		return nil, protocol.NewError(protocol.KindMalformed, "missing account or blinded input")
	}

	acct, err := a.entitlements.GetOrFill(ctx, accountID, func(ctx context.Context) (store.Account, error) {
		rec, err := a.accounts.GetAccount(ctx, accountID)
		if err != nil {
			return store.Account{}, err
		}
		return *rec, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// Unknown accounts and lapsed accounts are indistinguishable on
		// the wire.
		return nil, protocol.NewError(protocol.KindAuthExpired, "account not entitled")
	}
	if err != nil {
		return nil, protocol.NewError(protocol.KindServiceUnavailable, "account lookup failed")
	}

	if bcrypt.CompareHashAndPassword([]byte(acct.SecretHash), []byte(authSecret)) != nil {
		return nil, protocol.NewError(protocol.KindAuthExpired, "account not entitled")
	}
	now := a.now()
	if !acct.Entitled(now) {
		return nil, protocol.NewError(protocol.KindAuthExpired, "account not entitled")
	}

	if d := a.limiter.Allow(guard.IdentityKey(a.salt, "issue", accountID), a.cfg.IssuePerWindow); !d.Allowed {
		return nil, protocol.NewError(protocol.KindRateLimited, "issuance budget exhausted")
	}

	epoch := a.issueEpoch(now)
	if epoch == nil {
		return nil, protocol.NewError(protocol.KindServiceUnavailable, "no signing epoch available")
	}
	key := epoch.signers[acct.Tier]
	if key == nil {
		return nil, protocol.NewError(protocol.KindServiceUnavailable, "no signing key for tier")
	}

	if err := a.acquireSigner(ctx); err != nil {
		return nil, err
	}
	defer a.releaseSigner()

	blindSig, err := key.BlindSign(blindedInput)
	if err != nil {
		return nil, protocol.NewError(protocol.KindMalformed, "unusable blinded input")
	}

	return &protocol.IssueResponse{
		EpochID:        epoch.ID,
		Tier:           acct.Tier,
		BlindSignature: blindSig,
	}, nil
}

// Verify checks a token and consumes its nonce. The replay check-and-insert
// is atomic: for any number of concurrent calls with the same token,
// exactly one succeeds and the rest fail with the replayed-nonce kind.
func (a *Authority) Verify(ctx context.Context, token *protocol.Token) error {
	if !token.Tier.Valid() || len(token.Nonce) != crypto.NonceSize || len(token.Signature) == 0 {
		return protocol.NewError(protocol.KindMalformed, "bad token shape")
	}

	now := a.now()
	epoch := a.epochs.Load().byID(token.EpochID)
	if epoch == nil || now.After(epoch.NotAfter.Add(a.cfg.GracePeriod)) {
		return protocol.NewError(protocol.KindEpochUnknown, "token epoch not recognized")
	}
	pub, ok := epoch.Verifier(token.Tier)
	if !ok {
		return protocol.NewError(protocol.KindEpochUnknown, "token epoch not recognized")
	}

	if err := a.acquireSigner(ctx); err != nil {
		return err
	}
	valid := crypto.VerifyUnblinded(pub, token.Nonce, token.Signature)
	a.releaseSigner()
	if !valid {
		return protocol.NewError(protocol.KindInvalidSignature, "credential signature invalid")
	}

	if !epoch.consume(token.Nonce) {
		return protocol.NewError(protocol.KindReplayedNonce, "credential already used")
	}
	return nil
}

// InvalidateAccount drops a cached entitlement after a provisioning write.
func (a *Authority) InvalidateAccount(accountID string) {
	a.entitlements.Invalidate(accountID)
}

// acquireSigner takes a slot in the bounded crypto worker pool, or fails
// with the caller's deadline.
func (a *Authority) acquireSigner(ctx context.Context) error {
	select {
	case a.signSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return protocol.NewError(protocol.KindTimeout, "crypto pool saturated")
	}
}

func (a *Authority) releaseSigner() {
	<-a.signSem
}

// issueEpoch returns the newest epoch usable for signing at now: the
// current epoch when this process holds its keys, otherwise the
// pre-published next epoch (after a restart the current epoch's private
// keys are gone, but clients accept next-epoch tokens).
func (a *Authority) issueEpoch(now time.Time) *Epoch {
	set := a.epochs.Load()
	var best *Epoch
	for _, e := range set.epochs {
		if !e.CanSign() {
			continue
		}
		if now.Before(e.NotBefore.Add(-a.cfg.EpochDuration)) || now.After(e.NotAfter) {
			continue
		}
		if best == nil || e.NotBefore.After(best.NotBefore) {
			best = e
		}
	}
	if best == nil {
		return best
	}
	// Prefer the current epoch over the next when both can sign.
	for _, e := range set.epochs {
		if e.CanSign() && !now.Before(e.NotBefore) && now.Before(e.NotAfter) {
			return e
		}
	}
	return best
}

// restore rebuilds verify-only epochs from the journal.
func (a *Authority) restore() error {
	if a.journal == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := a.now()
	recs, err := a.journal.ListEpochs(ctx, now.Add(-a.cfg.GracePeriod))
	if err != nil {
		return err
	}
	set := &epochSet{}
	for i := range recs {
		if recs[i].NotBefore.After(now) {
			// A journaled future epoch signed nothing; let advance
			// generate a fresh one this process can actually sign with.
			continue
		}
		e, err := restoreEpoch(&recs[i])
		if err != nil {
			return err
		}
		set.epochs = append(set.epochs, e)
		a.log.Info("restored epoch from journal", "epoch", e.ID, "not_after", e.NotAfter)
	}
	a.epochs.Store(set)
	return nil
}

// advance brings the schedule up to date: generates missing current/next
// epochs, publishes them, and retires epochs past grace. The swap is
// copy-on-write; a set being read is never mutated.
func (a *Authority) advance(ctx context.Context) error {
	a.rotateMu.Lock()
	defer a.rotateMu.Unlock()

	now := a.now()
	currentID := EpochIDAt(now, a.cfg.EpochDuration)
	old := a.epochs.Load()

	next := &epochSet{}
	for _, e := range old.epochs {
		if now.After(e.NotAfter.Add(a.cfg.GracePeriod)) {
			a.log.Info("retired epoch", "epoch", e.ID)
			continue
		}
		next.epochs = append(next.epochs, e)
	}

	for _, id := range []uint32{currentID, currentID + 1} {
		if next.byID(id) != nil {
			continue
		}
		e, err := newSigningEpoch(id, a.cfg.EpochDuration)
		if err != nil {
			return err
		}
		if a.journal != nil {
			if err := a.journal.PublishEpoch(ctx, e.record()); err != nil {
				return err
			}
		}
		next.epochs = append(next.epochs, e)
		a.log.Info("published epoch", "epoch", e.ID, "not_before", e.NotBefore, "not_after", e.NotAfter)
	}

	a.epochs.Store(next)
	return nil
}
