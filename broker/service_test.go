package broker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/xtexx/geph5/credential"
	"github.com/xtexx/geph5/crypto"
	"github.com/xtexx/geph5/geo"
	"github.com/xtexx/geph5/guard"
	"github.com/xtexx/geph5/protocol"
	"github.com/xtexx/geph5/registry"
	"github.com/xtexx/geph5/selection"
	"github.com/xtexx/geph5/store"
	"github.com/xtexx/geph5/testutil"
)

type fakeAccounts struct {
	accounts map[string]store.Account
}

func (f *fakeAccounts) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	acct, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &acct, nil
}

type fakeJournal struct {
	mu   sync.Mutex
	recs map[uint32]store.EpochRecord
}

func (f *fakeJournal) PublishEpoch(ctx context.Context, rec *store.EpochRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recs == nil {
		f.recs = make(map[uint32]store.EpochRecord)
	}
	f.recs[rec.EpochID] = *rec
	return nil
}

func (f *fakeJournal) ListEpochs(ctx context.Context, since time.Time) ([]store.EpochRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.EpochRecord
	for _, rec := range f.recs {
		if rec.NotAfter.After(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeHistory struct {
	mu       sync.Mutex
	bridges  []protocol.BridgeDescriptor
	events   []string
	appended chan struct{}
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{appended: make(chan struct{}, 16)}
}

func (f *fakeHistory) AppendBridgeHistory(ctx context.Context, d *protocol.BridgeDescriptor) error {
	f.mu.Lock()
	f.bridges = append(f.bridges, *d)
	f.mu.Unlock()
	f.appended <- struct{}{}
	return nil
}

func (f *fakeHistory) InsertAbuseEvent(ctx context.Context, bridgeID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, bridgeID+"/"+reason)
	return nil
}

type env struct {
	router  chi.Router
	history *fakeHistory
	reg     *registry.Registry
}

func newTestEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	log := slog.Default()

	hash := testutil.SecretHash(t, "hunter2")
	accounts := &fakeAccounts{accounts: map[string]store.Account{
		"acct-free": {
			ID:                "acct-free",
			SecretHash:        hash,
			Tier:              protocol.TierFree,
			EntitlementExpiry: time.Now().Add(24 * time.Hour),
		},
		"acct-plus": {
			ID:                "acct-plus",
			SecretHash:        hash,
			Tier:              protocol.TierPlus,
			EntitlementExpiry: time.Now().Add(24 * time.Hour),
		},
	}}

	limiter := guard.NewInMemory(time.Minute)
	auth, err := credential.NewAuthority(credential.Config{
		EpochDuration:  time.Hour,
		GracePeriod:    10 * time.Minute,
		IssuePerWindow: 100,
	}, accounts, &fakeJournal{}, limiter, []byte("test-salt"), log)
	require.NoError(t, err)

	reg := registry.New(registry.Config{HeartbeatTTL: time.Minute}, log)
	engine := selection.New(selection.Config{
		CohortTiers: map[string]protocol.Tier{"plus": protocol.TierPlus},
	}, reg)
	resolver := geo.NewCachedResolver(geo.StaticResolver(map[netip.Prefix]uint32{
		netip.MustParsePrefix("192.0.2.0/24"): 64500,
	}), time.Minute)

	history := newFakeHistory()
	svc := New(cfg, auth, reg, engine, limiter, history, resolver, log)

	router := chi.NewRouter()
	svc.RegisterRoutes(router)
	return &env{router: router, history: history, reg: reg}
}

func (e *env) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec, rec.Body.Bytes()
}

func (e *env) errKind(t *testing.T, body []byte) protocol.ErrorKind {
	t.Helper()
	var werr protocol.Error
	require.NoError(t, json.Unmarshal(body, &werr))
	return werr.Kind
}

// issueToken walks the real client flow: probe to learn the signing
// epoch, fetch its key, blind a fresh nonce, issue, unblind.
func (e *env) issueToken(t *testing.T, accountID string) protocol.Token {
	t.Helper()

	probe := make([]byte, 32)
	_, err := rand.Read(probe)
	require.NoError(t, err)
	rec, body := e.do(t, http.MethodPost, "/v1/credentials", &protocol.IssueRequest{
		AccountID:    accountID,
		AuthSecret:   "hunter2",
		BlindedInput: probe,
	})
	require.Equal(t, http.StatusOK, rec.Code, string(body))
	var probeResp protocol.IssueResponse
	require.NoError(t, json.Unmarshal(body, &probeResp))

	rec, body = e.do(t, http.MethodGet, "/v1/epochs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var keys protocol.EpochKeysResponse
	require.NoError(t, json.Unmarshal(body, &keys))
	var der []byte
	for _, info := range keys.Epochs {
		if info.EpochID == probeResp.EpochID {
			der = info.Keys[probeResp.Tier]
		}
	}
	require.NotEmpty(t, der)
	pub, err := crypto.ParsePublicDER(der)
	require.NoError(t, err)

	nonce, err := crypto.NewNonce()
	require.NoError(t, err)
	blinded, unblinder, err := crypto.Blind(pub, nonce)
	require.NoError(t, err)

	rec, body = e.do(t, http.MethodPost, "/v1/credentials", &protocol.IssueRequest{
		AccountID:    accountID,
		AuthSecret:   "hunter2",
		BlindedInput: blinded,
	})
	require.Equal(t, http.StatusOK, rec.Code, string(body))
	var resp protocol.IssueResponse
	require.NoError(t, json.Unmarshal(body, &resp))

	sig, err := unblinder.Unblind(resp.BlindSignature)
	require.NoError(t, err)
	return protocol.Token{
		EpochID:   resp.EpochID,
		Tier:      resp.Tier,
		Nonce:     nonce,
		Signature: sig,
	}
}

// heartbeat sends one operator-signed descriptor through the API.
func (e *env) heartbeat(t *testing.T, id string, asn uint32, cohort string) {
	t.Helper()
	signed := testutil.SignedDescriptor(t, id, asn, cohort)
	rec, body := e.do(t, http.MethodPost, "/v1/heartbeat", signed)
	require.Equal(t, http.StatusOK, rec.Code, string(body))
}

func TestIssueSelectRoundTrip(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.heartbeat(t, "br-1", 64500, "public")
	e.heartbeat(t, "br-2", 64501, "public")

	token := e.issueToken(t, "acct-free")

	rec, body := e.do(t, http.MethodPost, "/v1/select", &protocol.SelectRequest{
		Token: token,
		Count: 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, string(body))
	var resp protocol.SelectResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Bridges, 2)
	require.NotEqual(t, resp.Bridges[0].ASN, resp.Bridges[1].ASN)
}

func TestSelectReplayedToken(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.heartbeat(t, "br-1", 64500, "public")

	token := e.issueToken(t, "acct-free")
	req := &protocol.SelectRequest{Token: token, Count: 1}

	rec, _ := e.do(t, http.MethodPost, "/v1/select", req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := e.do(t, http.MethodPost, "/v1/select", req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, protocol.KindReplayedNonce, e.errKind(t, body))
}

func TestSelectForgedToken(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.heartbeat(t, "br-1", 64500, "public")

	token := e.issueToken(t, "acct-free")
	token.Signature[0] ^= 1

	rec, body := e.do(t, http.MethodPost, "/v1/select", &protocol.SelectRequest{Token: token, Count: 1})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, protocol.KindInvalidSignature, e.errKind(t, body))
}

func TestSelectTierGating(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.heartbeat(t, "prem-1", 64500, "plus")

	free := e.issueToken(t, "acct-free")
	rec, body := e.do(t, http.MethodPost, "/v1/select", &protocol.SelectRequest{
		Token: free, Cohort: "plus", Count: 1,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, protocol.KindInsufficientBridges, e.errKind(t, body))

	plus := e.issueToken(t, "acct-plus")
	rec, body = e.do(t, http.MethodPost, "/v1/select", &protocol.SelectRequest{
		Token: plus, Cohort: "plus", Count: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, string(body))
}

func TestIssueBadCredentials(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec, body := e.do(t, http.MethodPost, "/v1/credentials", &protocol.IssueRequest{
		AccountID:    "acct-free",
		AuthSecret:   "wrong",
		BlindedInput: []byte{1, 2, 3},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, protocol.KindAuthExpired, e.errKind(t, body))

	// Unknown account yields the same kind.
	rec, body = e.do(t, http.MethodPost, "/v1/credentials", &protocol.IssueRequest{
		AccountID:    "nobody",
		AuthSecret:   "hunter2",
		BlindedInput: []byte{1, 2, 3},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, protocol.KindAuthExpired, e.errKind(t, body))
}

func TestHeartbeatFillsASNAndAudits(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.heartbeat(t, "br-1", 0, "public")

	select {
	case <-e.history.appended:
	case <-time.After(2 * time.Second):
		t.Fatal("history append did not happen")
	}

	got, ok := e.reg.Get("br-1")
	require.True(t, ok)
	require.Equal(t, uint32(64500), got.ASN)
}

func TestHeartbeatRejectsWrongSigner(t *testing.T) {
	e := newTestEnv(t, Config{})

	ownerPub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, otherPriv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	desc := protocol.BridgeDescriptor{
		BridgeID:           "br-1",
		Address:            "192.0.2.10:443",
		TransportPublicKey: ownerPub.String(),
		CapacityHint:       10,
		LastHeartbeat:      time.Now(),
	}
	signed, err := protocol.NewSigned(otherPriv, &desc)
	require.NoError(t, err)

	rec, body := e.do(t, http.MethodPost, "/v1/heartbeat", signed)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, protocol.KindInvalidSignature, e.errKind(t, body))
	require.Equal(t, 0, e.reg.Len())
}

func TestReportBridgeIssue(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec, _ := e.do(t, http.MethodPost, "/v1/reports", &protocol.ReportRequest{
		BridgeID: "br-1",
		Reason:   "unreachable",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"br-1/unreachable"}, e.history.events)

	rec, body := e.do(t, http.MethodPost, "/v1/reports", &protocol.ReportRequest{
		BridgeID: "",
		Reason:   "unreachable",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, protocol.KindMalformed, e.errKind(t, body))
}

func TestRateLimitedOperation(t *testing.T) {
	e := newTestEnv(t, Config{ReportPerWindow: 2})

	for i := 0; i < 2; i++ {
		rec, _ := e.do(t, http.MethodPost, "/v1/reports", &protocol.ReportRequest{
			BridgeID: "br-1",
			Reason:   "unreachable",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, body := e.do(t, http.MethodPost, "/v1/reports", &protocol.ReportRequest{
		BridgeID: "br-1",
		Reason:   "unreachable",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, protocol.KindRateLimited, e.errKind(t, body))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMalformedBody(t *testing.T) {
	e := newTestEnv(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/select", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
