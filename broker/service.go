// Package broker exposes the credential authority, bridge registry and
// selection engine as the client-facing RPC surface.
//
// The surface is closed: routes are built from an exhaustive table over
// the protocol operation set, every response body is JSON, and every
// failure is one of the protocol error kinds. Callers are throttled per
// operation under salted identity keys before any handler work happens.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/xtexx/geph5/credential"
	"github.com/xtexx/geph5/geo"
	"github.com/xtexx/geph5/guard"
	"github.com/xtexx/geph5/metrics"
	"github.com/xtexx/geph5/protocol"
	"github.com/xtexx/geph5/registry"
	"github.com/xtexx/geph5/selection"

	"github.com/go-chi/chi/v5"
)

// HistorySink receives the durable side effects of gateway operations:
// descriptor history rows and abuse events. The store satisfies it; tests
// substitute fakes.
type HistorySink interface {
	AppendBridgeHistory(ctx context.Context, d *protocol.BridgeDescriptor) error
	InsertAbuseEvent(ctx context.Context, bridgeID, reason string) error
}

// Config tunes the gateway's outer surface.
type Config struct {
	// RequestTimeout bounds each handler, body read included.
	RequestTimeout time.Duration

	// GuardSalt feeds the limiter identity hash. It must match the salt
	// the authority uses so one caller has one throttling identity.
	GuardSalt []byte

	// Per-operation request budgets per limiter window, keyed by caller
	// address. Zero means the default for that operation.
	EpochKeysPerWindow int
	IssuePerWindow     int
	SelectPerWindow    int
	HeartbeatPerWindow int
	ReportPerWindow    int

	// MaxReasonLength caps the free-text reason of an abuse report.
	MaxReasonLength int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 10 * time.Second
	}
	if out.EpochKeysPerWindow <= 0 {
		out.EpochKeysPerWindow = 120
	}
	if out.IssuePerWindow <= 0 {
		out.IssuePerWindow = 30
	}
	if out.SelectPerWindow <= 0 {
		out.SelectPerWindow = 60
	}
	if out.HeartbeatPerWindow <= 0 {
		out.HeartbeatPerWindow = 120
	}
	if out.ReportPerWindow <= 0 {
		out.ReportPerWindow = 20
	}
	if out.MaxReasonLength <= 0 {
		out.MaxReasonLength = 512
	}
	return out
}

// Service is the RPC gateway. It owns no domain state; it validates,
// throttles, dispatches and translates errors.
type Service struct {
	cfg       Config
	log       *slog.Logger
	authority *credential.Authority
	registry  *registry.Registry
	engine    *selection.Engine
	limiter   guard.Limiter
	history   HistorySink
	asn       *geo.CachedResolver
}

// New wires a gateway over its collaborators. history and asn may be nil;
// the corresponding side effects are then skipped.
func New(cfg Config, authority *credential.Authority, reg *registry.Registry, engine *selection.Engine, limiter guard.Limiter, history HistorySink, asn *geo.CachedResolver, log *slog.Logger) *Service {
	s := &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		authority: authority,
		registry:  reg,
		engine:    engine,
		limiter:   limiter,
		history:   history,
		asn:       asn,
	}
	metrics.SetRegisteredBridges(func() float64 { return float64(reg.Len()) })
	return s
}

type route struct {
	method  string
	path    string
	limit   int
	handler http.HandlerFunc
}

// routes is the exhaustive operation table. A protocol operation missing
// here is unreachable, which is the point.
func (s *Service) routes() map[protocol.Operation]route {
	return map[protocol.Operation]route{
		protocol.OpRequestEpochKeys:  {http.MethodGet, "/v1/epochs", s.cfg.EpochKeysPerWindow, s.handleEpochKeys},
		protocol.OpIssueCredential:   {http.MethodPost, "/v1/credentials", s.cfg.IssuePerWindow, s.handleIssue},
		protocol.OpVerifyAndSelect:   {http.MethodPost, "/v1/select", s.cfg.SelectPerWindow, s.handleSelect},
		protocol.OpBridgeHeartbeat:   {http.MethodPost, "/v1/heartbeat", s.cfg.HeartbeatPerWindow, s.handleHeartbeat},
		protocol.OpReportBridgeIssue: {http.MethodPost, "/v1/reports", s.cfg.ReportPerWindow, s.handleReport},
	}
}

// RegisterRoutes mounts every operation with its throttle and timeout.
func (s *Service) RegisterRoutes(r chi.Router) {
	for op, rt := range s.routes() {
		r.Method(rt.method, rt.path, s.guarded(op, rt.limit, rt.handler))
	}
}

// guarded wraps a handler with the per-caller throttle and the request
// deadline.
func (s *Service) guarded(op protocol.Operation, limit int, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := guard.IdentityKey(s.cfg.GuardSalt, string(op), callerAddr(r))
		if d := s.limiter.Allow(key, limit); !d.Allowed {
			metrics.IncRateLimited(string(op))
			retry := time.Until(d.ResetAt)
			if retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			}
			s.writeError(w, op, protocol.NewError(protocol.KindRateLimited, "request budget exhausted"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	})
}

func (s *Service) handleEpochKeys(w http.ResponseWriter, r *http.Request) {
	resp := s.authority.EpochKeys()
	s.writeJSON(w, http.StatusOK, &resp)
}

func (s *Service) handleIssue(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.IssueRequest](r.Body)
	if err != nil {
		s.writeError(w, protocol.OpIssueCredential, protocol.NewError(protocol.KindMalformed, "bad request body"))
		return
	}

	resp, err := s.authority.Issue(r.Context(), req.AccountID, req.AuthSecret, req.BlindedInput)
	if err != nil {
		s.writeError(w, protocol.OpIssueCredential, err)
		return
	}

	metrics.IncCredentialIssued(strconv.Itoa(int(resp.Tier)))
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleSelect(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.SelectRequest](r.Body)
	if err != nil {
		s.writeError(w, protocol.OpVerifyAndSelect, protocol.NewError(protocol.KindMalformed, "bad request body"))
		return
	}

	if err := s.authority.Verify(r.Context(), &req.Token); err != nil {
		metrics.IncVerifyResult(string(protocol.KindOf(err)))
		s.writeError(w, protocol.OpVerifyAndSelect, err)
		return
	}
	metrics.IncVerifyResult("ok")

	bridges, err := s.engine.Select(selection.Context{
		Tier:    req.Token.Tier,
		Cohort:  req.Cohort,
		Exclude: req.Exclude,
		Count:   req.Count,
	})
	if err != nil {
		// The token's nonce is already burned. Callers retrying an empty
		// pool need a fresh credential, which the error kind signals.
		s.writeError(w, protocol.OpVerifyAndSelect, err)
		return
	}

	metrics.IncBridgesSelected(len(bridges))
	s.writeJSON(w, http.StatusOK, &protocol.SelectResponse{Bridges: bridges})
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	signed, err := protocol.DecodeMessage[protocol.HeartbeatRequest](r.Body)
	if err != nil {
		s.writeError(w, protocol.OpBridgeHeartbeat, protocol.NewError(protocol.KindMalformed, "bad request body"))
		return
	}

	desc, signer, err := signed.Recover()
	if err != nil {
		s.writeError(w, protocol.OpBridgeHeartbeat, protocol.NewError(protocol.KindInvalidSignature, "heartbeat signature invalid"))
		return
	}
	if err := desc.Validate(); err != nil {
		s.writeError(w, protocol.OpBridgeHeartbeat, err)
		return
	}
	// The signer must be the operator identity the descriptor itself
	// advertises, or anyone could overwrite another operator's bridge.
	if !strings.EqualFold(signer.String(), desc.TransportPublicKey) {
		s.writeError(w, protocol.OpBridgeHeartbeat, protocol.NewError(protocol.KindInvalidSignature, "signer does not own descriptor"))
		return
	}

	if desc.ASN == 0 && s.asn != nil {
		if asn, err := s.asn.ASN(r.Context(), desc.Addr().Addr()); err == nil {
			desc.ASN = asn
		} else {
			s.log.Warn("ASN lookup failed", "bridge", desc.BridgeID, "err", err)
		}
	}

	if err := s.registry.Heartbeat(desc); err != nil {
		s.writeError(w, protocol.OpBridgeHeartbeat, err)
		return
	}
	metrics.IncHeartbeat()

	if s.history != nil {
		// Audit append is off the request path; losing a row never fails
		// a heartbeat.
		historyCopy := *desc
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			defer cancel()
			if err := s.history.AppendBridgeHistory(ctx, &historyCopy); err != nil {
				s.log.Warn("bridge history append failed", "bridge", historyCopy.BridgeID, "err", err)
			}
		}()
	}

	s.writeJSON(w, http.StatusOK, &protocol.OkResponse{OK: true})
}

func (s *Service) handleReport(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.ReportRequest](r.Body)
	if err != nil {
		s.writeError(w, protocol.OpReportBridgeIssue, protocol.NewError(protocol.KindMalformed, "bad request body"))
		return
	}
	if req.BridgeID == "" || req.Reason == "" || len(req.Reason) > s.cfg.MaxReasonLength {
		s.writeError(w, protocol.OpReportBridgeIssue, protocol.NewError(protocol.KindMalformed, "bad report"))
		return
	}

	if s.history != nil {
		if err := s.history.InsertAbuseEvent(r.Context(), req.BridgeID, req.Reason); err != nil {
			s.writeError(w, protocol.OpReportBridgeIssue, err)
			return
		}
	}
	metrics.IncAbuseReport()
	s.writeJSON(w, http.StatusOK, &protocol.OkResponse{OK: true})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("response encode failed", "err", err)
	}
}

// writeError collapses err into the wire taxonomy and logs the original.
func (s *Service) writeError(w http.ResponseWriter, op protocol.Operation, err error) {
	kind := protocol.KindOf(err)
	metrics.IncRequestError(string(op), string(kind))

	body := protocol.NewError(kind, "")
	var perr *protocol.Error
	if kind != protocol.KindServiceUnavailable && errors.As(err, &perr) {
		// Unclassified internals stay out of the body.
		body.Message = perr.Message
	}
	if kind == protocol.KindServiceUnavailable || kind == protocol.KindTimeout {
		s.log.Error("request failed", "op", string(op), "kind", string(kind), "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		s.log.Error("error encode failed", "err", encErr)
	}
}

// callerAddr returns the throttling address for a request. RealIP
// middleware has already folded forwarded headers into RemoteAddr.
func callerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.String()
	}
	return host
}
