// Package metrics exposes broker counters in Prometheus text format.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	vm "github.com/VictoriaMetrics/metrics"
)

// MetricsServer serves the scrape endpoint on its own listener, separate
// from the client-facing API.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the named service. An empty listen
// address yields a server whose ListenAndServe fails immediately; callers
// gate startup on the address instead.
func New(name, listenAddr string) (*MetricsServer, error) {
	if name == "" {
		return nil, fmt.Errorf("metrics: empty service name")
	}
	vm.GetOrCreateCounter(fmt.Sprintf(`service_info{name=%q}`, name)).Set(1)

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		vm.WritePrometheus(w, true)
	})
	return &MetricsServer{
		srv: &http.Server{
			Addr:    listenAddr,
			Handler: mux,
		},
	}, nil
}

// ListenAndServe blocks serving scrapes until Shutdown or error.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// Counters below are touched from the hot request path; the underlying
// implementation is lock-free after first creation.

// IncCredentialIssued counts a successful blind signature issuance.
func IncCredentialIssued(tier string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`broker_credentials_issued_total{tier=%q}`, tier)).Inc()
}

// IncVerifyResult counts a token verification by outcome kind, "ok" for
// success.
func IncVerifyResult(kind string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`broker_token_verifications_total{result=%q}`, kind)).Inc()
}

// IncBridgesSelected counts bridges handed out to verified clients.
func IncBridgesSelected(n int) {
	vm.GetOrCreateCounter(`broker_bridges_selected_total`).Add(n)
}

// IncHeartbeat counts accepted bridge heartbeats.
func IncHeartbeat() {
	vm.GetOrCreateCounter(`broker_bridge_heartbeats_total`).Inc()
}

// IncAbuseReport counts accepted abuse reports.
func IncAbuseReport() {
	vm.GetOrCreateCounter(`broker_abuse_reports_total`).Inc()
}

// IncRateLimited counts requests refused by the rate guard.
func IncRateLimited(op string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`broker_rate_limited_total{op=%q}`, op)).Inc()
}

// IncRequestError counts API requests that ended in an error kind.
func IncRequestError(op, kind string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`broker_request_errors_total{op=%q,kind=%q}`, op, kind)).Inc()
}

// SetRegisteredBridges publishes the current live registry size.
func SetRegisteredBridges(fn func() float64) {
	vm.GetOrCreateGauge(`broker_registered_bridges`, fn)
}
