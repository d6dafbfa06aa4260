package protocol

import "time"

// Operation names one entry of the broker's closed RPC surface. The
// gateway builds its routes from an exhaustive table over these values, so
// adding an operation is a compile-visible change.
type Operation string

const (
	OpRequestEpochKeys  Operation = "request_epoch_keys"
	OpIssueCredential   Operation = "issue_credential"
	OpVerifyAndSelect   Operation = "verify_and_select"
	OpBridgeHeartbeat   Operation = "bridge_heartbeat"
	OpReportBridgeIssue Operation = "report_bridge_issue"
)

// EpochInfo publishes one epoch's verification material.
type EpochInfo struct {
	EpochID   uint32    `json:"epoch_id"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	// Keys maps entitlement tier to the PKCS#1 DER verification key for
	// that tier. Tokens signed under one tier's key never verify under
	// another's.
	Keys map[Tier][]byte `json:"keys"`
}

// EpochKeysResponse lists the epochs a client may hold tokens for:
// current, next, and the previous epoch while inside its grace period.
type EpochKeysResponse struct {
	Epochs []EpochInfo `json:"epochs"`
}

// IssueRequest asks the authority to blind-sign an opaque input.
type IssueRequest struct {
	AccountID    string `json:"account_id"`
	AuthSecret   string `json:"auth_secret"`
	BlindedInput []byte `json:"blinded_input"`
}

// IssueResponse carries the raw blind signature and the epoch and tier of
// the key that produced it.
type IssueResponse struct {
	EpochID        uint32 `json:"epoch_id"`
	Tier           Tier   `json:"tier"`
	BlindSignature []byte `json:"blind_signature"`
}

// Token is an unblinded single-use credential. The pair (epoch_id, nonce)
// verifies successfully at most once, ever.
type Token struct {
	EpochID   uint32 `json:"epoch_id"`
	Tier      Tier   `json:"tier"`
	Nonce     []byte `json:"nonce"`
	Signature []byte `json:"signature"`
}

// SelectRequest redeems a token for bridge assignments.
type SelectRequest struct {
	Token Token `json:"token"`
	// Cohort optionally names the bridge subset requested; empty means the
	// public cohort.
	Cohort string `json:"cohort,omitempty"`
	// Exclude lists bridge ids already tried this session.
	Exclude []string `json:"exclude,omitempty"`
	// Count caps the number of returned bridges; zero means the broker's
	// configured default.
	Count int `json:"count,omitempty"`
}

// SelectResponse returns the assignment, diversity-ordered.
type SelectResponse struct {
	Bridges []BridgeDescriptor `json:"bridges"`
}

// HeartbeatRequest is an operator-signed descriptor upsert.
type HeartbeatRequest = Signed[BridgeDescriptor]

// ReportRequest feeds the abuse-event log.
type ReportRequest struct {
	BridgeID string `json:"bridge_id"`
	Reason   string `json:"reason"`
}

// OkResponse acknowledges a write-style operation.
type OkResponse struct {
	OK bool `json:"ok"`
}
