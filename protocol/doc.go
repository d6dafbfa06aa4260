// Package protocol defines the broker's wire surface.
//
// It contains the types exchanged between clients, bridge operators and the
// broker: bridge descriptors, the RPC request and response messages, the
// closed operation set, the structured error taxonomy, and the Signed[T]
// envelope that authenticates operator heartbeats.
//
// The package is intentionally free of broker internals; everything here is
// serializable and safe to hand to the outside world. Internal failures are
// mapped onto the Error taxonomy before they cross this boundary, so a
// client can distinguish "retry later" from "this request can never
// succeed" without learning which internal check failed.
//
// # Operations
//
//   - request_epoch_keys: publishes current, next and grace-period epoch
//     verification keys so clients can pre-fetch before a rollover
//   - issue_credential: blind-signs an opaque input for an entitled account
//   - verify_and_select: redeems a credential and returns bridge
//     assignments
//   - bridge_heartbeat: operator-signed descriptor upsert
//   - report_bridge_issue: appends to the abuse-event log
package protocol
