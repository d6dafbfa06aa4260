package protocol

import (
	"net/netip"
	"time"

	"github.com/xtexx/geph5/crypto"
)

// CohortPublic is the default cohort for bridges that do not declare one.
const CohortPublic = "public"

// Tier is an account entitlement level. Higher tiers unlock gated cohorts.
type Tier int

const (
	// TierFree is the baseline entitlement.
	TierFree Tier = 1
	// TierPlus is the paid entitlement, required for premium cohorts.
	TierPlus Tier = 2
)

// Valid reports whether the tier is a recognized entitlement level.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPlus
}

// BridgeDescriptor is the registry's record of a proxy relay endpoint.
// It is produced and signed by the owning operator; clients never mutate
// it. The descriptor is also the wire form returned from selection.
type BridgeDescriptor struct {
	// BridgeID uniquely identifies the bridge across heartbeats.
	BridgeID string `json:"bridge_id"`

	// Address is the dialable host:port of the relay.
	Address string `json:"address"`

	// TransportPublicKey is the hex Ed25519 key clients use for the
	// obfuscated transport handshake. It doubles as the operator identity
	// that must sign heartbeats for this bridge.
	TransportPublicKey string `json:"transport_public_key"`

	// ASN is the autonomous system the bridge address belongs to. Zero
	// means unknown and is filled in by the broker at heartbeat time.
	ASN uint32 `json:"asn"`

	// Country is the ISO 3166-1 alpha-2 of the bridge's location.
	Country string `json:"country,omitempty"`

	// Cohort names the bridge subset this bridge serves. Premium cohorts
	// are entitlement-gated at selection time.
	Cohort string `json:"cohort"`

	// CapacityHint is the operator's estimate of concurrent sessions the
	// bridge can absorb. Selection weights toward spare capacity.
	CapacityHint int `json:"capacity_hint"`

	// LastHeartbeat is the operator-reported descriptor timestamp.
	// Conflicting heartbeats for the same bridge resolve by this field,
	// not by arrival order.
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Validate checks the structural requirements for a heartbeat. A
// descriptor failing validation must not mutate registry state.
func (d *BridgeDescriptor) Validate() error {
	if d.BridgeID == "" {
		return NewError(KindMalformed, "missing bridge_id")
	}
	if _, err := netip.ParseAddrPort(d.Address); err != nil {
		return NewError(KindMalformed, "bad bridge address")
	}
	if _, err := crypto.NewPublicKeyFromString(d.TransportPublicKey); err != nil {
		return NewError(KindMalformed, "bad transport public key")
	}
	if d.CapacityHint < 0 {
		return NewError(KindMalformed, "negative capacity hint")
	}
	if d.Cohort == "" {
		d.Cohort = CohortPublic
	}
	return nil
}

// Addr returns the parsed bridge address. Validate must have succeeded.
func (d *BridgeDescriptor) Addr() netip.AddrPort {
	ap, _ := netip.ParseAddrPort(d.Address)
	return ap
}
