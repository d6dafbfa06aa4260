// Package testutil provides shared fixtures for broker tests: valid
// bridge descriptors, operator-signed heartbeat envelopes and account
// secret hashes.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtexx/geph5/crypto"
	"github.com/xtexx/geph5/protocol"
)

// Descriptor returns a structurally valid bridge descriptor with a fresh
// operator key and a heartbeat timestamp of now.
func Descriptor(id string, asn uint32, cohort string) *protocol.BridgeDescriptor {
	pub, _, _ := crypto.GenerateKeyPair()
	return &protocol.BridgeDescriptor{
		BridgeID:           id,
		Address:            "192.0.2.10:443",
		TransportPublicKey: pub.String(),
		ASN:                asn,
		Country:            "NL",
		Cohort:             cohort,
		CapacityHint:       10,
		LastHeartbeat:      time.Now(),
	}
}

// SignedDescriptor returns a descriptor wrapped in an envelope signed by
// the operator key the descriptor itself advertises.
func SignedDescriptor(t *testing.T, id string, asn uint32, cohort string) *protocol.HeartbeatRequest {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	desc := &protocol.BridgeDescriptor{
		BridgeID:           id,
		Address:            "192.0.2.10:443",
		TransportPublicKey: pub.String(),
		ASN:                asn,
		Cohort:             cohort,
		CapacityHint:       10,
		LastHeartbeat:      time.Now(),
	}
	signed, err := protocol.NewSigned(priv, desc)
	require.NoError(t, err)
	return signed
}

// SecretHash bcrypt-hashes an account secret at the cheapest cost, which
// is plenty for tests.
func SecretHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}
