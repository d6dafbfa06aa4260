package protocol

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xtexx/geph5/crypto"
)

func validDescriptor() BridgeDescriptor {
	pub, _, _ := crypto.GenerateKeyPair()
	return BridgeDescriptor{
		BridgeID:           "br-1",
		Address:            "192.0.2.10:443",
		TransportPublicKey: pub.String(),
		ASN:                64500,
		Country:            "NL",
		Cohort:             "public",
		CapacityHint:       100,
		LastHeartbeat:      time.Now(),
	}
}

func TestBridgeDescriptorValidate(t *testing.T) {
	d := validDescriptor()
	require.NoError(t, d.Validate())

	missing := d
	missing.BridgeID = ""
	require.Error(t, missing.Validate())

	badAddr := d
	badAddr.Address = "not-an-address"
	err := badAddr.Validate()
	require.Error(t, err)
	require.Equal(t, KindMalformed, KindOf(err))

	badKey := d
	badKey.TransportPublicKey = "zz"
	require.Error(t, badKey.Validate())

	negative := d
	negative.CapacityHint = -1
	require.Error(t, negative.Validate())
}

func TestValidateDefaultsCohort(t *testing.T) {
	d := validDescriptor()
	d.Cohort = ""
	require.NoError(t, d.Validate())
	require.Equal(t, CohortPublic, d.Cohort)
}

func TestSignedRecover(t *testing.T) {
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	d := validDescriptor()
	signed, err := NewSigned(priv, &d)
	require.NoError(t, err)

	obj, signer, err := signed.Recover()
	require.NoError(t, err)
	require.Equal(t, d.BridgeID, obj.BridgeID)

	expected, err := priv.PublicKey()
	require.NoError(t, err)
	require.True(t, signer.Equal(expected))
}

func TestSignedRecoverRejectsTampering(t *testing.T) {
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	d := validDescriptor()
	signed, err := NewSigned(priv, &d)
	require.NoError(t, err)

	signed.Object.CapacityHint = 9999
	_, _, err = signed.Recover()
	require.Error(t, err)
}

func TestErrorKindMapping(t *testing.T) {
	require.Equal(t, http.StatusTooManyRequests, KindRateLimited.HTTPStatus())
	require.Equal(t, http.StatusForbidden, KindReplayedNonce.HTTPStatus())
	require.Equal(t, http.StatusServiceUnavailable, KindServiceUnavailable.HTTPStatus())

	require.True(t, KindServiceUnavailable.Retryable())
	require.True(t, KindTimeout.Retryable())
	require.False(t, KindInvalidSignature.Retryable())
	require.False(t, KindReplayedNonce.Retryable())
}

func TestKindOf(t *testing.T) {
	wrapped := errors.Join(errors.New("outer"), NewError(KindEpochUnknown, ""))
	require.Equal(t, KindEpochUnknown, KindOf(wrapped))
	require.Equal(t, KindServiceUnavailable, KindOf(errors.New("db down")))
}
