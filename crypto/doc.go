// Package crypto provides the cryptographic primitives for the broker.
//
// This package implements the operations required for anonymous,
// unforgeable access credentials and operator-authenticated messages:
//
//   - RSA blind signatures for credential issuance: the authority signs a
//     blinded value without learning the nonce a client will later present
//   - Full-domain hashing of nonces into the RSA modulus
//   - Digital signatures (Ed25519) for bridge operator identity
//
// The crypto package provides low-level primitives that are used by the
// credential authority and the bridge heartbeat path.
// Note: the blind-signature big-integer math is not constant-time; the
// blinded input is opaque to the signer, so timing leaks nothing about
// the eventual nonce.
//
// # Blind Signatures
//
// The scheme is RSA-FDH blind signing:
//   - Blind: m = FDH(nonce); blinded = m * r^e mod N
//   - BlindSign: s' = blinded^d mod N (authority side)
//   - Unblind: s = s' * r^-1 mod N
//   - VerifyUnblinded: s^e mod N == FDH(nonce)
//
// Blinding and unblinding happen on the client; they are included here so
// tests and tooling can exercise the full round trip.
//
// # Key Management
//
// Ed25519 is used for operator signing. RSA epoch signing keys are held
// only in memory by the credential authority; their public halves travel
// as PKCS#1 DER.
package crypto
