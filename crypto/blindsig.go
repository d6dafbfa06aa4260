package crypto

import (
	"crypto/hkdf"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha3"
	"crypto/x509"
	"errors"
	"math/big"
)

// SigningKeyBits is the RSA modulus size for epoch signing keys.
const SigningKeyBits = 2048

// NonceSize is the length of a credential nonce in bytes.
const NonceSize = 32

// ErrBlindedOutOfRange is returned when a blinded input does not encode
// a value inside the signing key's modulus.
var ErrBlindedOutOfRange = errors.New("blinded input out of range for modulus")

// SigningKey is an epoch RSA key used to blind-sign credential requests.
// The private half never leaves the credential authority's memory.
type SigningKey struct {
	key *rsa.PrivateKey
}

// GenerateSigningKey creates a fresh RSA signing key for a new epoch.
func GenerateSigningKey() (*SigningKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, SigningKeyBits)
	if err != nil {
		return nil, err
	}
	return &SigningKey{key: key}, nil
}

// Public returns the verification half of the signing key.
func (k *SigningKey) Public() *rsa.PublicKey {
	return &k.key.PublicKey
}

// PublicDER returns the verification key as PKCS#1 DER, the form published
// to clients through the epoch key listing.
func (k *SigningKey) PublicDER() []byte {
	return x509.MarshalPKCS1PublicKey(&k.key.PublicKey)
}

// ParsePublicDER decodes a PKCS#1 DER verification key.
func ParsePublicDER(der []byte) (*rsa.PublicKey, error) {
	return x509.ParsePKCS1PublicKey(der)
}

// BlindSign applies the private exponent to an opaque blinded input.
// The authority never learns the nonce hidden inside; it only checks that
// the input encodes a value inside the modulus.
func (k *SigningKey) BlindSign(blinded []byte) ([]byte, error) {
	m := new(big.Int).SetBytes(blinded)
	if m.Sign() == 0 || m.Cmp(k.key.N) >= 0 {
		return nil, ErrBlindedOutOfRange
	}
	s := new(big.Int).Exp(m, k.key.D, k.key.N)
	return s.FillBytes(make([]byte, modulusLen(&k.key.PublicKey))), nil
}

// FullDomainHash maps a nonce onto the signing key's modulus.
// The expansion is keyed by the modulus itself so the same nonce hashes to
// unrelated values under different epoch keys.
func FullDomainHash(pub *rsa.PublicKey, nonce []byte) *big.Int {
	k := modulusLen(pub)
	expanded, err := hkdf.Key(sha3.New256, nonce, pub.N.Bytes(), "geph5-credential-fdh", k)
	if err != nil {
		// Only reachable with an absurd output length.
		panic(err)
	}
	m := new(big.Int).SetBytes(expanded)
	return m.Mod(m, pub.N)
}

// Unblinder holds the per-request secret needed to unblind a signature.
// It lives only on the client side.
type Unblinder struct {
	pub  *rsa.PublicKey
	rInv *big.Int
}

// Blind hides a nonce's full-domain hash under a random factor so the
// authority can sign it without seeing it. Returns the opaque blinded
// bytes to submit and the Unblinder for the response.
func Blind(pub *rsa.PublicKey, nonce []byte) ([]byte, *Unblinder, error) {
	m := FullDomainHash(pub, nonce)
	for {
		r, err := rand.Int(rand.Reader, pub.N)
		if err != nil {
			return nil, nil, err
		}
		if r.Sign() == 0 {
			continue
		}
		rInv := new(big.Int).ModInverse(r, pub.N)
		if rInv == nil {
			continue
		}
		blinded := new(big.Int).Exp(r, big.NewInt(int64(pub.E)), pub.N)
		blinded.Mul(blinded, m).Mod(blinded, pub.N)
		return blinded.FillBytes(make([]byte, modulusLen(pub))), &Unblinder{pub: pub, rInv: rInv}, nil
	}
}

// Unblind strips the blinding factor from the authority's blind signature,
// yielding a plain RSA-FDH signature over the nonce.
func (u *Unblinder) Unblind(blindSig []byte) ([]byte, error) {
	s := new(big.Int).SetBytes(blindSig)
	if s.Sign() == 0 || s.Cmp(u.pub.N) >= 0 {
		return nil, ErrBlindedOutOfRange
	}
	s.Mul(s, u.rInv).Mod(s, u.pub.N)
	return s.FillBytes(make([]byte, modulusLen(u.pub))), nil
}

// VerifyUnblinded checks an unblinded signature against a nonce.
func VerifyUnblinded(pub *rsa.PublicKey, nonce, sig []byte) bool {
	s := new(big.Int).SetBytes(sig)
	if s.Sign() == 0 || s.Cmp(pub.N) >= 0 {
		return false
	}
	recovered := new(big.Int).Exp(s, big.NewInt(int64(pub.E)), pub.N)
	return recovered.Cmp(FullDomainHash(pub, nonce)) == 0
}

// NewNonce draws a fresh credential nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

func modulusLen(pub *rsa.PublicKey) int {
	return (pub.N.BitLen() + 7) / 8
}
