package sphinx

import (
	"crypto/rand"

	"filippo.io/edwards25519"
)

// PrivateKey is a mix node's long-term private scalar (SPEC_FULL.md §6:
// "The core persists only the node's long-term private scalar").
type PrivateKey struct {
	scalar *edwards25519.Scalar
}

// NewPrivateKey generates a fresh random private scalar.
func NewPrivateKey() (PrivateKey, error) {
	var wide [64]byte
	if _, err := rand.Read(wide[:]); err != nil {
		return PrivateKey{}, err
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		return PrivateKey{}, err
	}
	return PrivateKey{scalar: s}, nil
}

// PrivateKeyFromCanonicalBytes loads a 32-byte canonically-encoded scalar,
// as persisted to disk by server/nodekey.go.
func PrivateKeyFromCanonicalBytes(b []byte) (PrivateKey, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return PrivateKey{}, err
	}
	return PrivateKey{scalar: s}, nil
}

// Bytes returns the canonical 32-byte encoding of the private scalar.
func (k PrivateKey) Bytes() []byte {
	return k.scalar.Bytes()
}

// PublicKey returns the long-term public group element, basepoint*scalar.
// The mix node itself never uses its own public key (SPEC_FULL.md §3); it
// exists for sender-side layer encryption.
func (k PrivateKey) PublicKey() []byte {
	p := new(edwards25519.Point).ScalarBaseMult(k.scalar)
	return p.Bytes()
}

// sharedSecret performs step 3 of SPEC_FULL.md §4.C: scalar multiplication
// of the node's private scalar with the packet's ephemeral point.
// ephemeralRaw must be exactly EphemeralSize bytes. Returns ErrMalformedPacket
// if the bytes do not decode to a valid group element.
func (k PrivateKey) sharedSecret(ephemeralRaw []byte) ([]byte, ProcessingError) {
	ephemeral, err := new(edwards25519.Point).SetBytes(ephemeralRaw)
	if err != nil {
		return nil, ProcessingError{Kind: ErrMalformedPacket}
	}
	shared := new(edwards25519.Point).ScalarMult(k.scalar, ephemeral)
	return shared.Bytes(), ProcessingError{}
}

// blindEphemeral performs step 7 of SPEC_FULL.md §4.C: multiply the input
// ephemeral by the scalar interpretation of the blinding factor, producing
// the outgoing ephemeral for the Forward branch.
func blindEphemeral(ephemeralRaw []byte, blindingWide []byte) ([]byte, ProcessingError) {
	ephemeral, err := new(edwards25519.Point).SetBytes(ephemeralRaw)
	if err != nil {
		return nil, ProcessingError{Kind: ErrMalformedPacket}
	}
	blindScalar, err := edwards25519.NewScalar().SetUniformBytes(blindingWide)
	if err != nil {
		return nil, ProcessingError{Kind: ErrMalformedPacket}
	}
	out := new(edwards25519.Point).ScalarMult(blindScalar, ephemeral)
	return out.Bytes(), ProcessingError{}
}
