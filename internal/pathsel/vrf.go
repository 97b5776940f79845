package pathsel

import (
	"crypto/rand"
	"crypto/sha512"

	"filippo.io/edwards25519"
)

// ProofSize is the fixed size of a VRF proof: Gamma || c || s, each a
// 32-byte edwards25519 encoding.
const ProofSize = 96

// OutputSize is the fixed size of a VRF output.
const OutputSize = 64

// VRFPrivateKey is the node's VRF signing key (SPEC_FULL.md §6: "the VRF
// signing key" is persisted alongside the long-term private scalar). It is
// a Schnorr-style verifiable-random-function construction over
// edwards25519: a third party holding VRFPublicKey can reproduce and check
// Prove's output without learning the private scalar, satisfying
// spec.md §4.E's "Verifiability" requirement.
type VRFPrivateKey struct {
	scalar *edwards25519.Scalar
	pub    *edwards25519.Point
}

// NewVRFKey generates a fresh random VRF signing key.
func NewVRFKey() (VRFPrivateKey, error) {
	var wide [64]byte
	if _, err := rand.Read(wide[:]); err != nil {
		return VRFPrivateKey{}, err
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		return VRFPrivateKey{}, err
	}
	pub := new(edwards25519.Point).ScalarBaseMult(s)
	return VRFPrivateKey{scalar: s, pub: pub}, nil
}

// VRFKeyFromCanonicalBytes loads a 32-byte canonically-encoded scalar, as
// persisted to disk by server/nodekey.go alongside the Sphinx private
// scalar.
func VRFKeyFromCanonicalBytes(b []byte) (VRFPrivateKey, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return VRFPrivateKey{}, err
	}
	pub := new(edwards25519.Point).ScalarBaseMult(s)
	return VRFPrivateKey{scalar: s, pub: pub}, nil
}

// Bytes returns the canonical 32-byte encoding of the private scalar.
func (k VRFPrivateKey) Bytes() []byte {
	return k.scalar.Bytes()
}

// VRFPublicKey is the 32-byte public counterpart used to verify proofs.
type VRFPublicKey [32]byte

// Public returns the key's public counterpart.
func (k VRFPrivateKey) Public() VRFPublicKey {
	var out VRFPublicKey
	copy(out[:], k.pub.Bytes())
	return out
}

// hashToPoint deterministically maps (pub || alpha) to a curve point, used
// as the base H for the VRF. This is not a constant-time hash-to-curve in
// the RFC 9381 sense; it is a uniform-scalar multiply of the basepoint,
// which is sufficient for the verifiability property this spec needs
// (deterministic, publicly reproducible, and not attacker-steerable
// without knowing the hash preimage).
func hashToPoint(pub []byte, alpha []byte) *edwards25519.Point {
	h := sha512.New()
	h.Write([]byte("MIXNODE_VRF_H_v1"))
	h.Write(pub)
	h.Write(alpha)
	var wide [64]byte
	copy(wide[:], h.Sum(nil))
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		// SetUniformBytes only fails on wrong-length input; wide is always
		// 64 bytes, so this is unreachable.
		panic("pathsel: hashToPoint: " + err.Error())
	}
	return new(edwards25519.Point).ScalarBaseMult(s)
}

func hashToScalar(parts ...[]byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write([]byte("MIXNODE_VRF_C_v1"))
	for _, p := range parts {
		h.Write(p)
	}
	var wide [64]byte
	copy(wide[:], h.Sum(nil))
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		panic("pathsel: hashToScalar: " + err.Error())
	}
	return s
}

// Prove implements SPEC_FULL.md §4.E step 3a: sign alpha (seed || hop
// index, supplied by the caller) producing a fixed-size proof whose
// output's first 8 bytes form the selection integer.
func (k VRFPrivateKey) Prove(alpha []byte) (output [OutputSize]byte, proof [ProofSize]byte) {
	pubBytes := k.pub.Bytes()
	H := hashToPoint(pubBytes, alpha)
	Gamma := new(edwards25519.Point).ScalarMult(k.scalar, H)

	nonce := hashToScalar(k.scalar.Bytes(), alpha)
	kB := new(edwards25519.Point).ScalarBaseMult(nonce)
	kH := new(edwards25519.Point).ScalarMult(nonce, H)

	c := hashToScalar(H.Bytes(), Gamma.Bytes(), kB.Bytes(), kH.Bytes())
	s := new(edwards25519.Scalar).Add(nonce, new(edwards25519.Scalar).Multiply(c, k.scalar))

	copy(proof[0:32], Gamma.Bytes())
	copy(proof[32:64], c.Bytes())
	copy(proof[64:96], s.Bytes())

	copy(output[:], vrfOutputHash(Gamma.Bytes()))
	return output, proof
}

// VerifyVRF implements the third-party verification side of spec.md
// §4.E's "Verifiability": given pub and the same alpha and proof, any
// observer can recompute output and confirm the proof is valid.
func VerifyVRF(pub VRFPublicKey, alpha []byte, proof [ProofSize]byte) (output [OutputSize]byte, ok bool) {
	pubPoint, err := new(edwards25519.Point).SetBytes(pub[:])
	if err != nil {
		return output, false
	}

	GammaBytes := proof[0:32]
	cBytes := proof[32:64]
	sBytes := proof[64:96]

	Gamma, err := new(edwards25519.Point).SetBytes(GammaBytes)
	if err != nil {
		return output, false
	}
	c, err := edwards25519.NewScalar().SetCanonicalBytes(cBytes)
	if err != nil {
		return output, false
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(sBytes)
	if err != nil {
		return output, false
	}

	H := hashToPoint(pub[:], alpha)

	// U = s*B - c*pub  (should equal the prover's k*B)
	sB := new(edwards25519.Point).ScalarBaseMult(s)
	cPub := new(edwards25519.Point).ScalarMult(c, pubPoint)
	U := new(edwards25519.Point).Subtract(sB, cPub)

	// V = s*H - c*Gamma (should equal the prover's k*H)
	sH := new(edwards25519.Point).ScalarMult(s, H)
	cGamma := new(edwards25519.Point).ScalarMult(c, Gamma)
	V := new(edwards25519.Point).Subtract(sH, cGamma)

	cPrime := hashToScalar(H.Bytes(), Gamma.Bytes(), U.Bytes(), V.Bytes())
	if cPrime.Equal(c) != 1 {
		return output, false
	}

	copy(output[:], vrfOutputHash(GammaBytes))
	return output, true
}

func vrfOutputHash(gamma []byte) []byte {
	h := sha512.New()
	h.Write([]byte("MIXNODE_VRF_OUT_v1"))
	h.Write(gamma)
	return h.Sum(nil)
}
