package sphinx

import (
	"golang.org/x/crypto/blake2b"
)

// Domain-separation labels, distinct per use so that the same shared
// secret never produces the same keystream for two different purposes.
var (
	labelSubkeys       = []byte("MIXNODE_SPHINX_SUBKEYS_v1")
	labelHeaderStream  = []byte("MIXNODE_SPHINX_HEADER_v1")
	labelPayloadStream = []byte("MIXNODE_SPHINX_PAYLOAD_v1")
)

// subkeys holds the three values derived from one packet's shared secret.
// blindingWide is 64 bytes, wider than header/payload keys, because it
// feeds edwards25519's wide-reduction scalar constructor
// (Scalar.SetUniformBytes), which requires exactly 64 uniformly random
// bytes to guarantee an in-range, unbiased scalar without a rejection
// loop. header_key and payload_key remain 32 bytes as named in
// SPEC_FULL.md §4.C.
type subkeys struct {
	header   [32]byte
	payload  [32]byte
	blinding [64]byte
}

// deriveSubkeys implements SPEC_FULL.md §4.C step 4: a keyed XOF over the
// shared secret, domain-separated, producing three independent output
// regions.
func deriveSubkeys(sharedSecret []byte) (subkeys, ProcessingError) {
	var out subkeys

	xof, err := blake2b.NewXOF(blake2b.OutputLengthUnknown, sharedSecret)
	if err != nil {
		return out, ProcessingError{Kind: ErrMalformedPacket}
	}
	if _, err := xof.Write(labelSubkeys); err != nil {
		return out, ProcessingError{Kind: ErrMalformedPacket}
	}

	buf := make([]byte, 32+32+64)
	if _, err := xof.Read(buf); err != nil {
		return out, ProcessingError{Kind: ErrMalformedPacket}
	}

	copy(out.header[:], buf[0:32])
	copy(out.payload[:], buf[32:64])
	copy(out.blinding[:], buf[64:128])
	return out, ProcessingError{}
}

// keystream generates an XOF-derived keystream of the requested length,
// keyed by key and domain-separated by label. Used for both the header
// routing-region decryption and the payload transform, per SPEC_FULL.md
// §4.C steps 5-6: "the same API is used in both branches".
func keystream(key []byte, label []byte, length int) ([]byte, ProcessingError) {
	xof, err := blake2b.NewXOF(blake2b.OutputLengthUnknown, key)
	if err != nil {
		return nil, ProcessingError{Kind: ErrMalformedPacket}
	}
	if _, err := xof.Write(label); err != nil {
		return nil, ProcessingError{Kind: ErrMalformedPacket}
	}
	out := make([]byte, length)
	if _, err := xof.Read(out); err != nil {
		return nil, ProcessingError{Kind: ErrMalformedPacket}
	}
	return out, ProcessingError{}
}
