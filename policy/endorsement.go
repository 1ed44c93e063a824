package policy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// endorsementMagic prefixes every endorsement bundle payload, distinguishing
// it from an ordinary application payload or an ACK payload during
// Delivered-event ingestion.
var endorsementMagic = []byte("VEIL_ENDORSE_V1")

// endorsementDomain is the BLAKE3 domain separator for the signing preimage.
var endorsementDomain = []byte("veil-endorsement-v1")

// ErrNotAnEndorsement is returned by DecodeEndorsement when the bytes do
// not carry endorsementMagic.
var ErrNotAnEndorsement = errors.New("policy: payload is not an endorsement bundle")

// ErrEndorsementSignatureInvalid is returned by IngestEndorsement when the
// bundle's signature does not verify under its claimed endorser pubkey.
var ErrEndorsementSignatureInvalid = errors.New("policy: endorsement signature invalid")

// EndorsementBundle is a signed directed edge: Endorser vouches for
// Publisher as of Step.
type EndorsementBundle struct {
	Endorser  Pubkey
	Publisher Pubkey
	Step      uint64
	Signature [64]byte
}

type wireEndorsement struct {
	_         struct{} `cbor:",toarray"`
	Endorser  []byte
	Publisher []byte
	Step      uint64
	Signature []byte
}

// SigningPreimage returns the BLAKE3-domain-separated bytes the endorser
// signs: "veil-endorsement-v1" ‖ endorser ‖ publisher ‖ step_be.
func (b EndorsementBundle) SigningPreimage() [32]byte {
	var stepBE [8]byte
	binary.BigEndian.PutUint64(stepBE[:], b.Step)

	h := blake3.New()
	h.Write(endorsementDomain)
	h.Write(b.Endorser[:])
	h.Write(b.Publisher[:])
	h.Write(stepBE[:])
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// EncodeEndorsement serializes b as magic ‖ CBOR(wireEndorsement), ready to
// hand to a publish pipeline as an (unsigned, at the object level) payload.
func EncodeEndorsement(b EndorsementBundle) ([]byte, error) {
	encoded, err := cbor.Marshal(wireEndorsement{
		Endorser:  b.Endorser[:],
		Publisher: b.Publisher[:],
		Step:      b.Step,
		Signature: b.Signature[:],
	})
	if err != nil {
		return nil, fmt.Errorf("policy: encode endorsement: %w", err)
	}
	return append(append([]byte(nil), endorsementMagic...), encoded...), nil
}

// DecodeEndorsement parses an EndorsementBundle, returning ErrNotAnEndorsement
// if data lacks the magic prefix.
func DecodeEndorsement(data []byte) (*EndorsementBundle, error) {
	if len(data) < len(endorsementMagic) || !bytes.Equal(data[:len(endorsementMagic)], endorsementMagic) {
		return nil, ErrNotAnEndorsement
	}
	var w wireEndorsement
	if err := cbor.Unmarshal(data[len(endorsementMagic):], &w); err != nil {
		return nil, fmt.Errorf("policy: decode endorsement: %w", err)
	}
	if len(w.Endorser) != 32 || len(w.Publisher) != 32 || len(w.Signature) != 64 {
		return nil, fmt.Errorf("policy: decode endorsement: malformed field lengths")
	}
	var b EndorsementBundle
	copy(b.Endorser[:], w.Endorser)
	copy(b.Publisher[:], w.Publisher)
	b.Step = w.Step
	copy(b.Signature[:], w.Signature)
	return &b, nil
}

// EndorsementVerifier is the capability this package needs to check an
// endorser's authority over a bundle -- a plain veilcrypto.Verifier narrowed
// to this call shape so policy never imports the veilcrypto package, which
// would otherwise pull cipher/signer concerns into a package that only
// needs to check one signature kind.
type EndorsementVerifier interface {
	Verify(pubkey [32]byte, digest [32]byte, sig [64]byte) (bool, error)
}

// IngestEndorsement implements the endorsement ingestion path: if payload
// decodes as an EndorsementBundle and the endorser's signature
// over SigningPreimage() verifies, the edge is recorded and the publisher
// re-classified. Returns (false, nil) for any payload that simply isn't an
// endorsement bundle -- that is not an error, just "not for this package".
func (e *Engine) IngestEndorsement(payload []byte, verifier EndorsementVerifier) (bool, TrustTier, error) {
	bundle, err := DecodeEndorsement(payload)
	if err != nil {
		return false, Unknown, nil
	}
	if verifier == nil {
		return false, Unknown, ErrEndorsementSignatureInvalid
	}
	ok, err := verifier.Verify(bundle.Endorser, bundle.SigningPreimage(), bundle.Signature)
	if err != nil {
		return false, Unknown, fmt.Errorf("policy: verify endorsement: %w", err)
	}
	if !ok {
		return false, Unknown, ErrEndorsementSignatureInvalid
	}
	e.AddEndorsement(bundle.Endorser, bundle.Publisher, bundle.Step)
	return true, e.Classify(bundle.Publisher), nil
}
