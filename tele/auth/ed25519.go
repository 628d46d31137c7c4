package teleauth

import (
	"crypto/ed25519"
	"io"

	"github.com/juju/errors"
	"github.com/temoto/envtele/reading"
)

// Ed25519 signature is exactly 64 bytes: R then S.
type ed25519Signer struct{ priv ed25519.PrivateKey }
type ed25519Verifier struct{ pub ed25519.PublicKey }

func newEd25519Signer(b []byte) ed25519Signer {
	if len(b) == ed25519.SeedSize {
		return ed25519Signer{priv: ed25519.NewKeyFromSeed(b)}
	}
	return ed25519Signer{priv: append(ed25519.PrivateKey(nil), b...)}
}

func newEd25519Verifier(b []byte) ed25519Verifier {
	return ed25519Verifier{pub: append(ed25519.PublicKey(nil), b...)}
}

func (e ed25519Signer) Sign(encoded []byte) (r, s [reading.TagHalfSize]byte, err error) {
	sig := ed25519.Sign(e.priv, encoded)
	copy(r[:], sig[:reading.TagHalfSize])
	copy(s[:], sig[reading.TagHalfSize:])
	return r, s, nil
}

func (e ed25519Verifier) Verify(encoded, r, s []byte) bool {
	if len(r) != reading.TagHalfSize || len(s) != reading.TagHalfSize {
		return false
	}
	sig := make([]byte, 0, ed25519.SignatureSize)
	sig = append(sig, r...)
	sig = append(sig, s...)
	return ed25519.Verify(e.pub, encoded, sig)
}

func generateEd25519(rand io.Reader) (signer, verifier Key, err error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return Key{}, Key{}, errors.Annotate(err, "ed25519")
	}
	return Key{Scheme: SchemeEd25519, Bytes: priv.Seed()}, Key{Scheme: SchemeEd25519, Bytes: []byte(pub)}, nil
}
