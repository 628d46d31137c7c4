// Package teleauth produces and checks the 64 byte authentication tag (r, s)
// appended to every encoded reading.
package teleauth

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/envtele/reading"
)

const TagSize = 2 * reading.TagHalfSize

type Scheme string

const (
	SchemeHMAC    Scheme = "hmac-sha512"
	SchemeEd25519 Scheme = "ed25519"
	// Fixed pattern, depends only on input length. Interop with old devices only.
	SchemeLegacy Scheme = "legacy"

	DefaultScheme = SchemeHMAC
)

// Signer must be deterministic in encoded bytes and key.
type Signer interface {
	Sign(encoded []byte) (r, s [reading.TagHalfSize]byte, err error)
}

// Verifier never panics, any length mismatch is simply false.
type Verifier interface {
	Verify(encoded, r, s []byte) bool
}

// Key is scheme plus raw key bytes, text form "scheme:hex".
type Key struct {
	Scheme Scheme
	Bytes  []byte
}

func (k Key) String() string {
	return string(k.Scheme) + ":" + hex.EncodeToString(k.Bytes)
}

// ParseKey accepts "scheme:hex" or bare hex which means DefaultScheme.
// Lengths valid for either side pass, NewSigner/NewVerifier check their own.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	var k Key
	if i := strings.IndexByte(s, ':'); i >= 0 {
		k.Scheme, s = Scheme(s[:i]), s[i+1:]
	} else {
		k.Scheme = DefaultScheme
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, errors.Annotate(err, "key hex")
	}
	k.Bytes = b
	return k, k.validate(true)
}

func (k Key) validate(signer bool) error {
	switch k.Scheme {
	case SchemeHMAC:
		if len(k.Bytes) < minSecretSize {
			return errors.NotValidf("%s secret length=%d (min %d)", k.Scheme, len(k.Bytes), minSecretSize)
		}
	case SchemeEd25519:
		// signer side: 32 byte seed or 64 byte private key; verifier side: 32 byte public key
		if len(k.Bytes) != 32 && !(signer && len(k.Bytes) == 64) {
			return errors.NotValidf("%s key length=%d", k.Scheme, len(k.Bytes))
		}
	case SchemeLegacy:
	default:
		return errors.NotValidf("scheme=%q", k.Scheme)
	}
	return nil
}

func NewSigner(k Key) (Signer, error) {
	if err := k.validate(true); err != nil {
		return nil, err
	}
	switch k.Scheme {
	case SchemeHMAC:
		return NewHMAC(k.Bytes)
	case SchemeEd25519:
		return newEd25519Signer(k.Bytes), nil
	case SchemeLegacy:
		return Legacy{}, nil
	}
	panic(fmt.Sprintf("code error NewSigner scheme=%s", k.Scheme))
}

func NewVerifier(k Key) (Verifier, error) {
	if err := k.validate(false); err != nil {
		return nil, err
	}
	switch k.Scheme {
	case SchemeHMAC:
		return NewHMAC(k.Bytes)
	case SchemeEd25519:
		return newEd25519Verifier(k.Bytes), nil
	case SchemeLegacy:
		return Legacy{}, nil
	}
	panic(fmt.Sprintf("code error NewVerifier scheme=%s", k.Scheme))
}

// GenerateKey returns device side and server side key material.
// For symmetric schemes both are the same.
func GenerateKey(scheme Scheme, rand io.Reader) (signer, verifier Key, err error) {
	switch scheme {
	case SchemeHMAC:
		b := make([]byte, DefaultSecretSize)
		if _, err = io.ReadFull(rand, b); err != nil {
			return Key{}, Key{}, errors.Annotate(err, "random")
		}
		k := Key{Scheme: scheme, Bytes: b}
		return k, k, nil
	case SchemeEd25519:
		return generateEd25519(rand)
	case SchemeLegacy:
		k := Key{Scheme: scheme}
		return k, k, nil
	}
	return Key{}, Key{}, errors.NotValidf("scheme=%q", scheme)
}

// SignFrame encodes, signs and returns wire frame.
func SignFrame(sg Signer, r reading.SensorReading) ([reading.FrameSize]byte, error) {
	e := reading.Encode(r)
	sr := reading.SignedReading{SensorReading: r}
	var err error
	if sr.R, sr.S, err = sg.Sign(e[:]); err != nil {
		return [reading.FrameSize]byte{}, errors.Annotate(err, "sign")
	}
	return reading.EncodeSigned(sr), nil
}

// VerifyFrame decodes frame and checks tag over the encoded part.
// Framing error is returned as is, bad tag is ok=false.
func VerifyFrame(v Verifier, frame []byte) (sr reading.SignedReading, ok bool, err error) {
	sr, err = reading.DecodeSigned(frame)
	if err != nil {
		return sr, false, err
	}
	ok = v.Verify(frame[:reading.ReadingSize], sr.R[:], sr.S[:])
	return sr, ok, nil
}
