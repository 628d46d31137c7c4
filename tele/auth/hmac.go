package teleauth

import (
	"crypto/hmac"
	"crypto/sha512"

	"github.com/juju/errors"
	"github.com/temoto/envtele/reading"
)

const (
	minSecretSize     = 16
	DefaultSecretSize = 32
)

// HMAC tag is HMAC-SHA512(secret, encoded), first half r, second half s.
type HMAC struct{ secret []byte }

func NewHMAC(secret []byte) (*HMAC, error) {
	if len(secret) < minSecretSize {
		return nil, errors.NotValidf("secret length=%d (min %d)", len(secret), minSecretSize)
	}
	return &HMAC{secret: append([]byte(nil), secret...)}, nil
}

func (h *HMAC) sum(encoded []byte) [sha512.Size]byte {
	var out [sha512.Size]byte
	m := hmac.New(sha512.New, h.secret)
	_, _ = m.Write(encoded)
	m.Sum(out[:0])
	return out
}

func (h *HMAC) Sign(encoded []byte) (r, s [reading.TagHalfSize]byte, err error) {
	sum := h.sum(encoded)
	copy(r[:], sum[:reading.TagHalfSize])
	copy(s[:], sum[reading.TagHalfSize:])
	return r, s, nil
}

func (h *HMAC) Verify(encoded, r, s []byte) bool {
	if len(r) != reading.TagHalfSize || len(s) != reading.TagHalfSize {
		return false
	}
	sum := h.sum(encoded)
	var tag [TagSize]byte
	copy(tag[:], r)
	copy(tag[reading.TagHalfSize:], s)
	return hmac.Equal(sum[:], tag[:])
}
