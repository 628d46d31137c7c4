package teleauth

import (
	"crypto/subtle"

	"github.com/temoto/envtele/reading"
)

// Legacy reproduces the placeholder tag of first generation devices:
// h[i] = (i + len(encoded)) mod 256, r = h, s[i] = h[i] + 42.
// It does not depend on content, anyone can forge it. Never enable by default.
type Legacy struct{}

func legacyTag(n int) (r, s [reading.TagHalfSize]byte) {
	for i := range r {
		r[i] = byte(i + n)
		s[i] = r[i] + 42
	}
	return
}

func (Legacy) Sign(encoded []byte) (r, s [reading.TagHalfSize]byte, err error) {
	r, s = legacyTag(len(encoded))
	return r, s, nil
}

func (Legacy) Verify(encoded, r, s []byte) bool {
	if len(r) != reading.TagHalfSize || len(s) != reading.TagHalfSize {
		return false
	}
	er, es := legacyTag(len(encoded))
	return subtle.ConstantTimeCompare(er[:], r)&subtle.ConstantTimeCompare(es[:], s) == 1
}
