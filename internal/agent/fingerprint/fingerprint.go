// Package fingerprint computes the content-addressed identity of a launch
// command, used by the process pool to key warm-worker reuse.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint is the sha256 of an argv, per spec.md §3/§9.
type Fingerprint [sha256.Size]byte

// Of hashes argv in order. Argument order matters - it is part of the
// command, not a set - callers must keep argv construction deterministic
// (spec.md §4.2's "determinism requirement") for pool reuse to be correct.
func Of(argv []string) Fingerprint {
	h := sha256.New()
	for _, a := range argv {
		h.Write([]byte(a))
		h.Write([]byte{0}) // separator so ["ab","c"] != ["a","bc"]
	}
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Parse decodes the hex form String returns, for admin/CLI surfaces that
// accept a fingerprint identifying a pool slot to evict.
func Parse(s string) (Fingerprint, error) {
	var fp Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("fingerprint: malformed hex %q: %w", s, err)
	}
	if len(b) != len(fp) {
		return fp, fmt.Errorf("fingerprint: want %d bytes, got %d", len(fp), len(b))
	}
	copy(fp[:], b)
	return fp, nil
}

func (f Fingerprint) String() string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, len(f)*2)
	for i, b := range f {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}
