// Package fingerprint reduces log snippets and problem descriptions to
// fixed-width digests used for repeat detection.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the width of a Fingerprint in bytes.
const Size = sha256.Size

// Fingerprint identifies a text blob for equality comparison only. It is not
// a security boundary.
type Fingerprint [Size]byte

// Of returns the fingerprint of text. The empty string has a well defined
// fingerprint like any other input.
func Of(text string) Fingerprint {
	return Fingerprint(sha256.Sum256([]byte(text)))
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// MarshalText encodes the fingerprint as lowercase hex.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText decodes a hex fingerprint produced by MarshalText.
func (f *Fingerprint) UnmarshalText(b []byte) error {
	var out Fingerprint
	n, err := hex.Decode(out[:], b)
	if err != nil {
		return err
	}
	if n != Size {
		return hex.ErrLength
	}
	*f = out
	return nil
}
