// Package digest provides the fixed-width identifier space the relay
// selection runs in: SHA-256 digests compared by XOR distance.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const Bytes = 32

// Digest is a 256-bit identifier. Relay URLs and lookup targets are both
// mapped into this space before any comparison.
type Digest [Bytes]byte

// Hasher maps an arbitrary string to a Digest. Callers that need a
// different mapping (tests, alternate hash functions) inject their own;
// Sum is the default everywhere.
type Hasher func(s string) Digest

// Sum hashes the UTF-8 bytes of s with SHA-256.
func Sum(s string) Digest {
	return Digest(sha256.Sum256([]byte(s)))
}

// Distance is the XOR metric: d = a ^ b. Zero iff a == b, symmetric.
func Distance(a, b Digest) (out Digest) {
	for i := 0; i < Bytes; i++ {
		out[i] = a[i] ^ b[i]
	}
	return
}

// Cmp orders digests as big-endian 256-bit unsigned integers. A plain
// byte-wise compare is exactly that ordering.
func (d Digest) Cmp(other Digest) int {
	return bytes.Compare(d[:], other[:])
}

func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

func ParseHex(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != Bytes {
		return d, fmt.Errorf("digest must be %d bytes, got %d", Bytes, len(b))
	}
	copy(d[:], b)
	return d, nil
}

func MustParseHex(s string) Digest {
	d, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return d
}
