package types

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// HashLength is the size of a Hash in bytes.
const HashLength = 32

// WordSize is the width of one encoded argument slot.
const WordSize = 32

// Hash is a Keccak-256 digest. It is used for code identities, distribution
// ids and migration ids.
type Hash [HashLength]byte

// ZeroHash is the unset hash.
var ZeroHash Hash

// Keccak256 hashes the concatenation of data with legacy Keccak-256.
func Keccak256(data ...[]byte) Hash {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	var h Hash
	d.Sum(h[:0])
	return h
}

// BytesToHash converts b to a Hash, left-padding or truncating from the left.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

// ParseHash parses a 0x-prefixed (or bare) 64 character hex string.
func ParseHash(s string) (Hash, error) {
	b, err := decodeHex(s, HashLength)
	if err != nil {
		return Hash{}, err
	}
	return BytesToHash(b), nil
}

// MustParseHash is like ParseHash but panics on error.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// String returns the 0x-prefixed lowercase hex form.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// Bytes returns a copy of the raw bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashLength)
	copy(b, h[:])
	return b
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// LeftPad returns b left-padded with zeros to size bytes.
func LeftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// Uint64Word encodes v as a big-endian 32-byte word.
func Uint64Word(v uint64) []byte {
	w := make([]byte, WordSize)
	binary.BigEndian.PutUint64(w[WordSize-8:], v)
	return w
}
