package types

import (
	"encoding/hex"
	"strings"
)

// AddressLength is the size of an Address in bytes.
const AddressLength = 20

// Address identifies an account or a piece of deployed code on the ledger.
type Address [AddressLength]byte

// ZeroAddress is the unset address.
var ZeroAddress Address

// BytesToAddress converts b to an Address. If b is longer than 20 bytes the
// leading bytes are dropped, if shorter it is left-padded with zeros.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

// ParseAddress parses a 0x-prefixed (or bare) 40 character hex string.
func ParseAddress(s string) (Address, error) {
	b, err := decodeHex(s, AddressLength)
	if err != nil {
		if err == errLength {
			return Address{}, ErrInvalidAddressLength
		}
		return Address{}, err
	}
	return BytesToAddress(b), nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the 0x-prefixed lowercase hex form.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Bytes returns a copy of the raw bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressLength)
	copy(b, a[:])
	return b
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// Word returns the address left-padded to a 32-byte word.
func (a Address) Word() []byte {
	return LeftPad(a[:], WordSize)
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// errLength is an internal marker used by decodeHex.
var errLength = ErrInvalidHashLength

func decodeHex(s string, size int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != size*2 {
		return nil, errLength
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidHexCharacter
	}
	return b, nil
}
