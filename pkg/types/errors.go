package types

import "errors"

// Hex encoding errors
var (
	// ErrInvalidAddressLength is returned when an address string or byte slice has incorrect length
	ErrInvalidAddressLength = errors.New("invalid address length")

	// ErrInvalidHashLength is returned when a hash string or byte slice has incorrect length
	ErrInvalidHashLength = errors.New("invalid hash length")

	// ErrInvalidHexCharacter is returned when a hex string contains invalid characters
	ErrInvalidHexCharacter = errors.New("invalid hex character")
)
