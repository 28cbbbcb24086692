// Package semver implements the version and requirement algebra shared by
// repositories and distributions.
package semver

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	ederrors "github.com/arkilian/eds/internal/errors"
)

// MaxComponent is the largest value a single version component may hold.
// Components are persisted as signed 64-bit integers.
const MaxComponent = math.MaxInt64

// PackedSize is the length of a packed version ordinal.
const PackedSize = 24

// Version is a (major, minor, patch) triple ordered lexicographically.
type Version struct {
	Major uint64
	Minor uint64
	Patch uint64
}

// V is shorthand for constructing a Version.
func V(major, minor, patch uint64) Version {
	return Version{Major: major, Minor: minor, Patch: patch}
}

// IsZero reports whether v is 0.0.0.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0 && v.Patch == 0
}

// Valid reports whether every component fits in MaxComponent.
func (v Version) Valid() bool {
	return v.Major <= MaxComponent && v.Minor <= MaxComponent && v.Patch <= MaxComponent
}

// Packed returns the big-endian ordinal major‖minor‖patch. Byte-wise
// comparison of packed values matches version ordering.
func (v Version) Packed() [PackedSize]byte {
	var p [PackedSize]byte
	binary.BigEndian.PutUint64(p[0:8], v.Major)
	binary.BigEndian.PutUint64(p[8:16], v.Minor)
	binary.BigEndian.PutUint64(p[16:24], v.Patch)
	return p
}

// Unpack is the inverse of Packed.
func Unpack(p [PackedSize]byte) Version {
	return Version{
		Major: binary.BigEndian.Uint64(p[0:8]),
		Minor: binary.BigEndian.Uint64(p[8:16]),
		Patch: binary.BigEndian.Uint64(p[16:24]),
	}
}

// Compare returns -1, 0 or +1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpUint(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpUint(v.Minor, o.Minor)
	default:
		return cmpUint(v.Patch, o.Patch)
	}
}

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// NextMajor returns (major+1).0.0.
func (v Version) NextMajor() Version {
	return Version{Major: v.Major + 1}
}

// NextMinor returns major.(minor+1).0.
func (v Version) NextMinor() Version {
	return Version{Major: v.Major, Minor: v.Minor + 1}
}

// NextPatch returns major.minor.(patch+1).
func (v Version) NextPatch() Version {
	return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}
}

// String returns "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Parse parses "major.minor.patch". A leading "v" is accepted, missing
// trailing components default to zero.
func Parse(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return Version{}, ederrors.NewValidationError("empty version")
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, ederrors.NewValidationError(fmt.Sprintf("invalid version %q", s))
	}

	var out [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 63)
		if err != nil {
			return Version{}, ederrors.Wrap(ederrors.ErrCategoryValidation, ederrors.CodeInvalidArgument,
				fmt.Sprintf("invalid version %q", s), err)
		}
		out[i] = n
	}
	return Version{Major: out[0], Minor: out[1], Patch: out[2]}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
