package semver

import (
	"fmt"
	"strings"

	ederrors "github.com/arkilian/eds/internal/errors"
)

// Kind selects how a Requirement matches versions. The numeric values are
// part of the persisted and hashed representation and must not be reordered.
type Kind uint8

const (
	Any Kind = iota
	Exact
	Major
	MajorMinor
	GreaterEqual
	Greater
	LesserEqual
	Lesser
)

var kindNames = [...]string{
	Any:          "ANY",
	Exact:        "EXACT",
	Major:        "MAJOR",
	MajorMinor:   "MAJOR_MINOR",
	GreaterEqual: "GREATER_EQUAL",
	Greater:      "GREATER",
	LesserEqual:  "LESSER_EQUAL",
	Lesser:       "LESSER",
}

// Operator prefixes used by the text form of a Requirement. Longer
// operators must come first so ">=" is not read as ">".
var kindOperators = []struct {
	op   string
	kind Kind
}{
	{">=", GreaterEqual},
	{"<=", LesserEqual},
	{">", Greater},
	{"<", Lesser},
	{"=", Exact},
	{"^", Major},
	{"~", MajorMinor},
	{"*", Any},
}

// Valid reports whether k is one of the eight defined kinds.
func (k Kind) Valid() bool {
	return int(k) < len(kindNames)
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// Operator returns the text-form prefix of k.
func (k Kind) Operator() string {
	for _, o := range kindOperators {
		if o.kind == k {
			return o.op
		}
	}
	return ""
}

// ParseKind accepts either a kind name ("GREATER_EQUAL") or its operator (">=").
func ParseKind(s string) (Kind, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	for _, o := range kindOperators {
		if o.op == s {
			return o.kind, nil
		}
	}
	return 0, ederrors.NewValidationError(fmt.Sprintf("unknown requirement kind %q", s))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Requirement describes which versions satisfy a need.
type Requirement struct {
	Version Version
	Kind    Kind
}

// Req is shorthand for constructing a Requirement.
func Req(kind Kind, v Version) Requirement {
	return Requirement{Version: v, Kind: kind}
}

// IsZero reports whether the requirement carries the zero version.
func (r Requirement) IsZero() bool {
	return r.Version.IsZero()
}

// Compare reports whether v satisfies r.
func Compare(v Version, r Requirement) bool {
	switch r.Kind {
	case Any:
		return true
	case Exact:
		return v == r.Version
	case Major:
		return v.Major == r.Version.Major
	case MajorMinor:
		return v.Major == r.Version.Major && v.Minor == r.Version.Minor
	case GreaterEqual:
		return v.Compare(r.Version) >= 0
	case Greater:
		return v.Compare(r.Version) > 0
	case LesserEqual:
		return v.Compare(r.Version) <= 0
	case Lesser:
		return v.Compare(r.Version) < 0
	default:
		return false
	}
}

// Satisfies reports whether v satisfies r.
func (r Requirement) Satisfies(v Version) bool {
	return Compare(v, r)
}

// String returns the operator form, e.g. ">=1.2.0". ANY prints as "*" when
// its version is zero.
func (r Requirement) String() string {
	if r.Kind == Any && r.Version.IsZero() {
		return "*"
	}
	return r.Kind.Operator() + r.Version.String()
}

// ParseRequirement parses the operator form produced by String. A bare
// version is read as EXACT.
func ParseRequirement(s string) (Requirement, error) {
	s = strings.TrimSpace(s)
	if s == "*" {
		return Requirement{Kind: Any}, nil
	}
	for _, o := range kindOperators {
		if strings.HasPrefix(s, o.op) {
			v, err := Parse(strings.TrimSpace(s[len(o.op):]))
			if err != nil {
				return Requirement{}, err
			}
			return Requirement{Version: v, Kind: o.kind}, nil
		}
	}
	v, err := Parse(s)
	if err != nil {
		return Requirement{}, err
	}
	return Requirement{Version: v, Kind: Exact}, nil
}

// MustParseRequirement is like ParseRequirement but panics on error.
func MustParseRequirement(s string) Requirement {
	r, err := ParseRequirement(s)
	if err != nil {
		panic(err)
	}
	return r
}

// MarshalText implements encoding.TextMarshaler.
func (r Requirement) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Requirement) UnmarshalText(text []byte) error {
	parsed, err := ParseRequirement(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Require fails with ErrVersionMismatch when v does not satisfy r.
func Require(v Version, r Requirement) error {
	if Compare(v, r) {
		return nil
	}
	return ederrors.ErrVersionMismatch.WithDetails(map[string]interface{}{
		"version":     v.String(),
		"requirement": r.String(),
	})
}

// RequireExact fails unless v equals want.
func RequireExact(v, want Version) error { return Require(v, Req(Exact, want)) }

// RequireMajor fails unless v has the major of want.
func RequireMajor(v, want Version) error { return Require(v, Req(Major, want)) }

// RequireMajorMinor fails unless v has the major and minor of want.
func RequireMajorMinor(v, want Version) error { return Require(v, Req(MajorMinor, want)) }

// RequireGreaterEqual fails unless v >= want.
func RequireGreaterEqual(v, want Version) error { return Require(v, Req(GreaterEqual, want)) }

// RequireGreater fails unless v > want.
func RequireGreater(v, want Version) error { return Require(v, Req(Greater, want)) }

// RequireLesserEqual fails unless v <= want.
func RequireLesserEqual(v, want Version) error { return Require(v, Req(LesserEqual, want)) }

// RequireLesser fails unless v < want.
func RequireLesser(v, want Version) error { return Require(v, Req(Lesser, want)) }
