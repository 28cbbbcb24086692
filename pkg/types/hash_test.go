package types

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestKeccak256KnownVectors(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"},
		{"abc", "0x4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45"},
	}
	for _, tt := range tests {
		if got := Keccak256([]byte(tt.input)).String(); got != tt.want {
			t.Errorf("Keccak256(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestKeccak256Concatenates(t *testing.T) {
	a := Keccak256([]byte("ab"), []byte("c"))
	b := Keccak256([]byte("abc"))
	if a != b {
		t.Errorf("expected split input to hash like joined input")
	}
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("0x00000000000000000000000000000000000000ff")
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	if a[19] != 0xff {
		t.Errorf("expected last byte 0xff, got %x", a[19])
	}

	if _, err := ParseAddress("0x1234"); err != ErrInvalidAddressLength {
		t.Errorf("expected ErrInvalidAddressLength, got %v", err)
	}
	if _, err := ParseAddress("0xzz000000000000000000000000000000000000ff"); err != ErrInvalidHexCharacter {
		t.Errorf("expected ErrInvalidHexCharacter, got %v", err)
	}
}

func TestAddressJSON(t *testing.T) {
	a := BytesToAddress([]byte{1, 2, 3})
	data, err := json.Marshal(map[string]Address{"a": a})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out map[string]Address
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out["a"] != a {
		t.Errorf("expected %s, got %s", a, out["a"])
	}
}

func TestWordHelpers(t *testing.T) {
	w := Uint64Word(258)
	if len(w) != WordSize || w[30] != 1 || w[31] != 2 {
		t.Errorf("unexpected word encoding %x", w)
	}

	a := BytesToAddress([]byte{0xaa})
	word := a.Word()
	if len(word) != WordSize || word[31] != 0xaa || word[11] != 0 {
		t.Errorf("unexpected address word %x", word)
	}
}

func TestProperty_HashTextRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("parsed hash string equals the original hash", prop.ForAll(
		func(data []byte) bool {
			h := Keccak256(data)
			parsed, err := ParseHash(h.String())
			return err == nil && parsed == h
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
