package semver

import (
	"encoding/json"
	"errors"
	"testing"

	ederrors "github.com/arkilian/eds/internal/errors"
)

func TestCompare(t *testing.T) {
	base := V(1, 2, 3)
	tests := []struct {
		name string
		v    Version
		req  Requirement
		want bool
	}{
		{"any matches zero", V(0, 0, 0), Req(Any, base), true},
		{"exact equal", V(1, 2, 3), Req(Exact, base), true},
		{"exact differs in patch", V(1, 2, 4), Req(Exact, base), false},
		{"major same", V(1, 9, 9), Req(Major, base), true},
		{"major differs", V(2, 0, 0), Req(Major, base), false},
		{"major minor same", V(1, 2, 0), Req(MajorMinor, base), true},
		{"major minor differs", V(1, 3, 3), Req(MajorMinor, base), false},
		{"greater equal on bound", V(1, 2, 3), Req(GreaterEqual, base), true},
		{"greater equal below", V(1, 2, 2), Req(GreaterEqual, base), false},
		{"greater on bound", V(1, 2, 3), Req(Greater, base), false},
		{"greater above", V(1, 3, 0), Req(Greater, base), true},
		{"lesser equal on bound", V(1, 2, 3), Req(LesserEqual, base), true},
		{"lesser equal above", V(2, 0, 0), Req(LesserEqual, base), false},
		{"lesser on bound", V(1, 2, 3), Req(Lesser, base), false},
		{"lesser below", V(0, 9, 9), Req(Lesser, base), true},
		{"unknown kind", V(1, 2, 3), Req(Kind(42), base), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.v, tt.req); got != tt.want {
				t.Errorf("Compare(%s, %s) = %v, want %v", tt.v, tt.req, got, tt.want)
			}
		})
	}
}

func TestRequireFailsWithVersionMismatch(t *testing.T) {
	if err := RequireExact(V(1, 0, 0), V(1, 0, 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := RequireGreater(V(1, 0, 0), V(1, 0, 0))
	if !errors.Is(err, ederrors.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	if err := RequireMajor(V(2, 1, 0), V(2, 0, 0)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := RequireMajorMinor(V(2, 1, 0), V(2, 0, 0)); err == nil {
		t.Error("expected mismatch for different minor")
	}
	if err := RequireLesser(V(0, 1, 0), V(1, 0, 0)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseRequirement(t *testing.T) {
	tests := []struct {
		in   string
		want Requirement
	}{
		{"*", Requirement{Kind: Any}},
		{"*1.0.0", Req(Any, V(1, 0, 0))},
		{"=1.2.3", Req(Exact, V(1, 2, 3))},
		{"1.2.3", Req(Exact, V(1, 2, 3))},
		{"^2", Req(Major, V(2, 0, 0))},
		{"~2.1", Req(MajorMinor, V(2, 1, 0))},
		{">=1.0.0", Req(GreaterEqual, V(1, 0, 0))},
		{">1.0.0", Req(Greater, V(1, 0, 0))},
		{"<=2.2.0", Req(LesserEqual, V(2, 2, 0))},
		{"< 3.0.0", Req(Lesser, V(3, 0, 0))},
	}
	for _, tt := range tests {
		got, err := ParseRequirement(tt.in)
		if err != nil {
			t.Errorf("ParseRequirement(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRequirement(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseRequirement(">=x.y"); err == nil {
		t.Error("expected error for malformed version")
	}
}

func TestParseKind(t *testing.T) {
	for k := Any; k <= Lesser; k++ {
		byName, err := ParseKind(k.String())
		if err != nil || byName != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), byName, err)
		}
		byOp, err := ParseKind(k.Operator())
		if err != nil || byOp != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.Operator(), byOp, err)
		}
	}
	if _, err := ParseKind("SOMETIMES"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestKindOrdinals(t *testing.T) {
	want := map[Kind]uint8{Any: 0, Exact: 1, Major: 2, MajorMinor: 3, GreaterEqual: 4, Greater: 5, LesserEqual: 6, Lesser: 7}
	for k, n := range want {
		if uint8(k) != n {
			t.Errorf("%s = %d, want %d", k, uint8(k), n)
		}
	}
}

func TestRequirementJSON(t *testing.T) {
	in := struct {
		Req Requirement `json:"req"`
		Ver Version     `json:"ver"`
	}{Req(GreaterEqual, V(1, 0, 0)), V(2, 3, 4)}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"req":">=1.0.0","ver":"2.3.4"}` {
		t.Errorf("unexpected encoding %s", data)
	}

	var out struct {
		Req Requirement `json:"req"`
		Ver Version     `json:"ver"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Req != in.Req || out.Ver != in.Ver {
		t.Errorf("got %+v, want %+v", out, in)
	}
}
