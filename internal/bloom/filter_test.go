package bloom

import (
	"encoding/binary"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func key(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	return b
}

func TestFilter_NoFalseNegatives(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every added key is reported present", prop.ForAll(
		func(keys [][]byte) bool {
			f := New(len(keys)+1, 0.01)
			for _, k := range keys {
				f.Add(k)
			}
			for _, k := range keys {
				if !f.MayContain(k) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.SliceOfN(20, gen.UInt8())),
	))

	properties.TestingRun(t)
}

func TestFilter_FalsePositiveRateNearTarget(t *testing.T) {
	f := New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add(key(i))
	}

	falsePositives := 0
	for i := 1000; i < 11000; i++ {
		if f.MayContain(key(i)) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / 10000
	if rate > 0.03 {
		t.Errorf("false positive rate %.4f far above target", rate)
	}
	if est := f.FalsePositiveRate(); est <= 0 || est > 0.03 {
		t.Errorf("unexpected estimated rate %.4f", est)
	}
}

func TestFilter_Saturation(t *testing.T) {
	f := New(4, 0.01)
	for i := 0; i < 4; i++ {
		f.Add(key(i))
	}
	if f.Saturated() {
		t.Error("filter at capacity should not be saturated")
	}
	f.Add(key(5))
	if !f.Saturated() {
		t.Error("filter past capacity should be saturated")
	}
	if f.Count() != 5 {
		t.Errorf("expected count 5, got %d", f.Count())
	}
}

func TestOptimalParameters(t *testing.T) {
	bits, hashes := OptimalParameters(1000, 0.01)
	if bits < 9000 || bits > 10000 {
		t.Errorf("unexpected bit count %d", bits)
	}
	if hashes != 7 {
		t.Errorf("expected 7 hashes, got %d", hashes)
	}
}
