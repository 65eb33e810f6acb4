package types

import (
	"errors"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestTransformAbs(t *testing.T) {
	inputs := []float32{-3.5, 0.0, 2.1}
	want := []float32{3.5, 0.0, 2.1}

	for i, in := range inputs {
		got, err := TransformAbs.Apply(Float32(in))
		if err != nil {
			t.Fatalf("Apply(%v) failed: %v", in, err)
		}
		if !got.Equal(Float32(want[i])) {
			t.Errorf("Apply(%v) = %v, want %v", in, got, want[i])
		}
	}
}

func TestTransformAbs_NotApplicable(t *testing.T) {
	if TransformAbs.Accepts(KindScalar, ElemInt32) {
		t.Error("abs should not accept int32")
	}
	if TransformAbs.Accepts(KindSequence, ElemFloat32) {
		t.Error("abs should not accept sequences")
	}
	_, err := TransformAbs.Apply(Int32(-1))
	if !errors.Is(err, ErrTransformNotApplicable) {
		t.Errorf("expected ErrTransformNotApplicable, got %v", err)
	}
}

func TestColumn_DefaultValue(t *testing.T) {
	col := Column{Name: "TauTracks.pt", Kind: KindSequence, Elem: ElemFloat32}
	def := col.DefaultValue()
	if !col.Accepts(def) || def.Len() != 0 {
		t.Errorf("expected empty float32[] default, got %v", def)
	}

	col = Column{Name: "TauJets.nTracks", Kind: KindScalar, Elem: ElemInt32, Default: Int32(-1)}
	if !col.DefaultValue().Equal(Int32(-1)) {
		t.Errorf("expected explicit default -1, got %v", col.DefaultValue())
	}
}

// TestProperty_TransformAbs checks abs is non-negative and preserves magnitude.
func TestProperty_TransformAbs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("abs(float64) is |x|", prop.ForAll(
		func(x float64) bool {
			v, err := TransformAbs.Apply(Float64(x))
			if err != nil {
				return false
			}
			got, ok := Scalar[float64](v)
			return ok && got >= 0 && got == math.Abs(x)
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("abs(float32) keeps the float32 tag", prop.ForAll(
		func(x float32) bool {
			v, err := TransformAbs.Apply(Float32(x))
			if err != nil {
				return false
			}
			got, ok := Scalar[float32](v)
			return ok && got >= 0 && (got == x || got == -x)
		},
		gen.Float32Range(-1e6, 1e6),
	))

	properties.TestingRun(t)
}
