package model

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

func scalarMat(v float32) *tensor.FloatMat {
	m := tensor.NewFloatMat(1, 1)
	m.Data[0] = v
	return m
}

func TestSGDStepWithMomentum(t *testing.T) {
	opt := SGD{Rate: 0.1, Momentum: 0.9}
	params := map[string]*tensor.FloatMat{"w": scalarMat(1.0)}
	grads := map[string]*tensor.FloatMat{"w": scalarMat(2.0)} // sum over 2 tokens

	// Mean grad 1.0; v = 1.0; w = 1 - 0.1*1.0 = 0.9.
	params, slots, err := opt.Apply(params, nil, grads, 2.0)
	if err != nil {
		t.Fatal(err)
	}
	if got := params["w"].Data[0]; math.Abs(float64(got)-0.9) > 1e-6 {
		t.Fatalf("after step 1: w = %v, want 0.9", got)
	}
	if got := slots["w"].Data[0]; math.Abs(float64(got)-1.0) > 1e-6 {
		t.Fatalf("after step 1: v = %v, want 1.0", got)
	}

	// v = 0.9*1.0 + 1.0 = 1.9; w = 0.9 - 0.19 = 0.71.
	params, slots, err = opt.Apply(params, slots, grads, 2.0)
	if err != nil {
		t.Fatal(err)
	}
	if got := params["w"].Data[0]; math.Abs(float64(got)-0.71) > 1e-6 {
		t.Fatalf("after step 2: w = %v, want 0.71", got)
	}
	if got := slots["w"].Data[0]; math.Abs(float64(got)-1.9) > 1e-6 {
		t.Fatalf("after step 2: v = %v, want 1.9", got)
	}
}

func TestSGDDoesNotMutateInputs(t *testing.T) {
	opt := SGD{Rate: 0.5, Momentum: 0.5}
	params := map[string]*tensor.FloatMat{"w": scalarMat(3.0)}
	slots := map[string]*tensor.FloatMat{"w": scalarMat(0.25)}
	grads := map[string]*tensor.FloatMat{"w": scalarMat(1.0)}

	if _, _, err := opt.Apply(params, slots, grads, 1.0); err != nil {
		t.Fatal(err)
	}
	if params["w"].Data[0] != 3.0 || slots["w"].Data[0] != 0.25 || grads["w"].Data[0] != 1.0 {
		t.Fatal("Apply mutated one of its inputs")
	}
}

func TestSGDValidation(t *testing.T) {
	opt := SGD{Rate: 0.1}
	params := map[string]*tensor.FloatMat{"w": scalarMat(1.0)}

	if _, _, err := opt.Apply(params, nil, map[string]*tensor.FloatMat{"w": scalarMat(1)}, 0); err == nil {
		t.Error("zero weight sum accepted")
	}
	if _, _, err := opt.Apply(params, nil, map[string]*tensor.FloatMat{"x": scalarMat(1)}, 1); err == nil {
		t.Error("gradient for wrong parameter accepted")
	}
	if _, _, err := opt.Apply(params, nil, map[string]*tensor.FloatMat{"w": tensor.NewFloatMat(2, 2)}, 1); err == nil {
		t.Error("mismatched gradient shape accepted")
	}
	if _, _, err := opt.Apply(params, nil, map[string]*tensor.FloatMat{"w": scalarMat(1), "x": scalarMat(1)}, 1); err == nil {
		t.Error("extra gradient accepted")
	}
}
