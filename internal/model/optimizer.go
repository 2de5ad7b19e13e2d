package model

import (
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// SGD folds gradient sums into new parameters with classical momentum.
// Apply is functional: inputs are never mutated, matching the immutable
// train-state contract.
type SGD struct {
	Rate     float64
	Momentum float64
}

// Apply normalizes gradient sums by weightSum, advances the velocity
// slots, and returns fresh params and slots. A nil or partial slot map
// starts the missing velocities at zero.
func (o SGD) Apply(params, slots, grads map[string]*tensor.FloatMat, weightSum float64) (map[string]*tensor.FloatMat, map[string]*tensor.FloatMat, error) {
	if weightSum <= 0 {
		return nil, nil, fmt.Errorf("optimizer: weight sum %g (batch has no weighted tokens)", weightSum)
	}
	if len(grads) != len(params) {
		return nil, nil, fmt.Errorf("optimizer: %d gradients for %d parameters", len(grads), len(params))
	}

	newParams := make(map[string]*tensor.FloatMat, len(params))
	newSlots := make(map[string]*tensor.FloatMat, len(params))
	inv := 1.0 / weightSum

	for name, p := range params {
		g, ok := grads[name]
		if !ok {
			return nil, nil, fmt.Errorf("optimizer: no gradient for %s", name)
		}
		if g.Shape() != p.Shape() {
			return nil, nil, fmt.Errorf("optimizer: gradient %s shape %v != parameter %v", name, g.Shape(), p.Shape())
		}

		v := slots[name]
		nv := tensor.NewFloatMat(p.Rows, p.Cols)
		np := tensor.NewFloatMat(p.Rows, p.Cols)
		for i := range np.Data {
			vi := float64(g.Data[i]) * inv
			if v != nil {
				vi += o.Momentum * float64(v.Data[i])
			}
			nv.Data[i] = float32(vi)
			np.Data[i] = p.Data[i] - float32(o.Rate*vi)
		}
		newParams[name] = np
		newSlots[name] = nv
	}
	return newParams, newSlots, nil
}
