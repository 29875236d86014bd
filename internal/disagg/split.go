// Package disagg splits aggregate flows proportionally onto finer zones.
package disagg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrZeroWeights means a weight vector sums to zero. Callers apply the
	// total-employment fallback before splitting.
	ErrZeroWeights = errors.New("weights sum to zero")
	// ErrMassNotConserved signals that split cells do not add up to the flow.
	ErrMassNotConserved = errors.New("mass not conserved")
)

// MassError carries the numbers of a failed conservation check.
type MassError struct {
	Flow, Sum float64
}

func (e *MassError) Error() string {
	return fmt.Sprintf("disagg: flow %.6f split into %.6f: %v", e.Flow, e.Sum, ErrMassNotConserved)
}

func (e *MassError) Unwrap() error { return ErrMassNotConserved }

// Split distributes flow over an origin x destination grid:
// D[i][j] = flow * wO[i]/sum(wO) * wD[j]/sum(wD).
func Split(flow float64, wO, wD []float64) (*mat.Dense, error) {
	if len(wO) == 0 || len(wD) == 0 {
		return nil, fmt.Errorf("disagg: split: empty weight vector")
	}
	if flow < 0 || math.IsNaN(flow) {
		return nil, fmt.Errorf("disagg: split: invalid flow %v", flow)
	}
	so, err := Shares(wO)
	if err != nil {
		return nil, fmt.Errorf("disagg: split origin: %w", err)
	}
	sd, err := Shares(wD)
	if err != nil {
		return nil, fmt.Errorf("disagg: split destination: %w", err)
	}
	d := mat.NewDense(len(wO), len(wD), nil)
	if flow == 0 {
		return d, nil
	}
	for i, o := range so {
		if o == 0 {
			continue
		}
		row := flow * o
		for j, w := range sd {
			d.Set(i, j, row*w)
		}
	}
	return d, nil
}

// Shares normalises weights to sum to one. A singleton vector always
// yields [1].
func Shares(w []float64) ([]float64, error) {
	if len(w) == 1 {
		if w[0] < 0 {
			return nil, fmt.Errorf("disagg: negative weight %v", w[0])
		}
		return []float64{1}, nil
	}
	s, err := weightSum(w)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(w))
	copy(out, w)
	floats.Scale(1/s, out)
	return out, nil
}

func weightSum(w []float64) (float64, error) {
	for i, v := range w {
		if v < 0 || math.IsNaN(v) {
			return 0, fmt.Errorf("disagg: negative weight %v at %d", v, i)
		}
	}
	s := floats.Sum(w)
	if s <= 0 {
		return 0, ErrZeroWeights
	}
	return s, nil
}

// CheckMass verifies that the cells of d add up to flow within a relative
// tolerance.
func CheckMass(flow float64, d *mat.Dense, relTol float64) error {
	sum := mat.Sum(d)
	if math.Abs(sum-flow) > relTol*math.Max(math.Abs(flow), 1) {
		return &MassError{Flow: flow, Sum: sum}
	}
	return nil
}
