package balance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// GravityOptions configure a doubly constrained gravity distribution.
type GravityOptions struct {
	Gamma float64
	// Cutoff drops pairs farther apart than this distance.
	Cutoff float64
	// MinDistance replaces zero distances so the friction stays finite.
	MinDistance   float64
	MaxIterations int
	Tolerance     float64
}

// GravitySeed is P[i]*A[j]*exp(gamma*d) for pairs within the cutoff.
func GravitySeed(prod, attr []float64, dist *mat.Dense, opt GravityOptions) (*mat.Dense, error) {
	r, c := dist.Dims()
	if len(prod) != r || len(attr) != c {
		return nil, fmt.Errorf("balance: gravity vectors %d/%d do not match distances %dx%d", len(prod), len(attr), r, c)
	}
	seed := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		if prod[i] == 0 {
			continue
		}
		for j := 0; j < c; j++ {
			d := dist.At(i, j)
			if d < 0 || d > opt.Cutoff {
				continue
			}
			if d == 0 {
				d = opt.MinDistance
			}
			seed.Set(i, j, prod[i]*attr[j]*math.Exp(opt.Gamma*d))
		}
	}
	return seed, nil
}

// Distribute builds the gravity seed and balances it to productions and
// attractions without adjusting the targets.
func Distribute(prod, attr []float64, dist *mat.Dense, opt GravityOptions) (*mat.Dense, Metrics, error) {
	seed, err := GravitySeed(prod, attr, dist, opt)
	if err != nil {
		return nil, Metrics{}, err
	}
	return Solve(Problem{
		Seed:          seed,
		RowTargets:    prod,
		ColTargets:    attr,
		Adjust:        AdjustNone,
		MaxIterations: opt.MaxIterations,
		Tolerance:     opt.Tolerance,
	})
}
