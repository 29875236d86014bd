// Package balance fits matrices to row and column targets by iterative
// proportional fitting and builds the empty-truck and gravity models on top.
package balance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Adjustment reconciles row and column targets whose totals differ.
type Adjustment int

const (
	// AdjustNone uses targets as given.
	AdjustNone Adjustment = iota
	// AdjustRows rescales row targets to the column total.
	AdjustRows
	// AdjustColumns rescales column targets to the row total.
	AdjustColumns
	// AdjustBothUsingAverage rescales both to the average of the two totals.
	AdjustBothUsingAverage
)

func (a Adjustment) String() string {
	switch a {
	case AdjustRows:
		return "rows"
	case AdjustColumns:
		return "columns"
	case AdjustBothUsingAverage:
		return "both-average"
	default:
		return "none"
	}
}

const (
	DefaultMaxIterations = 10
	DefaultTolerance     = 0.001
)

// Problem is one balancing run. Seed is not modified.
type Problem struct {
	Seed          *mat.Dense
	RowTargets    []float64
	ColTargets    []float64
	Adjust        Adjustment
	MaxIterations int
	Tolerance     float64
}

// Metrics summarise a balancing run. Non-convergence is not an error.
type Metrics struct {
	Iterations  int
	MaxRowError float64
	MaxColError float64
	Converged   bool
	// Unreachable counts rows and columns with a positive target but an
	// all-zero seed.
	Unreachable int
}

// Solve alternates row and column scaling until both margins are within
// the relative tolerance or the iteration cap is reached. It returns the
// best matrix found.
func Solve(p Problem) (*mat.Dense, Metrics, error) {
	if p.Seed == nil {
		return nil, Metrics{}, fmt.Errorf("balance: nil seed")
	}
	r, c := p.Seed.Dims()
	if len(p.RowTargets) != r || len(p.ColTargets) != c {
		return nil, Metrics{}, fmt.Errorf("balance: targets %dx%d do not match seed %dx%d", len(p.RowTargets), len(p.ColTargets), r, c)
	}
	for _, v := range append(append([]float64{}, p.RowTargets...), p.ColTargets...) {
		if v < 0 || math.IsNaN(v) {
			return nil, Metrics{}, fmt.Errorf("balance: invalid target %v", v)
		}
	}
	maxIt := p.MaxIterations
	if maxIt <= 0 {
		maxIt = DefaultMaxIterations
	}
	tol := p.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	rows, cols := adjustTargets(p.RowTargets, p.ColTargets, p.Adjust)

	m := mat.DenseCopyOf(p.Seed)
	var met Metrics
	met.Unreachable = unreachable(m, rows, cols)
	rowSums := make([]float64, r)
	colSums := make([]float64, c)
	for it := 1; it <= maxIt; it++ {
		met.Iterations = it
		sums(m, rowSums, colSums)
		for i := 0; i < r; i++ {
			f := factor(rows[i], rowSums[i])
			if f == 1 {
				continue
			}
			row := m.RawRowView(i)
			floats.Scale(f, row)
		}
		sums(m, rowSums, colSums)
		for j := 0; j < c; j++ {
			f := factor(cols[j], colSums[j])
			if f == 1 {
				continue
			}
			for i := 0; i < r; i++ {
				m.Set(i, j, m.At(i, j)*f)
			}
		}
		sums(m, rowSums, colSums)
		met.MaxRowError = maxRelError(rowSums, rows)
		met.MaxColError = maxRelError(colSums, cols)
		if met.MaxRowError < tol && met.MaxColError < tol {
			met.Converged = true
			break
		}
	}
	return m, met, nil
}

func adjustTargets(rows, cols []float64, a Adjustment) ([]float64, []float64) {
	r := append([]float64(nil), rows...)
	c := append([]float64(nil), cols...)
	sr, sc := floats.Sum(r), floats.Sum(c)
	switch a {
	case AdjustRows:
		if sr > 0 {
			floats.Scale(sc/sr, r)
		}
	case AdjustColumns:
		if sc > 0 {
			floats.Scale(sr/sc, c)
		}
	case AdjustBothUsingAverage:
		avg := (sr + sc) / 2
		if sr > 0 {
			floats.Scale(avg/sr, r)
		}
		if sc > 0 {
			floats.Scale(avg/sc, c)
		}
	}
	return r, c
}

// factor is target/sum; rows with no mass stay at zero.
func factor(target, sum float64) float64 {
	if sum <= 0 {
		return 1
	}
	return target / sum
}

func sums(m *mat.Dense, rows, cols []float64) {
	r, c := m.Dims()
	for j := range cols {
		cols[j] = 0
	}
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		rows[i] = floats.Sum(row)
		for j := 0; j < c; j++ {
			cols[j] += row[j]
		}
	}
}

// maxRelError ignores margins that cannot be reached from the seed.
func maxRelError(got, want []float64) float64 {
	var e float64
	for i := range got {
		if want[i] == 0 {
			if got[i] > 0 {
				e = math.Max(e, 1)
			}
			continue
		}
		if got[i] == 0 {
			continue
		}
		e = math.Max(e, math.Abs(got[i]-want[i])/want[i])
	}
	return e
}

func unreachable(m *mat.Dense, rows, cols []float64) int {
	r, c := m.Dims()
	rs := make([]float64, r)
	cs := make([]float64, c)
	sums(m, rs, cs)
	n := 0
	for i := range rs {
		if rows[i] > 0 && rs[i] == 0 {
			n++
		}
	}
	for j := range cs {
		if cols[j] > 0 && cs[j] == 0 {
			n++
		}
	}
	return n
}
