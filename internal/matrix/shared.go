// Package matrix holds the shared accumulator used by concurrent workers.
package matrix

import (
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Shared is an n x n accumulator with one lock per row. Workers add to
// disjoint or overlapping cells concurrently; readers take a Snapshot once
// all writers are done.
type Shared struct {
	n    int
	mu   []sync.Mutex
	rows [][]float64
}

func NewShared(n int) *Shared {
	s := &Shared{n: n, mu: make([]sync.Mutex, n), rows: make([][]float64, n)}
	for i := range s.rows {
		s.rows[i] = make([]float64, n)
	}
	return s
}

// Add adds v to cell (i, j).
func (s *Shared) Add(i, j int, v float64) {
	if v == 0 {
		return
	}
	s.mu[i].Lock()
	s.rows[i][j] += v
	s.mu[i].Unlock()
}

// AddRow adds vals to row i under a single lock acquisition.
func (s *Shared) AddRow(i int, cols []int, vals []float64) {
	s.mu[i].Lock()
	for k, j := range cols {
		s.rows[i][j] += vals[k]
	}
	s.mu[i].Unlock()
}

// Sum returns the total over all cells.
func (s *Shared) Sum() float64 {
	var t float64
	for i := range s.rows {
		s.mu[i].Lock()
		t += floats.Sum(s.rows[i])
		s.mu[i].Unlock()
	}
	return t
}

// Snapshot copies the accumulator into a dense matrix.
func (s *Shared) Snapshot() *mat.Dense {
	if s.n == 0 {
		return &mat.Dense{}
	}
	d := mat.NewDense(s.n, s.n, nil)
	for i := range s.rows {
		s.mu[i].Lock()
		d.SetRow(i, s.rows[i])
		s.mu[i].Unlock()
	}
	return d
}
