package balance

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"trucksynth/internal/model"
)

// EmptyOptions configure the empty-truck pass.
type EmptyOptions struct {
	// RatePct is the fleet-wide empty-truck share in percent, in [0,100).
	RatePct       float64
	Friction      float64
	MaxIterations int
	Tolerance     float64
}

// EmptyReport summarises the empty-truck pass.
type EmptyReport struct {
	Loaded        map[model.TruckClass]float64
	EmptyReturn   map[model.TruckClass]float64
	Statistical   map[model.TruckClass]float64
	CorrectedRate float64
	Metrics       map[model.TruckClass]Metrics
}

// Imbalance returns inbound minus outbound trucks per zone. Positive values
// are zones where trucks accumulate.
func Imbalance(loaded *mat.Dense) []float64 {
	r, c := loaded.Dims()
	bal := make([]float64, r)
	for o := 0; o < r; o++ {
		for d := 0; d < c; d++ {
			v := loaded.At(o, d)
			bal[d] += v
			bal[o] -= v
		}
	}
	return bal
}

// EmptySeed builds exp(-k*distance). Pairs with unknown (negative) distance
// get no empty trips.
func EmptySeed(dist *mat.Dense, k float64) *mat.Dense {
	r, c := dist.Dims()
	seed := mat.NewDense(r, c, nil)
	seed.Apply(func(i, j int, d float64) float64 {
		if d < 0 {
			return 0
		}
		return math.Exp(-k * d)
	}, dist)
	return seed
}

// BalanceEmpties distributes empty trucks from zones with a deficit (rows)
// to zones with a surplus (columns). The return trip of cell [i][j] is the
// empty movement from j back to i.
func BalanceEmpties(bal []float64, seed *mat.Dense, opt EmptyOptions) (*mat.Dense, Metrics, error) {
	rows := make([]float64, len(bal))
	cols := make([]float64, len(bal))
	for z, b := range bal {
		if b > 0 {
			cols[z] = b
		} else {
			rows[z] = -b
		}
	}
	return Solve(Problem{
		Seed:          seed,
		RowTargets:    rows,
		ColTargets:    cols,
		Adjust:        AdjustBothUsingAverage,
		MaxIterations: opt.MaxIterations,
		Tolerance:     opt.Tolerance,
	})
}

// AddEmptyTrucks adds balancing empties and statistical empties to the
// loaded tables in place. Loaded tables must share the dimensions of dist.
func AddEmptyTrucks(loaded map[model.TruckClass]*mat.Dense, dist *mat.Dense, opt EmptyOptions, log logrus.FieldLogger) (EmptyReport, error) {
	if opt.RatePct < 0 || opt.RatePct >= 100 {
		return EmptyReport{}, fmt.Errorf("balance: empty truck rate %v outside [0,100)", opt.RatePct)
	}
	rep := EmptyReport{
		Loaded:      map[model.TruckClass]float64{},
		EmptyReturn: map[model.TruckClass]float64{},
		Statistical: map[model.TruckClass]float64{},
		Metrics:     map[model.TruckClass]Metrics{},
	}
	loadedShare := (100 - opt.RatePct) / 100
	seed := EmptySeed(dist, opt.Friction)
	empties := map[model.TruckClass]*mat.Dense{}
	var retTot, targetTot float64
	for class, m := range loaded {
		r, c := m.Dims()
		sr, sc := seed.Dims()
		if r != sr || c != sc {
			return rep, fmt.Errorf("balance: %s table %dx%d does not match distances %dx%d", class, r, c, sr, sc)
		}
		e, met, err := BalanceEmpties(Imbalance(m), seed, opt)
		if err != nil {
			return rep, fmt.Errorf("balance: empties %s: %w", class, err)
		}
		if !met.Converged {
			log.WithFields(logrus.Fields{"class": class, "iterations": met.Iterations, "rowErr": met.MaxRowError, "colErr": met.MaxColError}).
				Warn("empty truck balancing did not converge")
		}
		empties[class] = e
		rep.Metrics[class] = met
		rep.Loaded[class] = mat.Sum(m)
		rep.EmptyReturn[class] = mat.Sum(e)
		retTot += rep.EmptyReturn[class]
		targetTot += rep.Loaded[class] / loadedShare
	}
	corrected := loadedShare
	if targetTot > 0 {
		corrected += retTot / targetTot
	}
	rep.CorrectedRate = corrected
	// the final total is always sum(loaded)/loadedShare; above 1 the
	// return empties themselves are scaled down to reach it
	scale := 1 / corrected
	if corrected > 1 {
		log.WithFields(logrus.Fields{"returnRate": retTot / targetTot, "globalRate": 1 - loadedShare}).
			Warn("empty return trucks exceed the global empty truck rate, scaling them down")
	}
	for class, m := range loaded {
		e := empties[class]
		before := mat.Sum(m)
		m.Apply(func(i, j int, v float64) float64 {
			return (v + e.At(j, i)) * scale
		}, m)
		rep.Statistical[class] = mat.Sum(m) - before - rep.EmptyReturn[class]
	}
	log.WithFields(logrus.Fields{
		"loadedSUT": math.Round(rep.Loaded[model.SUT]), "loadedMUT": math.Round(rep.Loaded[model.MUT]),
		"emptySUT": math.Round(rep.EmptyReturn[model.SUT]), "emptyMUT": math.Round(rep.EmptyReturn[model.MUT]),
		"correctedRate": corrected,
	}).Info("empty trucks added")
	return rep, nil
}
