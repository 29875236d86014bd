package csvio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"trucksynth/internal/model"
)

// Header layouts of the trip table files.
var (
	TripHeader     = [2]string{"orig", "dest"}
	ExternalHeader = [2]string{"OrigZone", "DestZone"}
)

var classHeader = map[model.TruckClass]string{
	model.SUT: "singleUnitTrucks",
	model.MUT: "multiUnitTrucks",
	model.CV:  "commercialVehicles",
}

// WriteTripTable writes one row per zone pair with at least one trip.
// Intrazonal rows are always written.
func WriteTripTable(w io.Writer, t model.TripTable, head [2]string) error {
	bw := bufio.NewWriter(w)
	classes := t.Classes()
	fmt.Fprintf(bw, "%s,%s", head[0], head[1])
	for _, c := range classes {
		fmt.Fprintf(bw, ",%s", classHeader[c])
	}
	bw.WriteByte('\n')
	buf := make([]byte, 0, 64)
	for i, o := range t.Zones {
		for j, d := range t.Zones {
			nonzero := i == j
			for _, c := range classes {
				if t.Trips[c].At(i, j) != 0 {
					nonzero = true
					break
				}
			}
			if !nonzero {
				continue
			}
			buf = strconv.AppendInt(buf[:0], int64(o), 10)
			buf = append(buf, ',')
			buf = strconv.AppendInt(buf, int64(d), 10)
			for _, c := range classes {
				buf = append(buf, ',')
				buf = strconv.AppendFloat(buf, t.Trips[c].At(i, j), 'f', 6, 64)
			}
			buf = append(buf, '\n')
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteProductions writes the zonal productions and attractions of the
// local model. Attractions equal productions.
func WriteProductions(w io.Writer, zs []model.ZoneID, prod map[model.TruckClass][]float64) error {
	bw := bufio.NewWriter(w)
	order := []model.TruckClass{model.MUT, model.SUT, model.CV}
	bw.WriteString("TAZ")
	for _, p := range []string{"P_", "A_"} {
		for _, c := range order {
			bw.WriteString("," + p + classColumns[c])
		}
	}
	bw.WriteByte('\n')
	for i, z := range zs {
		bw.WriteString(strconv.Itoa(int(z)))
		for k := 0; k < 2; k++ {
			for _, c := range order {
				var v float64
				if i < len(prod[c]) {
					v = prod[c][i]
				}
				bw.WriteString("," + strconv.FormatFloat(v, 'f', 6, 64))
			}
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// WriteFile creates path and its directory and writes through fn.
func WriteFile(path string, fn func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}
