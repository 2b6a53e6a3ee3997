package guider

import "math"

const (
	// GridInterval is the cell width of the regularized dataset, in seconds.
	GridInterval = 5.0

	// MaxRegularizedCells is the number of most recent cells kept.
	MaxRegularizedCells = 2048
)

// RegularizeDataset resamples an irregular series onto GridInterval cells
// starting at the first timestamp. Each cell holds the mean of the
// piecewise-linear interpolant of gearError and variances over the cell, and
// is stamped with the cell center. Only complete cells are emitted and at most
// the MaxRegularizedCells most recent are kept. Segments whose timestamps do
// not increase are skipped.
func RegularizeDataset(timestamps, gearError, variances []float64) (ts, gear, vars []float64) {
	n := len(timestamps)
	if n < 2 || len(gearError) != n || len(variances) != n {
		return nil, nil, nil
	}

	t0 := timestamps[0]
	cells := int(math.Floor((timestamps[n-1] - t0) / GridInterval))
	if cells <= 0 {
		return nil, nil, nil
	}

	ts = make([]float64, 0, cells)
	gear = make([]float64, 0, cells)
	vars = make([]float64, 0, cells)

	cellEnd := func() float64 { return t0 + float64(len(ts)+1)*GridInterval }
	sumGear, sumVar := 0.0, 0.0

	for i := 0; i+1 < n && len(ts) < cells; i++ {
		ta, tb := timestamps[i], timestamps[i+1]
		if !(tb > ta) {
			continue
		}

		x := math.Max(ta, cellEnd()-GridInterval)
		for x < tb && len(ts) < cells {
			end := math.Min(tb, cellEnd())
			wx, we := (x-ta)/(tb-ta), (end-ta)/(tb-ta)

			sumGear += 0.5 * (lerp(gearError[i], gearError[i+1], wx) + lerp(gearError[i], gearError[i+1], we)) * (end - x)
			sumVar += 0.5 * (lerp(variances[i], variances[i+1], wx) + lerp(variances[i], variances[i+1], we)) * (end - x)
			x = end

			if end == cellEnd() {
				ts = append(ts, end-0.5*GridInterval)
				gear = append(gear, sumGear/GridInterval)
				vars = append(vars, sumVar/GridInterval)
				sumGear, sumVar = 0, 0
			}
		}
	}

	if len(ts) > MaxRegularizedCells {
		drop := len(ts) - MaxRegularizedCells
		ts, gear, vars = ts[drop:], gear[drop:], vars[drop:]
	}
	return ts, gear, vars
}

func lerp(a, b, w float64) float64 {
	return a + (b-a)*w
}
