package guider

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// dumpGridSize is the number of prediction locations written by SaveGPData.
const dumpGridSize = 512

// DumpFiles names the files written by one SaveGPData call.
type DumpFiles struct {
	RunID           string
	Measurements    string
	Predictions     string
	Hyperparameters string
}

// SaveGPData writes the history, a prediction grid and the hyperparameters
// to CSV files in dir, named by a fresh run identifier. The grid spans the
// history plus one period.
func (g *Guider) SaveGPData(dir string) (DumpFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return DumpFiles{}, fmt.Errorf("guider: dump: %w", err)
	}

	id := uuid.NewString()
	files := DumpFiles{
		RunID:           id,
		Measurements:    filepath.Join(dir, id+"_measurements.csv"),
		Predictions:     filepath.Join(dir, id+"_gp.csv"),
		Hyperparameters: filepath.Join(dir, id+"_hyperparameters.csv"),
	}

	ts, gear, _ := g.GearError()
	samples := g.history.Items()
	rows := [][]string{{"timestamp", "measurement", "variance", "control", "gear_error", "blind"}}
	for i, s := range samples {
		rows = append(rows, []string{
			formatFloat(s.Timestamp), formatFloat(s.Measurement), formatFloat(s.Variance),
			formatFloat(s.Control), formatFloat(gear[i]), strconv.FormatBool(s.Blind),
		})
	}
	if err := writeCSV(files.Measurements, rows); err != nil {
		return DumpFiles{}, err
	}

	grid := g.dumpGrid(ts)
	mean, variance := g.Predict(grid)
	rows = [][]string{{"location", "mean", "std"}}
	for i, x := range grid {
		rows = append(rows, []string{formatFloat(x), formatFloat(mean[i]), formatFloat(sqrtNonNegative(variance[i]))})
	}
	if err := writeCSV(files.Predictions, rows); err != nil {
		return DumpFiles{}, err
	}

	rows = [][]string{{"name", "value"}}
	for i, v := range g.GPHyperparameters() {
		rows = append(rows, []string{Hyperparameter(i).String(), formatFloat(v)})
	}
	if err := writeCSV(files.Hyperparameters, rows); err != nil {
		return DumpFiles{}, err
	}

	g.logger.Log("PPEC wrote diagnostic dump %s", id)
	return files, nil
}

func (g *Guider) dumpGrid(ts []float64) []float64 {
	lo, hi := 0.0, 0.0
	if len(ts) > 0 {
		lo, hi = ts[0], ts[len(ts)-1]
	}
	hi += g.params.PKPeriodLength

	grid := make([]float64, dumpGridSize)
	step := (hi - lo) / float64(dumpGridSize-1)
	for i := range grid {
		grid[i] = lo + float64(i)*step
	}
	return grid
}

func writeCSV(path string, rows [][]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("guider: dump: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("guider: dump: %w", cerr)
		}
	}()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("guider: dump %s: %w", filepath.Base(path), err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func sqrtNonNegative(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
