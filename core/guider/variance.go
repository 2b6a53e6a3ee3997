package guider

import "math"

// VarianceModel maps a guide-star SNR to a measurement variance through the
// curve sd = Scale/(max(snr, MinSNR) - Offset) + Floor, variance = sd².
// The defaults come from simulated guiding experiments.
type VarianceModel struct {
	MinSNR float64 `yaml:"min_snr" json:"min_snr"`
	Offset float64 `yaml:"offset" json:"offset"`
	Scale  float64 `yaml:"scale" json:"scale"`
	Floor  float64 `yaml:"floor" json:"floor"`
}

// DefaultVarianceModel returns the fitted curve.
func DefaultVarianceModel() VarianceModel {
	return VarianceModel{
		MinSNR: 3.4,
		Offset: 3.3,
		Scale:  2.1752,
		Floor:  0.5,
	}
}

// Valid reports whether the curve is finite and has a positive pole margin.
func (m VarianceModel) Valid() bool {
	for _, v := range []float64{m.MinSNR, m.Offset, m.Scale, m.Floor} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return m.MinSNR > m.Offset && m.Scale >= 0 && m.Floor >= 0
}

// StandardDeviation returns the measurement standard deviation for snr.
func (m VarianceModel) StandardDeviation(snr float64) float64 {
	snr = math.Max(snr, m.MinSNR)
	return m.Scale/(snr-m.Offset) + m.Floor
}

// Variance returns the measurement variance for snr. It is monotonically
// non-increasing in snr.
func (m VarianceModel) Variance(snr float64) float64 {
	sd := m.StandardDeviation(snr)
	return sd * sd
}
