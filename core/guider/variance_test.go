package guider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVarianceModel_KnownValues(t *testing.T) {
	m := DefaultVarianceModel()
	assert.True(t, m.Valid())

	// sd = 2.1752/(20-3.3) + 0.5
	assert.InDelta(t, 0.6302515, m.StandardDeviation(20), 1e-6)
	assert.InDelta(t, 0.3972169, m.Variance(20), 1e-6)

	// SNR is floored at 3.4
	assert.InDelta(t, 22.252, m.StandardDeviation(1), 1e-9)
	assert.Equal(t, m.Variance(3.4), m.Variance(-5))
}

func TestVarianceModel_Monotone(t *testing.T) {
	m := DefaultVarianceModel()
	prev := m.Variance(0)
	for snr := 0.5; snr < 200; snr += 0.5 {
		v := m.Variance(snr)
		assert.LessOrEqual(t, v, prev, "snr %v", snr)
		assert.Greater(t, v, 0.0)
		prev = v
	}
}

func TestVarianceModel_Valid(t *testing.T) {
	m := DefaultVarianceModel()
	m.MinSNR = m.Offset
	assert.False(t, m.Valid())

	m = DefaultVarianceModel()
	m.Scale = -1
	assert.False(t, m.Valid())
}
