package guider

// =============================================================================
// Sample
// =============================================================================

// Sample is one stored guiding cycle. Samples are immutable once pushed.
type Sample struct {
	// Timestamp is seconds since the controller start, corrected by the
	// dither offset in gear time.
	Timestamp float64 `json:"timestamp"`

	// Measurement is the residual tracking error observed in this cycle.
	Measurement float64 `json:"measurement"`

	// Variance is the measurement variance derived from the SNR.
	Variance float64 `json:"variance"`

	// Control is the correction that was applied before this measurement
	// was taken.
	Control float64 `json:"control"`

	// Blind marks pseudo-measurements stored while dark guiding or dithering.
	Blind bool `json:"blind"`
}

// =============================================================================
// History - Fixed-Capacity Ring Buffer
// =============================================================================
//
// History keeps the most recent samples in insertion order. Once full, each
// push evicts the oldest sample. Index 0 is always the oldest retained sample.
//
// History is not safe for concurrent use; the controller owns it exclusively.

// DefaultHistoryCapacity is the number of samples retained by default.
const DefaultHistoryCapacity = 8192

// History is a fixed-capacity ring buffer of samples.
type History struct {
	items    []Sample
	head     int // index of the oldest sample
	tail     int // index where the next sample goes
	count    int
	capacity int
}

// NewHistory creates a buffer holding at most capacity samples. A capacity
// below 1 is raised to 1.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		items:    make([]Sample, capacity),
		capacity: capacity,
	}
}

// Push appends s, evicting the oldest sample when full. It reports whether
// a sample was evicted.
func (h *History) Push(s Sample) bool {
	evicted := false
	if h.count == h.capacity {
		h.head = (h.head + 1) % h.capacity
		evicted = true
	} else {
		h.count++
	}

	h.items[h.tail] = s
	h.tail = (h.tail + 1) % h.capacity
	return evicted
}

// At returns the i-th oldest retained sample.
func (h *History) At(i int) (Sample, bool) {
	if i < 0 || i >= h.count {
		return Sample{}, false
	}
	return h.items[(h.head+i)%h.capacity], true
}

// Last returns the newest sample.
func (h *History) Last() (Sample, bool) {
	return h.At(h.count - 1)
}

// SecondLast returns the sample pushed before the newest one.
func (h *History) SecondLast() (Sample, bool) {
	return h.At(h.count - 2)
}

// Len returns the number of retained samples.
func (h *History) Len() int { return h.count }

// Cap returns the capacity.
func (h *History) Cap() int { return h.capacity }

// Clear drops all samples.
func (h *History) Clear() {
	clear(h.items)
	h.head, h.tail, h.count = 0, 0, 0
}

// Items returns the retained samples, oldest first.
func (h *History) Items() []Sample {
	out := make([]Sample, h.count)
	for i := range out {
		out[i] = h.items[(h.head+i)%h.capacity]
	}
	return out
}

// CountBlind returns the number of pseudo-measurements currently retained.
func (h *History) CountBlind() int {
	n := 0
	for i := 0; i < h.count; i++ {
		if h.items[(h.head+i)%h.capacity].Blind {
			n++
		}
	}
	return n
}
