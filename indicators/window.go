package indicators

import (
	"errors"
	"math"
)

// RollingWindow is a fixed-size ring of the most recent values. Not safe for
// concurrent use; the SignalEngine guards it.
type RollingWindow struct {
	values   []float64
	sum      float64
	position int
	size     int
	full     bool
}

func NewRollingWindow(size int) *RollingWindow {
	if size < 1 {
		size = 1
	}
	return &RollingWindow{
		values: make([]float64, size),
		size:   size,
	}
}

func (rw *RollingWindow) Add(value float64) {
	if rw.full {
		rw.sum -= rw.values[rw.position]
	}

	rw.values[rw.position] = value
	rw.sum += value
	rw.position = (rw.position + 1) % rw.size

	if !rw.full && rw.position == 0 {
		rw.full = true
	}
}

func (rw *RollingWindow) Sum() float64 {
	return rw.sum
}

func (rw *RollingWindow) Count() int {
	if rw.full {
		return rw.size
	}
	return rw.position
}

func (rw *RollingWindow) IsFull() bool {
	return rw.full
}

func (rw *RollingWindow) Average() float64 {
	count := rw.Count()
	if count == 0 {
		return 0
	}
	return rw.sum / float64(count)
}

func (rw *RollingWindow) Latest() (float64, error) {
	if rw.Count() == 0 {
		return 0, errors.New("no data available")
	}
	idx := rw.position - 1
	if idx < 0 {
		idx = rw.size - 1
	}
	return rw.values[idx], nil
}

// StdDev is the population standard deviation of the window.
func (rw *RollingWindow) StdDev() float64 {
	count := rw.Count()
	if count < 2 {
		return 0
	}
	avg := rw.sum / float64(count)
	variance := 0.0
	for i := 0; i < count; i++ {
		diff := rw.values[i] - avg
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(count))
}

// EMACalculator seeds with the first price, then smooths with 2/(period+1).
type EMACalculator struct {
	period     int
	multiplier float64
	ema        float64
	samples    int
}

func NewEMACalculator(period int) *EMACalculator {
	if period < 1 {
		period = 1
	}
	return &EMACalculator{
		period:     period,
		multiplier: 2.0 / (float64(period) + 1.0),
	}
}

func (ema *EMACalculator) Update(price float64) {
	if ema.samples == 0 {
		ema.ema = price
	} else {
		ema.ema = (price * ema.multiplier) + (ema.ema * (1 - ema.multiplier))
	}
	ema.samples++
}

func (ema *EMACalculator) Value() (float64, error) {
	if ema.samples == 0 {
		return 0, errors.New("EMA not initialized")
	}
	return ema.ema, nil
}

// Ready reports whether at least period samples have been seen.
func (ema *EMACalculator) Ready() bool {
	return ema.samples >= ema.period
}
