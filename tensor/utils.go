package tensor

import (
	"fmt"
	"math"
)

// SumFloat64 sums all elements with float64 accumulation.
// Collapse statistics divide one covariance trace by another; float32
// accumulation over large evaluation sets loses enough precision to
// distort that ratio, so every reduction feeding a statistic goes
// through these helpers.
func (t *Tensor) SumFloat64() float64 {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return sum
}

// MeanFloat64 returns the mean of all elements with float64 accumulation.
func (t *Tensor) MeanFloat64() float64 {
	if t.NumElems == 0 {
		return 0
	}
	return t.SumFloat64() / float64(t.NumElems)
}

// Row returns the i-th row of a rank-2 tensor as a slice sharing the
// underlying data.
func (t *Tensor) Row(i int) ([]float32, error) {
	if t.Dims() != 2 {
		return nil, fmt.Errorf("Row requires a rank-2 tensor, got shape %v", t.Shape)
	}
	if i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("row index %d out of range [0,%d)", i, t.Shape[0])
	}
	cols := t.Shape[1]
	return t.Data[i*cols : (i+1)*cols], nil
}

// HasNaN reports whether any element is NaN.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		if math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}

// ArgMaxRows returns the index of the maximum element in each row of a
// rank-2 tensor.
func (t *Tensor) ArgMaxRows() ([]int, error) {
	if t.Dims() != 2 {
		return nil, fmt.Errorf("ArgMaxRows requires a rank-2 tensor, got shape %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		best := 0
		bestVal := t.Data[i*cols]
		for j := 1; j < cols; j++ {
			if v := t.Data[i*cols+j]; v > bestVal {
				bestVal = v
				best = j
			}
		}
		out[i] = best
	}
	return out, nil
}
