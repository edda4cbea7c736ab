package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// New creates a zero-filled tensor with the given shape.
func New(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := calculateNumElements(shape)
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     make([]float32, n),
		NumElems: n,
	}, nil
}

// NewFromData creates a tensor wrapping the given backing slice.
// The slice is used directly, not copied.
func NewFromData(data []float32, shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := calculateNumElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: n,
	}, nil
}

// Zeros creates a zero-filled tensor, panicking on an invalid shape.
// Intended for shapes that are known-good by construction.
func Zeros(shape ...int) *Tensor {
	t, err := New(shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Full creates a tensor with every element set to v.
func Full(v float32, shape ...int) (*Tensor, error) {
	t, err := New(shape...)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = v
	}
	return t, nil
}

// HeNormal fills the tensor with values drawn from N(0, sqrt(2/fanIn)),
// the standard initialization for ReLU networks.
func (t *Tensor) HeNormal(fanIn int, rng *rand.Rand) {
	std := float32(math.Sqrt(2.0 / float64(fanIn)))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// GlorotUniform fills the tensor with values drawn uniformly from
// [-limit, limit] where limit = sqrt(6/(fanIn+fanOut)).
func (t *Tensor) GlorotUniform(fanIn, fanOut int, rng *rand.Rand) {
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * limit
	}
}
