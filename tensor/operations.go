package tensor

import (
	"fmt"
)

// Add computes element-wise a + b. Shapes must match exactly.
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.ShapeEquals(b) {
		return nil, fmt.Errorf("shape mismatch for Add: %v vs %v", a.Shape, b.Shape)
	}
	out := Zeros(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// Sub computes element-wise a - b. Shapes must match exactly.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !a.ShapeEquals(b) {
		return nil, fmt.Errorf("shape mismatch for Sub: %v vs %v", a.Shape, b.Shape)
	}
	out := Zeros(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out, nil
}

// Mul computes element-wise a * b. Shapes must match exactly.
func Mul(a, b *Tensor) (*Tensor, error) {
	if !a.ShapeEquals(b) {
		return nil, fmt.Errorf("shape mismatch for Mul: %v vs %v", a.Shape, b.Shape)
	}
	out := Zeros(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out, nil
}

// Scale computes a * s element-wise.
func Scale(a *Tensor, s float32) *Tensor {
	out := Zeros(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] * s
	}
	return out
}

// AXPY accumulates alpha*x into y in place. Shapes must match exactly.
func AXPY(alpha float32, x, y *Tensor) error {
	if !x.ShapeEquals(y) {
		return fmt.Errorf("shape mismatch for AXPY: %v vs %v", x.Shape, y.Shape)
	}
	for i := range y.Data {
		y.Data[i] += alpha * x.Data[i]
	}
	return nil
}

// MatMul computes the matrix product of two rank-2 tensors:
// a [m,k] x b [k,n] -> [m,n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Dims() != 2 || b.Dims() != 2 {
		return nil, fmt.Errorf("MatMul requires rank-2 tensors, got %v and %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[0], a.Shape[1]
	k2, n := b.Shape[0], b.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("inner dimensions do not match: %v x %v", a.Shape, b.Shape)
	}

	out := Zeros(m, n)
	for i := 0; i < m; i++ {
		aRow := a.Data[i*k : (i+1)*k]
		outRow := out.Data[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := aRow[p]
			if av == 0 {
				continue
			}
			bRow := b.Data[p*n : (p+1)*n]
			for j := 0; j < n; j++ {
				outRow[j] += av * bRow[j]
			}
		}
	}
	return out, nil
}

// MatMulTransposeB computes a [m,k] x b^T where b is [n,k] -> [m,n].
// Used by dense layers storing weights as [out,in].
func MatMulTransposeB(a, b *Tensor) (*Tensor, error) {
	if a.Dims() != 2 || b.Dims() != 2 {
		return nil, fmt.Errorf("MatMulTransposeB requires rank-2 tensors, got %v and %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[0], a.Shape[1]
	n, k2 := b.Shape[0], b.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("inner dimensions do not match: %v x %v^T", a.Shape, b.Shape)
	}

	out := Zeros(m, n)
	for i := 0; i < m; i++ {
		aRow := a.Data[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			bRow := b.Data[j*k : (j+1)*k]
			var sum float32
			for p := 0; p < k; p++ {
				sum += aRow[p] * bRow[p]
			}
			out.Data[i*n+j] = sum
		}
	}
	return out, nil
}

// MatMulTransposeA computes a^T x b where a is [k,m], b is [k,n] -> [m,n].
// Used for weight gradients in dense layers.
func MatMulTransposeA(a, b *Tensor) (*Tensor, error) {
	if a.Dims() != 2 || b.Dims() != 2 {
		return nil, fmt.Errorf("MatMulTransposeA requires rank-2 tensors, got %v and %v", a.Shape, b.Shape)
	}
	k, m := a.Shape[0], a.Shape[1]
	k2, n := b.Shape[0], b.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("inner dimensions do not match: %v^T x %v", a.Shape, b.Shape)
	}

	out := Zeros(m, n)
	for p := 0; p < k; p++ {
		aRow := a.Data[p*m : (p+1)*m]
		bRow := b.Data[p*n : (p+1)*n]
		for i := 0; i < m; i++ {
			av := aRow[i]
			if av == 0 {
				continue
			}
			outRow := out.Data[i*n : (i+1)*n]
			for j := 0; j < n; j++ {
				outRow[j] += av * bRow[j]
			}
		}
	}
	return out, nil
}
