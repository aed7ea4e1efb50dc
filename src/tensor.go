package flow

import (
	"errors"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Tensor is the core data structure - internal only, not exposed to users
type tensor struct {
	data   []float64
	shape  []int
	stride []int
	grad   []float64
	frozen bool // parameters only; zero value is trainable
}

func newTensor(shape ...int) *tensor {
	size := 1
	for _, s := range shape {
		if s <= 0 {
			s = 1 // Ensure non-zero size
		}
		size *= s
	}
	stride := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		if i == len(shape)-1 {
			stride[i] = 1
		} else {
			stride[i] = stride[i+1] * shape[i+1]
		}
	}
	return &tensor{
		data:   make([]float64, size),
		shape:  append([]int(nil), shape...),
		stride: stride,
		grad:   make([]float64, size),
	}
}

// tensorFromRows packs per-sample rows into a batch tensor of shape [len(rows), sampleShape...].
func tensorFromRows(rows [][]float64, sampleShape []int) (*tensor, error) {
	sampleSize := 1
	for _, s := range sampleShape {
		sampleSize *= s
	}
	t := newTensor(append([]int{len(rows)}, sampleShape...)...)
	for i, row := range rows {
		if len(row) != sampleSize {
			return nil, errorf("sample %d has %d values, expected %d for shape %v", i, len(row), sampleSize, sampleShape)
		}
		copy(t.data[i*sampleSize:], row)
	}
	return t, nil
}

// rows unpacks a [batch, ...] tensor into one slice per sample.
func (t *tensor) rows() [][]float64 {
	n := t.shape[0]
	cols := t.size() / n
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, cols)
		copy(out[i], t.data[i*cols:(i+1)*cols])
	}
	return out
}

func (t *tensor) size() int {
	return len(t.data)
}

func (t *tensor) at(indices ...int) float64 {
	idx := 0
	for i, v := range indices {
		idx += v * t.stride[i]
	}
	return t.data[idx]
}

func (t *tensor) fill(value float64) {
	for i := range t.data {
		t.data[i] = value
	}
}

func (t *tensor) fillRandNorm(mean, std float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.NormFloat64()*std + mean
	}
}

func (t *tensor) fillRandUniform(low, high float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.Float64()*(high-low) + low
	}
}

func (t *tensor) zeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

func (t *tensor) clone() *tensor {
	nt := newTensor(t.shape...)
	copy(nt.data, t.data)
	copy(nt.grad, t.grad)
	nt.frozen = t.frozen
	return nt
}

// matrix views a 2-D tensor's storage as a gonum matrix without copying.
func (t *tensor) matrix() *mat.Dense {
	return mat.NewDense(t.shape[0], t.size()/t.shape[0], t.data)
}

// out = a @ b
func matmul(a, b, out *tensor) {
	out.matrix().Mul(a.matrix(), b.matrix())
}

// out = a^T @ b
func matmulTransA(a, b, out *tensor) {
	out.matrix().Mul(a.matrix().T(), b.matrix())
}

// out = a @ b^T
func matmulTransB(a, b, out *tensor) {
	out.matrix().Mul(a.matrix(), b.matrix().T())
}

func addVec(a *tensor, b *tensor) {
	for i := range a.data {
		a.data[i] += b.data[i%len(b.data)]
	}
}

func mulScalar(a *tensor, s float64) {
	for i := range a.data {
		a.data[i] *= s
	}
}

func sumAxis0(a *tensor, out *tensor) {
	rows := a.shape[0]
	cols := a.shape[1]
	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += a.data[i*cols+j]
		}
		out.data[j] = sum
	}
}

func clip(a *tensor, min, max float64) {
	for i := range a.data {
		if a.data[i] < min {
			a.data[i] = min
		} else if a.data[i] > max {
			a.data[i] = max
		}
	}
}

func l2Norm(a *tensor) float64 {
	sum := 0.0
	for _, v := range a.data {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func validateShape(expected, got []int) error {
	if len(expected) != len(got) {
		return errors.New("flow: shape mismatch - different dimensions")
	}
	for i := range expected {
		if expected[i] != got[i] {
			return errors.New("flow: shape mismatch")
		}
	}
	return nil
}
