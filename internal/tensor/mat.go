package tensor

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
)

var (
	errNegativeDim      = errors.New("tensor: invalid dimension")
	errTensorTooLarge   = errors.New("tensor: too large")
	errDataSizeMismatch = errors.New("tensor: data length mismatch")
)

// Tensor is a dense row-major tensor of float32 values.
//
// Shape lists the dimensions from outermost to innermost; Data holds
// exactly NumElements(Shape) values.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-initialised tensor. It panics on invalid shapes.
func New(shape ...int) *Tensor {
	n, err := NumElements(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, n),
	}
}

// FromData wraps existing data. The data length must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: %d values for shape %v", errDataSizeMismatch, len(data), shape)
	}
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  data,
	}, nil
}

// NumElements returns the product of shape, guarding against overflow.
func NumElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", errNegativeDim)
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: %d", errNegativeDim, d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, errTensorTooLarge
		}
		n *= d
	}
	return n, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Rows returns the size of the outermost dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Cols returns the number of elements per outermost index.
func (t *Tensor) Cols() int {
	if t.Rows() == 0 {
		return 0
	}
	return len(t.Data) / t.Rows()
}

// Row returns the i-th slice along the outermost dimension.
func (t *Tensor) Row(i int) []float32 {
	c := t.Cols()
	return t.Data[i*c : (i+1)*c]
}

// Reshape changes the shape in place without touching the data.
func (t *Tensor) Reshape(shape ...int) error {
	n, err := NumElements(shape)
	if err != nil {
		return err
	}
	if n != len(t.Data) {
		return fmt.Errorf("%w: cannot reshape %v to %v", errDataSizeMismatch, t.Shape, shape)
	}
	t.Shape = slices.Clone(shape)
	return nil
}

// SwapAxes01 returns a new tensor with the first two axes exchanged.
// Trailing axes keep their layout.
func (t *Tensor) SwapAxes01() *Tensor {
	if len(t.Shape) < 2 {
		panic("SwapAxes01 requires rank >= 2")
	}
	a, b := t.Shape[0], t.Shape[1]
	inner := len(t.Data) / (a * b)
	out := &Tensor{
		Shape: slices.Clone(t.Shape),
		Data:  make([]float32, len(t.Data)),
	}
	out.Shape[0], out.Shape[1] = b, a
	for i := range a {
		for j := range b {
			src := t.Data[(i*b+j)*inner : (i*b+j+1)*inner]
			copy(out.Data[(j*a+i)*inner:], src)
		}
	}
	return out
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: slices.Clone(t.Shape),
		Data:  slices.Clone(t.Data),
	}
}

// FillRand fills t with uniform values in [-scale, scale) from a seeded source.
func FillRand(t *Tensor, seed int64, scale float32) {
	r := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (r.Float32()*2 - 1) * scale
	}
}
