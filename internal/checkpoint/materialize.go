// Package checkpoint turns raw named tensors from a checkpoint archive into
// model parameters.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/x448/float16"

	"github.com/samcharles93/mambagen/internal/tensor"
)

var (
	ErrShapeMismatch    = errors.New("checkpoint: shape mismatch")
	ErrEncodingMismatch = errors.New("checkpoint: encoding mismatch")
	ErrUnknownParam     = errors.New("checkpoint: unknown parameter")
)

// Encoding is the numeric format of a tensor inside the checkpoint.
type Encoding uint8

const (
	F32 Encoding = iota + 1
	F16
)

func (e Encoding) String() string {
	switch e {
	case F32:
		return "F32"
	case F16:
		return "F16"
	default:
		return fmt.Sprintf("Encoding(%d)", uint8(e))
	}
}

// Size is the byte width of one element.
func (e Encoding) Size() int {
	switch e {
	case F32:
		return 4
	case F16:
		return 2
	default:
		return 0
	}
}

// ParseEncoding maps a safetensors dtype tag to an Encoding.
func ParseEncoding(tag string) (Encoding, error) {
	switch tag {
	case "F32":
		return F32, nil
	case "F16":
		return F16, nil
	default:
		return 0, fmt.Errorf("checkpoint: unsupported dtype %q", tag)
	}
}

// Decode widens n little-endian elements of raw to float32.
func Decode(raw []byte, enc Encoding, n int) ([]float32, error) {
	size := enc.Size()
	if size == 0 {
		return nil, fmt.Errorf("checkpoint: unsupported encoding %s", enc)
	}
	if n < 0 || len(raw) != n*size {
		return nil, fmt.Errorf("%w: %s data is %d bytes, want %d for %d elements",
			ErrShapeMismatch, enc, len(raw), n*size, n)
	}
	out := make([]float32, n)
	switch enc {
	case F16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	return out, nil
}

// Materialize decodes raw into a tensor of the given shape. With transpose
// set, the data is laid out with the first two dimensions of shape swapped
// and is permuted back into shape.
func Materialize(raw []byte, enc Encoding, shape []int, transpose bool) (*tensor.Tensor, error) {
	n, err := tensor.NumElements(shape)
	if err != nil {
		return nil, fmt.Errorf("%w: target shape %v: %v", ErrShapeMismatch, shape, err)
	}
	data, err := Decode(raw, enc, n)
	if err != nil {
		return nil, err
	}
	if !transpose {
		return tensor.FromData(data, shape...)
	}
	if len(shape) < 2 {
		return nil, fmt.Errorf("%w: cannot transpose rank-%d shape %v", ErrShapeMismatch, len(shape), shape)
	}
	stored := slices.Clone(shape)
	stored[0], stored[1] = shape[1], shape[0]
	t, err := tensor.FromData(data, stored...)
	if err != nil {
		return nil, err
	}
	return t.SwapAxes01(), nil
}
