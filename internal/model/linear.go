package model

import "github.com/samcharles93/mambagen/internal/tensor"

// Linear is a bias-free projection.
//
// W is stored [in, out] unless OutMajor is set, in which case it is
// [out, in] and every output is a dot product with one row.
type Linear struct {
	W        *tensor.Tensor
	OutMajor bool
}

func (l Linear) In() int {
	if l.OutMajor {
		return l.W.Cols()
	}
	return l.W.Rows()
}

func (l Linear) Out() int {
	if l.OutMajor {
		return l.W.Rows()
	}
	return l.W.Cols()
}

// Apply computes dst = l(x), splitting outputs across the worker pool.
func (l Linear) Apply(dst, x []float32) {
	if l.OutMajor {
		tensor.MatVecT(dst, l.W, x)
		return
	}
	tensor.MatVec(dst, l.W, x)
}

// ApplySerial is Apply on the calling goroutine with bit-identical output.
// Use it inside tensor.ParallelFor bodies.
func (l Linear) ApplySerial(dst, x []float32) {
	if l.OutMajor {
		tensor.MatVecTSerial(dst, l.W, x)
		return
	}
	tensor.MatVecSerial(dst, l.W, x)
}
