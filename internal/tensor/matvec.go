package tensor

import (
	"runtime"
	"sync"
)

// minParallelWork is the number of multiply-adds below which a product
// runs on the calling goroutine.
const minParallelWork = 1 << 15

type rangeTask struct {
	fn     func(lo, hi int)
	lo, hi int
	done   chan struct{}
}

type workPool struct {
	size      int
	tasks     chan rangeTask
	doneSlots chan chan struct{}
}

var (
	sharedPool     *workPool
	sharedPoolOnce sync.Once
)

func getPool() *workPool {
	sharedPoolOnce.Do(func() {
		sharedPool = newWorkPool()
	})
	return sharedPool
}

func newWorkPool() *workPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &workPool{
		size:      size,
		tasks:     make(chan rangeTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				task.fn(task.lo, task.hi)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// ParallelFor splits [0, n) into contiguous ranges and runs fn on the
// shared worker pool, returning once every range is done. fn must not call
// ParallelFor itself.
func ParallelFor(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	pool := getPool()
	workers := min(pool.size, n)
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-pool.doneSlots

	active := 0
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		active++
		pool.tasks <- rangeTask{fn: fn, lo: lo, hi: hi, done: done}
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}

// MatVec computes dst = x·w for w stored [in, out]. Output columns are
// split across the worker pool.
func MatVec(dst []float32, w *Tensor, x []float32) {
	in, out := w.Rows(), w.Cols()
	if len(dst) < out || len(x) < in {
		panic("matvec shape mismatch")
	}
	if in*out < minParallelWork {
		matVecRange(dst, w.Data, x, in, out, 0, out)
		return
	}
	ParallelFor(out, func(lo, hi int) {
		matVecRange(dst, w.Data, x, in, out, lo, hi)
	})
}

// MatVecSerial is MatVec on the calling goroutine. It produces bit-identical
// results to MatVec.
func MatVecSerial(dst []float32, w *Tensor, x []float32) {
	in, out := w.Rows(), w.Cols()
	if len(dst) < out || len(x) < in {
		panic("matvec shape mismatch")
	}
	matVecRange(dst, w.Data, x, in, out, 0, out)
}

// MatVecT computes dst = w·x for w stored [out, in], one dot product per
// row.
func MatVecT(dst []float32, w *Tensor, x []float32) {
	out, in := w.Rows(), w.Cols()
	if len(dst) < out || len(x) < in {
		panic("matvec shape mismatch")
	}
	if in*out < minParallelWork {
		matVecTRange(dst, w.Data, x, in, 0, out)
		return
	}
	ParallelFor(out, func(lo, hi int) {
		matVecTRange(dst, w.Data, x, in, lo, hi)
	})
}

// MatVecTSerial is MatVecT on the calling goroutine.
func MatVecTSerial(dst []float32, w *Tensor, x []float32) {
	out, in := w.Rows(), w.Cols()
	if len(dst) < out || len(x) < in {
		panic("matvec shape mismatch")
	}
	matVecTRange(dst, w.Data, x, in, 0, out)
}

// matVecRange accumulates columns [lo, hi) in input order, so the result of
// a column does not depend on how columns are partitioned.
func matVecRange(dst, w, x []float32, in, out, lo, hi int) {
	acc := dst[lo:hi]
	for k := range acc {
		acc[k] = 0
	}
	for i := range in {
		xi := x[i]
		row := w[i*out+lo : i*out+hi]
		for k, v := range row {
			acc[k] += xi * v
		}
	}
}

func matVecTRange(dst, w, x []float32, in, lo, hi int) {
	for r := lo; r < hi; r++ {
		dst[r] = Dot(w[r*in:(r+1)*in], x[:in])
	}
}
