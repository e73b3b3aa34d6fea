package model

import "github.com/samcharles93/mambagen/internal/tensor"

// Model is a recurrent language model paired with its cache type C.
//
// Step advances one position per batch element and returns the logits for
// the next position along with a replacement cache; the cache passed in is
// left untouched. Forward processes whole sequences without a cache and
// returns one logits vector per position. For the same tokens both paths
// produce bit-identical logits.
type Model[C any] interface {
	Config() Config
	Version() Version
	Device() Device
	LayerCount() int
	PaddedVocabSize() int
	EmptyCache(batch int) C
	Step(tokens []int, cache C) ([][]float32, C)
	Forward(batch [][]int, chunkSize int) [][][]float32
}

var (
	_ Model[*Mamba1Cache] = (*Mamba1)(nil)
	_ Model[*Mamba2Cache] = (*Mamba2)(nil)
)

// LayerState is the recurrent state of one layer for one sequence.
type LayerState struct {
	// Conv holds the last d_conv-1 inputs of the depthwise convolution,
	// oldest first, laid out [(d_conv-1), channels].
	Conv []float32
	// SSM holds the selective-scan hidden state.
	SSM []float32
}

func newLayerState(convLen, ssmLen int) LayerState {
	return LayerState{
		Conv: make([]float32, convLen),
		SSM:  make([]float32, ssmLen),
	}
}

func (s LayerState) clone() LayerState {
	return LayerState{
		Conv: append([]float32(nil), s.Conv...),
		SSM:  append([]float32(nil), s.SSM...),
	}
}

// layerStates is indexed [layer][batch].
type layerStates [][]LayerState

func newLayerStates(layers, batch, convLen, ssmLen int) layerStates {
	out := make(layerStates, layers)
	for l := range out {
		out[l] = make([]LayerState, batch)
		for b := range out[l] {
			out[l][b] = newLayerState(convLen, ssmLen)
		}
	}
	return out
}

func (ls layerStates) clone() layerStates {
	out := make(layerStates, len(ls))
	for l := range ls {
		out[l] = make([]LayerState, len(ls[l]))
		for b := range ls[l] {
			out[l][b] = ls[l][b].clone()
		}
	}
	return out
}

func (ls layerStates) batch() int {
	if len(ls) == 0 {
		return 0
	}
	return len(ls[0])
}

// embed copies the embedding row of id into dst.
func embed(dst []float32, emb *tensor.Tensor, id int) {
	if id < 0 || id >= emb.Rows() {
		panic("token id out of embedding range")
	}
	copy(dst, emb.Row(id))
}

// headLogits applies the final norm and the tied output projection.
func headLogits(dst, h, scratch []float32, normF *tensor.Tensor, out Linear, eps float32, serial bool) {
	tensor.RMSNorm(scratch, h, normF.Data, eps)
	if serial {
		out.ApplySerial(dst, scratch)
		return
	}
	out.Apply(dst, scratch)
}

// chunks splits [0, n) into consecutive ranges of at most size positions.
// A non-positive size yields a single range.
func chunks(n, size int) [][2]int {
	if size <= 0 || size >= n {
		return [][2]int{{0, n}}
	}
	out := make([][2]int, 0, (n+size-1)/size)
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}

// depthwiseConv computes one causal convolution output per channel from
// the rolling state and the current input, then shifts in to the state.
// kernel is [channels, 1, d_conv].
func depthwiseConv(out, in []float32, kernel *tensor.Tensor, bias []float32, state []float32) {
	channels := kernel.Rows()
	kernelLen := kernel.Cols()
	for c := range channels {
		row := kernel.Row(c)
		sum := bias[c]
		for k := 0; k < kernelLen-1; k++ {
			sum += row[k] * state[k*channels+c]
		}
		sum += row[kernelLen-1] * in[c]
		out[c] = sum
	}
	if kernelLen > 1 {
		copy(state, state[channels:])
		copy(state[(kernelLen-2)*channels:], in[:channels])
	}
}
