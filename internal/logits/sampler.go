package logits

import (
	"math"
	"math/rand"
	"slices"
)

// minTemperature is the temperature below which sampling is argmax.
const minTemperature = 1e-7

// Sampler draws token ids from logits vectors. A nil or near-zero
// temperature selects argmax; otherwise it samples from the softmax of
// logits/temperature, optionally restricted to the TopK largest entries and
// then to the smallest prefix whose probability mass reaches TopP.
type Sampler struct {
	rng    *rand.Rand
	greedy bool
	temp   float64
	topK   int
	topP   float64

	idx  []int
	val  []float32
	prob []float64
}

// NewSampler returns a sampler seeded with seed. topK <= 0 disables top-k;
// a nil topP or one outside (0, 1) disables nucleus filtering.
func NewSampler(seed uint64, temperature *float64, topK int, topP *float64) *Sampler {
	s := &Sampler{
		rng:  rand.New(rand.NewSource(int64(seed))),
		topK: topK,
		topP: 1,
	}
	if temperature == nil || *temperature < minTemperature {
		s.greedy = true
	} else {
		s.temp = *temperature
	}
	if topP != nil && *topP > 0 && *topP < 1 {
		s.topP = *topP
	}
	return s
}

// Greedy reports whether Sample is argmax.
func (s *Sampler) Greedy() bool { return s.greedy }

// Sample draws a single index from logits. logits is not modified.
func (s *Sampler) Sample(logits []float32) int {
	if s.greedy {
		return argmax(logits)
	}
	invTemp := float32(1 / s.temp)

	var (
		idx    []int
		val    []float32
		sorted bool
	)
	if s.topK > 0 && s.topK < len(logits) {
		idx, val = s.topKScaled(logits, s.topK, invTemp)
		sorted = true
	} else {
		idx, val = s.scaled(logits, invTemp)
	}
	if len(val) == 0 {
		return 0
	}

	maxv := val[0]
	for _, v := range val[1:] {
		maxv = max(maxv, v)
	}
	if cap(s.prob) < len(val) {
		s.prob = make([]float64, len(val))
	}
	prob := s.prob[:len(val)]
	var sum float64
	for i, v := range val {
		prob[i] = math.Exp(float64(v - maxv))
		sum += prob[i]
	}
	if sum == 0 || math.IsNaN(sum) {
		return idx[0]
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.topP < 1 {
		if !sorted {
			sortByProb(idx, prob)
		}
		var c float64
		for i, p := range prob {
			c += p
			if c >= s.topP {
				cut = i + 1
				break
			}
		}
	}

	var mass float64
	for _, p := range prob[:cut] {
		mass += p
	}
	r := s.rng.Float64() * mass
	var c float64
	for i := range cut {
		c += prob[i]
		if r < c {
			return idx[i]
		}
	}
	return idx[cut-1]
}

func (s *Sampler) scaled(logits []float32, invTemp float32) ([]int, []float32) {
	if cap(s.idx) < len(logits) {
		s.idx = make([]int, len(logits))
		s.val = make([]float32, len(logits))
	}
	idx, val := s.idx[:len(logits)], s.val[:len(logits)]
	for i, l := range logits {
		idx[i] = i
		val[i] = l * invTemp
	}
	return idx, val
}

// sortByProb orders idx and prob together by descending probability, ties
// by ascending index.
func sortByProb(idx []int, prob []float64) {
	order := make([]int, len(idx))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case prob[a] > prob[b]:
			return -1
		case prob[a] < prob[b]:
			return 1
		}
		return 0
	})
	ids := make([]int, len(idx))
	ps := make([]float64, len(prob))
	for i, o := range order {
		ids[i], ps[i] = idx[o], prob[o]
	}
	copy(idx, ids)
	copy(prob, ps)
}

// argmax returns the index of the maximum value, the first one on ties.
// It panics on an empty slice.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topKScaled returns the indices and values of the k largest elements in
// logits, scaled by invTemp and ordered from largest to smallest. This is an
// O(V*K) algorithm suitable for small K.
func (s *Sampler) topKScaled(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.idx) < k+1 {
		s.idx = make([]int, 0, k+1)
		s.val = make([]float32, 0, k+1)
	}
	topIdx := s.idx[:0]
	topVal := s.val[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.idx = topIdx
	s.val = topVal
	return topIdx, topVal
}
