package model

import (
	"fmt"

	"github.com/samcharles93/mambagen/internal/tensor"
)

type mamba1Layer struct {
	norm    *tensor.Tensor // [d_model]
	inProj  *tensor.Tensor // [d_model, 2*d_inner]
	convW   *tensor.Tensor // [d_inner, 1, d_conv]
	convB   *tensor.Tensor // [d_inner]
	xProj   *tensor.Tensor // [d_inner, dt_rank+2*d_state]
	dtProjW *tensor.Tensor // [dt_rank, d_inner]
	dtProjB *tensor.Tensor // [d_inner]
	aLog    *tensor.Tensor // [d_inner, d_state]
	d       *tensor.Tensor // [d_inner]
	outProj *tensor.Tensor // [d_inner, d_model]
}

// Mamba1 is the selective state-space model of the first generation, with
// a per-channel diagonal state and a low-rank time-step projection.
type Mamba1 struct {
	cfg       Config
	embedding *tensor.Tensor // [padded_vocab, d_model]
	normF     *tensor.Tensor
	layers    []mamba1Layer
	params    map[string]*tensor.Tensor
}

// Mamba1Cache holds one LayerState per layer and batch element.
type Mamba1Cache struct {
	states layerStates
}

// Batch reports the number of sequences the cache was sized for.
func (c *Mamba1Cache) Batch() int { return c.states.batch() }

// Layer returns the state of layer l for batch element b.
func (c *Mamba1Cache) Layer(l, b int) LayerState { return c.states[l][b] }

// NewMamba1 allocates a zero-initialised model for cfg.
func NewMamba1(cfg Config) (*Mamba1, error) {
	if cfg.Version != V1 {
		return nil, fmt.Errorf("mamba1: config is for %s", cfg.Version)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mamba1: %w", err)
	}
	dModel, dInner, n, r := cfg.DModel, cfg.DInner(), cfg.DState, cfg.DTRank
	m := &Mamba1{
		cfg:       cfg,
		embedding: tensor.New(cfg.PaddedVocabSize(), dModel),
		normF:     tensor.New(dModel),
		layers:    make([]mamba1Layer, cfg.NLayer),
		params:    make(map[string]*tensor.Tensor, 2+cfg.NLayer*10),
	}
	m.params[pathEmbedding] = m.embedding
	m.params[pathNormF] = m.normF
	for i := range m.layers {
		l := &m.layers[i]
		*l = mamba1Layer{
			norm:    tensor.New(dModel),
			inProj:  tensor.New(dModel, 2*dInner),
			convW:   tensor.New(dInner, 1, cfg.DConv),
			convB:   tensor.New(dInner),
			xProj:   tensor.New(dInner, r+2*n),
			dtProjW: tensor.New(r, dInner),
			dtProjB: tensor.New(dInner),
			aLog:    tensor.New(dInner, n),
			d:       tensor.New(dInner),
			outProj: tensor.New(dInner, dModel),
		}
		m.params[layerPath(i, "norm.weight")] = l.norm
		for name, t := range map[string]*tensor.Tensor{
			"in_proj.weight":  l.inProj,
			"conv1d.weight":   l.convW,
			"conv1d.bias":     l.convB,
			"x_proj.weight":   l.xProj,
			"dt_proj.weight":  l.dtProjW,
			"dt_proj.bias":    l.dtProjB,
			"A_log":           l.aLog,
			"D":               l.d,
			"out_proj.weight": l.outProj,
		} {
			m.params[layerPath(i, "mixer."+name)] = t
		}
	}
	return m, nil
}

// Param returns the parameter slot at path, e.g. "layers.0.mixer.A_log".
func (m *Mamba1) Param(path string) (*tensor.Tensor, bool) {
	t, ok := m.params[path]
	return t, ok
}

func (m *Mamba1) Config() Config            { return m.cfg }
func (m *Mamba1) Version() Version          { return V1 }
func (m *Mamba1) Device() Device            { return CPU }
func (m *Mamba1) LayerCount() int           { return len(m.layers) }
func (m *Mamba1) PaddedVocabSize() int      { return m.embedding.Rows() }
func (m *Mamba1) Embedding() *tensor.Tensor { return m.embedding }

// OutputProjection is the language-model head. It reads the embedding
// table directly, so the head always reflects the loaded embedding.
func (m *Mamba1) OutputProjection() Linear {
	return Linear{W: m.embedding, OutMajor: true}
}

// EmptyCache returns zeroed recurrent state for batch sequences.
func (m *Mamba1) EmptyCache(batch int) *Mamba1Cache {
	if batch <= 0 {
		panic("mamba1: cache batch must be positive")
	}
	convLen := (m.cfg.DConv - 1) * m.cfg.DInner()
	ssmLen := m.cfg.DInner() * m.cfg.DState
	return &Mamba1Cache{states: newLayerStates(len(m.layers), batch, convLen, ssmLen)}
}

type mamba1Scan struct {
	u, dbc, delta []float32
}

func (m *Mamba1) newScan() *mamba1Scan {
	return &mamba1Scan{
		u:     make([]float32, m.cfg.DInner()),
		dbc:   make([]float32, m.cfg.DTRank+2*m.cfg.DState),
		delta: make([]float32, m.cfg.DInner()),
	}
}

// Step feeds tokens[b] to batch element b and returns the next-position
// logits together with the advanced cache.
func (m *Mamba1) Step(tokens []int, cache *Mamba1Cache) ([][]float32, *Mamba1Cache) {
	if cache == nil || cache.Batch() != len(tokens) {
		panic("mamba1: cache batch does not match tokens")
	}
	next := &Mamba1Cache{states: cache.states.clone()}
	dModel, dInner := m.cfg.DModel, m.cfg.DInner()
	var (
		h    = make([]float32, dModel)
		norm = make([]float32, dModel)
		xz   = make([]float32, 2*dInner)
		y    = make([]float32, dInner)
		out  = make([]float32, dModel)
		scan = m.newScan()
	)
	logits := make([][]float32, len(tokens))
	for b, id := range tokens {
		embed(h, m.embedding, id)
		for l := range m.layers {
			layer := &m.layers[l]
			layer.project(xz, norm, h, m.cfg.NormEps, false)
			layer.scan(y, xz, next.states[l][b], scan, m.cfg)
			layer.output(h, y, out, false)
		}
		logits[b] = make([]float32, m.PaddedVocabSize())
		headLogits(logits[b], h, norm, m.normF, m.OutputProjection(), m.cfg.NormEps, false)
	}
	return logits, next
}

// Forward runs every sequence in batch from an empty state and returns the
// logits of every position. Positions are processed chunkSize at a time; a
// non-positive chunkSize processes the whole sequence at once.
func (m *Mamba1) Forward(batch [][]int, chunkSize int) [][][]float32 {
	out := make([][][]float32, len(batch))
	for b, seq := range batch {
		out[b] = m.forwardSequence(seq, chunkSize)
	}
	return out
}

func (m *Mamba1) forwardSequence(seq []int, chunkSize int) [][]float32 {
	n := len(seq)
	dModel, dInner := m.cfg.DModel, m.cfg.DInner()
	hs := make([][]float32, n)
	for t, id := range seq {
		hs[t] = make([]float32, dModel)
		embed(hs[t], m.embedding, id)
	}
	width := min(n, max(chunkSize, 0))
	if width == 0 {
		width = n
	}
	xz := makeRows(width, 2*dInner)
	y := makeRows(width, dInner)
	scan := m.newScan()
	convLen := (m.cfg.DConv - 1) * dInner

	for l := range m.layers {
		layer := &m.layers[l]
		st := newLayerState(convLen, dInner*m.cfg.DState)
		for _, c := range chunks(n, chunkSize) {
			lo, hi := c[0], c[1]
			tensor.ParallelFor(hi-lo, func(a, b int) {
				norm := make([]float32, dModel)
				for t := a; t < b; t++ {
					layer.project(xz[t], norm, hs[lo+t], m.cfg.NormEps, true)
				}
			})
			for t := range hi - lo {
				layer.scan(y[t], xz[t], st, scan, m.cfg)
			}
			tensor.ParallelFor(hi-lo, func(a, b int) {
				buf := make([]float32, dModel)
				for t := a; t < b; t++ {
					layer.output(hs[lo+t], y[t], buf, true)
				}
			})
		}
	}
	return m.positionLogits(hs)
}

func (m *Mamba1) positionLogits(hs [][]float32) [][]float32 {
	return positionLogits(hs, m.normF, m.OutputProjection(), m.PaddedVocabSize(), m.cfg.NormEps)
}

// project computes xz = in_proj(rmsnorm(h)).
func (l *mamba1Layer) project(xz, norm, h []float32, eps float32, serial bool) {
	tensor.RMSNorm(norm, h, l.norm.Data, eps)
	apply(Linear{W: l.inProj}, xz, norm, serial)
}

// scan runs the convolution and selective scan for one position, advancing
// st in place, and writes the gated output to y.
func (l *mamba1Layer) scan(y, xz []float32, st LayerState, s *mamba1Scan, cfg Config) {
	dInner, n, r := cfg.DInner(), cfg.DState, cfg.DTRank
	x, z := xz[:dInner], xz[dInner:2*dInner]
	u := s.u
	depthwiseConv(u, x, l.convW, l.convB.Data, st.Conv)
	for i := range u {
		u[i] = tensor.Silu(u[i])
	}
	Linear{W: l.xProj}.Apply(s.dbc, u)
	Linear{W: l.dtProjW}.Apply(s.delta, s.dbc[:r])
	bIn, cOut := s.dbc[r:r+n], s.dbc[r+n:r+2*n]
	for d := range dInner {
		dt := tensor.Softplus(s.delta[d] + l.dtProjB.Data[d])
		ud := u[d]
		aRow := l.aLog.Row(d)
		ssm := st.SSM[d*n : (d+1)*n]
		var sum float32
		for k := range n {
			a := -tensor.Exp(aRow[k])
			ssm[k] = ssm[k]*tensor.Exp(dt*a) + dt*bIn[k]*ud
			sum += cOut[k] * ssm[k]
		}
		y[d] = (sum + l.d.Data[d]*ud) * tensor.Silu(z[d])
	}
}

// output adds out_proj(y) to the residual stream h.
func (l *mamba1Layer) output(h, y, buf []float32, serial bool) {
	apply(Linear{W: l.outProj}, buf, y, serial)
	tensor.Add(h, buf)
}

func apply(l Linear, dst, x []float32, serial bool) {
	if serial {
		l.ApplySerial(dst, x)
		return
	}
	l.Apply(dst, x)
}

func makeRows(n, width int) [][]float32 {
	backing := make([]float32, n*width)
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = backing[i*width : (i+1)*width : (i+1)*width]
	}
	return rows
}

// positionLogits computes the head for every position, one position per
// worker range.
func positionLogits(hs [][]float32, normF *tensor.Tensor, head Linear, vocab int, eps float32) [][]float32 {
	out := make([][]float32, len(hs))
	tensor.ParallelFor(len(hs), func(a, b int) {
		norm := make([]float32, len(normF.Data))
		for t := a; t < b; t++ {
			out[t] = make([]float32, vocab)
			headLogits(out[t], hs[t], norm, normF, head, eps, true)
		}
	})
	return out
}
