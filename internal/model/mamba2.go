package model

import (
	"fmt"

	"github.com/samcharles93/mambagen/internal/tensor"
)

type mamba2Layer struct {
	norm    *tensor.Tensor // [d_model]
	inProj  *tensor.Tensor // [d_model, in_proj_dim]
	convW   *tensor.Tensor // [conv_dim, 1, d_conv]
	convB   *tensor.Tensor // [conv_dim]
	dtBias  *tensor.Tensor // [nheads]
	aLog    *tensor.Tensor // [nheads]
	d       *tensor.Tensor // [nheads]
	mixNorm *tensor.Tensor // [d_inner]
	outProj *tensor.Tensor // [d_inner, d_model]
}

// Mamba2 is the state-space model with scalar per-head decay and grouped
// input/output projections (SSD).
type Mamba2 struct {
	cfg       Config
	embedding *tensor.Tensor // [padded_vocab, d_model]
	normF     *tensor.Tensor
	layers    []mamba2Layer
	params    map[string]*tensor.Tensor
}

// Mamba2Cache holds one LayerState per layer and batch element.
type Mamba2Cache struct {
	states layerStates
}

func (c *Mamba2Cache) Batch() int { return c.states.batch() }

func (c *Mamba2Cache) Layer(l, b int) LayerState { return c.states[l][b] }

// NewMamba2 allocates a zero-initialised model for cfg.
func NewMamba2(cfg Config) (*Mamba2, error) {
	if cfg.Version != V2 {
		return nil, fmt.Errorf("mamba2: config is for %s", cfg.Version)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mamba2: %w", err)
	}
	dModel, dInner, heads := cfg.DModel, cfg.DInner(), cfg.NHeads()
	m := &Mamba2{
		cfg:       cfg,
		embedding: tensor.New(cfg.PaddedVocabSize(), dModel),
		normF:     tensor.New(dModel),
		layers:    make([]mamba2Layer, cfg.NLayer),
		params:    make(map[string]*tensor.Tensor, 2+cfg.NLayer*9),
	}
	m.params[pathEmbedding] = m.embedding
	m.params[pathNormF] = m.normF
	for i := range m.layers {
		l := &m.layers[i]
		*l = mamba2Layer{
			norm:    tensor.New(dModel),
			inProj:  tensor.New(dModel, cfg.InProjDim()),
			convW:   tensor.New(cfg.ConvDim(), 1, cfg.DConv),
			convB:   tensor.New(cfg.ConvDim()),
			dtBias:  tensor.New(heads),
			aLog:    tensor.New(heads),
			d:       tensor.New(heads),
			mixNorm: tensor.New(dInner),
			outProj: tensor.New(dInner, dModel),
		}
		m.params[layerPath(i, "norm.weight")] = l.norm
		for name, t := range map[string]*tensor.Tensor{
			"in_proj.weight":  l.inProj,
			"conv1d.weight":   l.convW,
			"conv1d.bias":     l.convB,
			"dt_bias":         l.dtBias,
			"A_log":           l.aLog,
			"D":               l.d,
			"norm.weight":     l.mixNorm,
			"out_proj.weight": l.outProj,
		} {
			m.params[layerPath(i, "mixer."+name)] = t
		}
	}
	return m, nil
}

func (m *Mamba2) Param(path string) (*tensor.Tensor, bool) {
	t, ok := m.params[path]
	return t, ok
}

func (m *Mamba2) Config() Config            { return m.cfg }
func (m *Mamba2) Version() Version          { return V2 }
func (m *Mamba2) Device() Device            { return CPU }
func (m *Mamba2) LayerCount() int           { return len(m.layers) }
func (m *Mamba2) PaddedVocabSize() int      { return m.embedding.Rows() }
func (m *Mamba2) Embedding() *tensor.Tensor { return m.embedding }

// OutputProjection is the language-model head, tied to the embedding.
func (m *Mamba2) OutputProjection() Linear {
	return Linear{W: m.embedding, OutMajor: true}
}

func (m *Mamba2) EmptyCache(batch int) *Mamba2Cache {
	if batch <= 0 {
		panic("mamba2: cache batch must be positive")
	}
	convLen := (m.cfg.DConv - 1) * m.cfg.ConvDim()
	ssmLen := m.cfg.DInner() * m.cfg.DState
	return &Mamba2Cache{states: newLayerStates(len(m.layers), batch, convLen, ssmLen)}
}

type mamba2Scan struct {
	xbc, dt, y []float32
}

func (m *Mamba2) newScan() *mamba2Scan {
	return &mamba2Scan{
		xbc: make([]float32, m.cfg.ConvDim()),
		dt:  make([]float32, m.cfg.NHeads()),
		y:   make([]float32, m.cfg.DInner()),
	}
}

// Step feeds tokens[b] to batch element b and returns the next-position
// logits together with the advanced cache.
func (m *Mamba2) Step(tokens []int, cache *Mamba2Cache) ([][]float32, *Mamba2Cache) {
	if cache == nil || cache.Batch() != len(tokens) {
		panic("mamba2: cache batch does not match tokens")
	}
	next := &Mamba2Cache{states: cache.states.clone()}
	dModel := m.cfg.DModel
	var (
		h    = make([]float32, dModel)
		norm = make([]float32, dModel)
		proj = make([]float32, m.cfg.InProjDim())
		y    = make([]float32, m.cfg.DInner())
		out  = make([]float32, dModel)
		scan = m.newScan()
	)
	logits := make([][]float32, len(tokens))
	for b, id := range tokens {
		embed(h, m.embedding, id)
		for l := range m.layers {
			layer := &m.layers[l]
			layer.project(proj, norm, h, m.cfg.NormEps, false)
			layer.scan(y, proj, next.states[l][b], scan, m.cfg)
			layer.output(h, y, out, false)
		}
		logits[b] = make([]float32, m.PaddedVocabSize())
		headLogits(logits[b], h, norm, m.normF, m.OutputProjection(), m.cfg.NormEps, false)
	}
	return logits, next
}

// Forward runs every sequence in batch from an empty state and returns the
// logits of every position. A non-positive chunkSize uses the configured
// chunk size.
func (m *Mamba2) Forward(batch [][]int, chunkSize int) [][][]float32 {
	if chunkSize <= 0 {
		chunkSize = m.cfg.ChunkSize
	}
	out := make([][][]float32, len(batch))
	for b, seq := range batch {
		out[b] = m.forwardSequence(seq, chunkSize)
	}
	return out
}

func (m *Mamba2) forwardSequence(seq []int, chunkSize int) [][]float32 {
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
	proj := makeRows(width, m.cfg.InProjDim())
	y := makeRows(width, dInner)
	scan := m.newScan()
	convLen := (m.cfg.DConv - 1) * m.cfg.ConvDim()

	for l := range m.layers {
		layer := &m.layers[l]
		st := newLayerState(convLen, dInner*m.cfg.DState)
		for _, c := range chunks(n, chunkSize) {
			lo, hi := c[0], c[1]
			tensor.ParallelFor(hi-lo, func(a, b int) {
				norm := make([]float32, dModel)
				for t := a; t < b; t++ {
					layer.project(proj[t], norm, hs[lo+t], m.cfg.NormEps, true)
				}
			})
			for t := range hi - lo {
				layer.scan(y[t], proj[t], st, scan, m.cfg)
			}
			tensor.ParallelFor(hi-lo, func(a, b int) {
				buf := make([]float32, dModel)
				for t := a; t < b; t++ {
					layer.output(hs[lo+t], y[t], buf, true)
				}
			})
		}
	}
	return positionLogits(hs, m.normF, m.OutputProjection(), m.PaddedVocabSize(), m.cfg.NormEps)
}

func (l *mamba2Layer) project(proj, norm, h []float32, eps float32, serial bool) {
	tensor.RMSNorm(norm, h, l.norm.Data, eps)
	apply(Linear{W: l.inProj}, proj, norm, serial)
}

// scan consumes proj = [z | xBC | dt] for one position, advancing st in
// place, and writes the normalized gated output to y.
func (l *mamba2Layer) scan(y, proj []float32, st LayerState, s *mamba2Scan, cfg Config) {
	dInner, dState := cfg.DInner(), cfg.DState
	heads, headDim, groups := cfg.NHeads(), cfg.HeadDim, cfg.NGroups
	convDim := cfg.ConvDim()
	z := proj[:dInner]
	xbc := proj[dInner : dInner+convDim]
	dtRaw := proj[dInner+convDim : dInner+convDim+heads]

	depthwiseConv(s.xbc, xbc, l.convW, l.convB.Data, st.Conv)
	for i := range s.xbc {
		s.xbc[i] = tensor.Silu(s.xbc[i])
	}
	x := s.xbc[:dInner]
	bIn := s.xbc[dInner : dInner+groups*dState]
	cOut := s.xbc[dInner+groups*dState : dInner+2*groups*dState]

	headsPerGroup := heads / groups
	for h := range heads {
		dt := tensor.Softplus(dtRaw[h] + l.dtBias.Data[h])
		a := -tensor.Exp(l.aLog.Data[h])
		dA := tensor.Exp(dt * a)
		g := h / headsPerGroup
		bg := bIn[g*dState : (g+1)*dState]
		cg := cOut[g*dState : (g+1)*dState]
		for p := range headDim {
			xp := x[h*headDim+p]
			ssm := st.SSM[(h*headDim+p)*dState : (h*headDim+p+1)*dState]
			var sum float32
			for k := range dState {
				ssm[k] = ssm[k]*dA + dt*bg[k]*xp
				sum += cg[k] * ssm[k]
			}
			s.y[h*headDim+p] = sum + l.d.Data[h]*xp
		}
	}
	tensor.GatedRMSNorm(y, s.y, z, l.mixNorm.Data, dInner/groups, cfg.NormEps)
}

func (l *mamba2Layer) output(h, y, buf []float32, serial bool) {
	apply(Linear{W: l.outProj}, buf, y, serial)
	tensor.Add(h, buf)
}
