package generate_test

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/mambagen/internal/model"
	"github.com/samcharles93/mambagen/internal/tensor"
)

// successorModel always prefers (token+1) mod vocab.
type successorModel struct {
	vocab   int
	steps   int
	forward int
	// panicOn makes Step panic when fed this id; zero disables it.
	panicOn int
}

type successorCache struct{ pos int }

func (m *successorModel) Config() model.Config                 { return model.Config{VocabSize: m.vocab} }
func (m *successorModel) Version() model.Version               { return model.V1 }
func (m *successorModel) Device() model.Device                 { return model.CPU }
func (m *successorModel) LayerCount() int                      { return 1 }
func (m *successorModel) PaddedVocabSize() int                 { return m.vocab }
func (m *successorModel) EmptyCache(batch int) *successorCache { return &successorCache{} }

func (m *successorModel) logits(id int) []float32 {
	out := make([]float32, m.vocab)
	out[(id+1)%m.vocab] = 10
	return out
}

func (m *successorModel) Step(tokens []int, cache *successorCache) ([][]float32, *successorCache) {
	m.steps++
	if m.panicOn != 0 && tokens[0] == m.panicOn {
		panic("kernel index out of range")
	}
	return [][]float32{m.logits(tokens[0])}, &successorCache{pos: cache.pos + 1}
}

func (m *successorModel) Forward(batch [][]int, chunkSize int) [][][]float32 {
	m.forward++
	out := make([][][]float32, len(batch))
	for b, seq := range batch {
		for _, id := range seq {
			out[b] = append(out[b], m.logits(id))
		}
	}
	return out
}

// wordTokenizer maps whitespace separated words "w<id>" to ids and holds
// every decoded fragment back until a later token arrives.
type wordTokenizer struct {
	eos     string
	resets  int
	pending string
	// failOn makes NextToken fail for this id after calling onFail.
	failOn int
	onFail func()
}

func (t *wordTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for _, w := range strings.Fields(text) {
		var id int
		if w == "<eos>" {
			ids = append(ids, 0)
			continue
		}
		if _, err := fmt.Sscanf(w, "w%d", &id); err != nil {
			return nil, fmt.Errorf("unknown word %q", w)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *wordTokenizer) TokenID(token string) (int, bool) {
	if t.eos != "" && token == t.eos {
		return 0, true
	}
	return 0, false
}

func (t *wordTokenizer) NextToken(id int) (string, bool, error) {
	if t.failOn != 0 && id == t.failOn {
		if t.onFail != nil {
			t.onFail()
		}
		return "", false, errors.New("invalid utf-8 in token")
	}
	out := t.pending
	t.pending = fmt.Sprintf("w%d ", id)
	return out, out != "", nil
}

func (t *wordTokenizer) DecodeRest() (string, bool, error) {
	out := t.pending
	t.pending = ""
	return out, out != "", nil
}

func (t *wordTokenizer) Reset() {
	t.resets++
	t.pending = ""
}

// tickingClock advances one second per reading.
func tickingClock() func() time.Time {
	now := time.Unix(0, 0)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

// randomMamba1 builds a small model with seeded random weights.
func randomMamba1(vocab int) *model.Mamba1 {
	cfg := model.Config{
		Version: model.V1, NLayer: 2, VocabSize: vocab, PadVocabMultiple: 8,
		DModel: 8, DState: 4, DConv: 4, Expand: 2, DTRank: 2, NormEps: 1e-5,
	}
	m, err := model.NewMamba1(cfg)
	if err != nil {
		panic(err)
	}
	randomize(m, cfg)
	return m
}

func randomMamba2(vocab int) *model.Mamba2 {
	cfg := model.Config{
		Version: model.V2, NLayer: 2, VocabSize: vocab, PadVocabMultiple: 16,
		DModel: 8, DState: 4, DConv: 3, Expand: 2, HeadDim: 4, NGroups: 1,
		ChunkSize: 4, NormEps: 1e-5,
	}
	m, err := model.NewMamba2(cfg)
	if err != nil {
		panic(err)
	}
	randomize(m, cfg)
	return m
}

type slotter interface {
	Param(path string) (*tensor.Tensor, bool)
}

func randomize(m slotter, cfg model.Config) {
	for i, b := range model.Bindings(cfg) {
		p, _ := m.Param(b.Path)
		tensor.FillRand(p, int64(i+7), 0.6)
	}
}
