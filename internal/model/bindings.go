package model

import (
	"fmt"

	"github.com/samcharles93/mambagen/internal/checkpoint"
)

const (
	pathEmbedding = "embedding.weight"
	pathNormF     = "norm_f.weight"
)

type mixerParam struct {
	name      string
	encoding  checkpoint.Encoding
	transpose bool
}

// Per-layer mixer parameters of V1 checkpoints. Everything is stored as
// f32; linear weights are [out, in] on disk.
var mamba1Mixer = []mixerParam{
	{"A_log", checkpoint.F32, false},
	{"D", checkpoint.F32, false},
	{"conv1d.weight", checkpoint.F32, false},
	{"conv1d.bias", checkpoint.F32, false},
	{"dt_proj.weight", checkpoint.F32, true},
	{"dt_proj.bias", checkpoint.F32, false},
	{"in_proj.weight", checkpoint.F32, true},
	{"out_proj.weight", checkpoint.F32, true},
	{"x_proj.weight", checkpoint.F32, true},
}

// Per-layer mixer parameters of V2 checkpoints, stored as f16 except D.
var mamba2Mixer = []mixerParam{
	{"norm.weight", checkpoint.F16, false},
	{"A_log", checkpoint.F16, false},
	{"D", checkpoint.F32, false},
	{"conv1d.weight", checkpoint.F16, false},
	{"conv1d.bias", checkpoint.F16, false},
	{"dt_bias", checkpoint.F16, false},
	{"in_proj.weight", checkpoint.F16, true},
	{"out_proj.weight", checkpoint.F16, true},
}

// Bindings returns the checkpoint bindings for cfg.Version. Parameter paths
// are the checkpoint names without the "backbone." prefix.
func Bindings(cfg Config) []checkpoint.Binding {
	var (
		mixer []mixerParam
		enc   checkpoint.Encoding
	)
	switch cfg.Version {
	case V1:
		mixer, enc = mamba1Mixer, checkpoint.F32
	case V2:
		mixer, enc = mamba2Mixer, checkpoint.F16
	default:
		return nil
	}

	out := make([]checkpoint.Binding, 0, 2+cfg.NLayer*(len(mixer)+1))
	out = append(out,
		checkpoint.Binding{Path: pathEmbedding, Name: "backbone." + pathEmbedding, Encoding: enc},
		checkpoint.Binding{Path: pathNormF, Name: "backbone." + pathNormF, Encoding: enc},
	)
	for i := range cfg.NLayer {
		norm := layerPath(i, "norm.weight")
		out = append(out, checkpoint.Binding{Path: norm, Name: "backbone." + norm, Encoding: enc})
		for _, p := range mixer {
			path := layerPath(i, "mixer."+p.name)
			out = append(out, checkpoint.Binding{
				Path:      path,
				Name:      "backbone." + path,
				Encoding:  p.encoding,
				Transpose: p.transpose,
			})
		}
	}
	return out
}

func layerPath(i int, name string) string {
	return fmt.Sprintf("layers.%d.%s", i, name)
}
