package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Version selects the state-space block architecture.
type Version int

const (
	V1 Version = iota + 1
	V2
)

func (v Version) String() string {
	switch v {
	case V1:
		return "mamba1"
	case V2:
		return "mamba2"
	default:
		return fmt.Sprintf("Version(%d)", int(v))
	}
}

// ParseVersion accepts "1", "v1", "mamba1" (and the V2 equivalents).
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "v1", "mamba", "mamba1":
		return V1, nil
	case "2", "v2", "mamba2":
		return V2, nil
	default:
		return 0, fmt.Errorf("unknown model version %q (want mamba1 or mamba2)", s)
	}
}

// Device names where parameters live.
type Device string

const CPU Device = "cpu"

// Config describes the shape of a Mamba model.
type Config struct {
	Version          Version
	NLayer           int
	VocabSize        int
	PadVocabMultiple int
	DModel           int
	DState           int
	DConv            int
	Expand           int
	// DTRank is the rank of the V1 time-step projection.
	DTRank int
	// HeadDim, NGroups and ChunkSize only apply to V2.
	HeadDim   int
	NGroups   int
	ChunkSize int
	NormEps   float32
}

// Mamba130M returns the configuration of the published 130M checkpoints.
func Mamba130M(v Version) Config {
	cfg := Config{
		Version:   v,
		NLayer:    24,
		VocabSize: 50277,
		DModel:    768,
		DConv:     4,
		Expand:    2,
		NormEps:   1e-5,
	}
	switch v {
	case V1:
		cfg.PadVocabMultiple = 8
		cfg.DState = 16
		cfg.DTRank = (cfg.DModel + 15) / 16
	case V2:
		cfg.PadVocabMultiple = 16
		cfg.DState = 128
		cfg.HeadDim = 64
		cfg.NGroups = 1
		cfg.ChunkSize = 256
	}
	return cfg
}

// PaddedVocabSize rounds VocabSize up to a multiple of PadVocabMultiple.
// It is the length of every logits vector.
func (c Config) PaddedVocabSize() int {
	if c.PadVocabMultiple <= 1 || c.VocabSize%c.PadVocabMultiple == 0 {
		return c.VocabSize
	}
	return (c.VocabSize/c.PadVocabMultiple + 1) * c.PadVocabMultiple
}

func (c Config) DInner() int { return c.Expand * c.DModel }

func (c Config) NHeads() int {
	if c.HeadDim == 0 {
		return 0
	}
	return c.DInner() / c.HeadDim
}

// ConvDim is the number of depthwise convolution channels.
func (c Config) ConvDim() int {
	if c.Version == V2 {
		return c.DInner() + 2*c.NGroups*c.DState
	}
	return c.DInner()
}

// InProjDim is the output width of the input projection.
func (c Config) InProjDim() int {
	if c.Version == V2 {
		return 2*c.DInner() + 2*c.NGroups*c.DState + c.NHeads()
	}
	return 2 * c.DInner()
}

func (c Config) Validate() error {
	var errs []error
	if c.Version != V1 && c.Version != V2 {
		errs = append(errs, fmt.Errorf("unsupported version %d", int(c.Version)))
	}
	for name, v := range map[string]int{
		"n_layer": c.NLayer, "vocab_size": c.VocabSize, "d_model": c.DModel,
		"d_state": c.DState, "d_conv": c.DConv, "expand": c.Expand,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	switch c.Version {
	case V1:
		if c.DTRank <= 0 {
			errs = append(errs, fmt.Errorf("dt_rank must be positive, got %d", c.DTRank))
		}
	case V2:
		if c.HeadDim <= 0 || c.DInner()%c.HeadDim != 0 {
			errs = append(errs, fmt.Errorf("headdim %d must divide d_inner %d", c.HeadDim, c.DInner()))
		} else if c.NGroups <= 0 || c.NHeads()%c.NGroups != 0 {
			errs = append(errs, fmt.Errorf("ngroups %d must divide nheads %d", c.NGroups, c.NHeads()))
		}
	}
	return errors.Join(errs...)
}

type hfConfig struct {
	DModel           *int `json:"d_model"`
	NLayer           *int `json:"n_layer"`
	VocabSize        *int `json:"vocab_size"`
	PadVocabMultiple *int `json:"pad_vocab_size_multiple"`
	SSMConfig        struct {
		Layer     string `json:"layer"`
		DState    *int   `json:"d_state"`
		DConv     *int   `json:"d_conv"`
		Expand    *int   `json:"expand"`
		HeadDim   *int   `json:"headdim"`
		NGroups   *int   `json:"ngroups"`
		ChunkSize *int   `json:"chunk_size"`
		DTRank    any    `json:"dt_rank"`
	} `json:"ssm_cfg"`
}

// ParseHFConfig overlays a reference config.json onto the 130M preset of
// the given version. Fields absent from the JSON keep their preset values.
func ParseHFConfig(data []byte, v Version) (Config, error) {
	var hc hfConfig
	if err := json.Unmarshal(data, &hc); err != nil {
		return Config{}, fmt.Errorf("parse model config: %w", err)
	}
	if hc.SSMConfig.Layer == "Mamba2" && v != V2 {
		return Config{}, fmt.Errorf("config.json describes a Mamba2 model, requested %s", v)
	}
	cfg := Mamba130M(v)
	set := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	set(&cfg.DModel, hc.DModel)
	set(&cfg.NLayer, hc.NLayer)
	set(&cfg.VocabSize, hc.VocabSize)
	set(&cfg.PadVocabMultiple, hc.PadVocabMultiple)
	set(&cfg.DState, hc.SSMConfig.DState)
	set(&cfg.DConv, hc.SSMConfig.DConv)
	set(&cfg.Expand, hc.SSMConfig.Expand)
	if v == V1 {
		cfg.DTRank = (cfg.DModel + 15) / 16
		if r, ok := hc.SSMConfig.DTRank.(float64); ok && r > 0 {
			cfg.DTRank = int(r)
		}
	} else {
		set(&cfg.HeadDim, hc.SSMConfig.HeadDim)
		set(&cfg.NGroups, hc.SSMConfig.NGroups)
		set(&cfg.ChunkSize, hc.SSMConfig.ChunkSize)
	}
	return cfg, cfg.Validate()
}
