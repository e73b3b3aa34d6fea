package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/mambagen/internal/logger"
	"github.com/samcharles93/mambagen/internal/safetensors"
	"github.com/samcharles93/mambagen/internal/tensor"
)

// Binding maps one checkpoint tensor onto one model parameter.
type Binding struct {
	Path      string
	Name      string
	Encoding  Encoding
	Transpose bool
}

// Source yields raw tensors by name. *safetensors.File implements it.
type Source interface {
	Get(name string) ([]byte, safetensors.TensorInfo, error)
}

// Target exposes the parameter slots of a freshly constructed model.
type Target interface {
	Param(path string) (*tensor.Tensor, bool)
}

type loadOptions struct {
	concurrency int
	log         logger.Logger
}

type Option func(*loadOptions)

// WithConcurrency bounds the number of tensors materialized at once.
func WithConcurrency(n int) Option {
	return func(o *loadOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *loadOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// Load materializes every binding into dst. The first failure cancels the
// remaining work and is returned; dst must be discarded in that case.
func Load(ctx context.Context, src Source, dst Target, bindings []Binding, opts ...Option) error {
	o := loadOptions{
		concurrency: runtime.GOMAXPROCS(0),
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	seen := make(map[string]struct{}, len(bindings))
	for _, b := range bindings {
		if _, dup := seen[b.Path]; dup {
			return fmt.Errorf("checkpoint: parameter %s bound twice", b.Path)
		}
		seen[b.Path] = struct{}{}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, b := range bindings {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return bind(src, dst, b)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	o.log.Debug("checkpoint materialized", "params", len(bindings), "elapsed", time.Since(start))
	return nil
}

// Verify checks every binding against src and dst without decoding any
// data. All problems are returned joined.
func Verify(src Source, dst Target, bindings []Binding) error {
	var errs []error
	for _, b := range bindings {
		if _, _, err := check(src, dst, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func check(src Source, dst Target, b Binding) (*tensor.Tensor, []byte, error) {
	slot, ok := dst.Param(b.Path)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownParam, b.Path)
	}
	raw, info, err := src.Get(b.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", b.Name, err)
	}
	if enc, err := ParseEncoding(info.DType); err != nil || enc != b.Encoding {
		return nil, nil, fmt.Errorf("%w: %s is stored as %s, expected %s", ErrEncodingMismatch, b.Name, info.DType, b.Encoding)
	}
	got, err := tensor.NumElements(info.Shape)
	if err != nil || got != slot.Len() {
		return nil, nil, fmt.Errorf("%w: %s has shape %v (%d elements), %s expects %v (%d elements)",
			ErrShapeMismatch, b.Name, info.Shape, got, b.Path, slot.Shape, slot.Len())
	}
	return slot, raw, nil
}

func bind(src Source, dst Target, b Binding) error {
	slot, raw, err := check(src, dst, b)
	if err != nil {
		return err
	}
	t, err := Materialize(raw, b.Encoding, slot.Shape, b.Transpose)
	if err != nil {
		return fmt.Errorf("materialize %s: %w", b.Name, err)
	}
	*slot = *t
	return nil
}
