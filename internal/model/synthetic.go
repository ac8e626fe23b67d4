package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// LayerSpec describes one synthetic layer.
type LayerSpec struct {
	Name  string  `yaml:"name"`
	Shape []int   `yaml:"shape"`
	Init  string  `yaml:"init"`  // "normal", "uniform", "xavier", "zeros", "ramp"
	Scale float64 `yaml:"scale"` // stddev / half-range override, 0 = initializer default
	File  string  `yaml:"file"`  // optional zstd raw float32 payload, see ReadRawFile
}

// SyntheticSource generates deterministic pseudo-weights so the viewer can
// run without a real checkpoint.
type SyntheticSource struct {
	Label  string
	Seed   uint64
	Layers []LayerSpec
}

// DefaultSynthetic returns a small transformer-shaped layout.
func DefaultSynthetic(seed uint64) SyntheticSource {
	const d, ff, vocab = 256, 1024, 2048
	layers := []LayerSpec{{Name: "embed.weight", Shape: []int{vocab, d}, Init: "normal", Scale: 0.02}}
	for i := 0; i < 4; i++ {
		p := fmt.Sprintf("blocks.%d.", i)
		layers = append(layers,
			LayerSpec{Name: p + "attn.qkv.weight", Shape: []int{d, 3 * d}, Init: "xavier"},
			LayerSpec{Name: p + "attn.out.weight", Shape: []int{d, d}, Init: "xavier"},
			LayerSpec{Name: p + "ln.bias", Shape: []int{d}, Init: "zeros"},
			LayerSpec{Name: p + "mlp.up.weight", Shape: []int{d, ff}, Init: "xavier"},
			LayerSpec{Name: p + "mlp.down.weight", Shape: []int{ff, d}, Init: "xavier"},
		)
	}
	return SyntheticSource{Label: "synthetic", Seed: seed, Layers: layers}
}

// Name implements Source.
func (s SyntheticSource) Name() string {
	if s.Label == "" {
		return "synthetic"
	}
	return s.Label
}

// Load implements Source. Each layer gets its own RNG stream derived from the
// seed and its index, so adding a layer does not reshuffle the others.
func (s SyntheticSource) Load(ctx context.Context) ([]Tensor, error) {
	out := make([]Tensor, 0, len(s.Layers))
	for i, spec := range s.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := generate(spec, s.Seed+uint64(i)*0x9E3779B97F4A7C15)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", spec.Name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func generate(spec LayerSpec, seed uint64) (Tensor, error) {
	t := Tensor{Name: spec.Name, Shape: append([]int(nil), spec.Shape...)}
	n := t.Size()
	t.Data = make([]float64, n)
	src := rand.NewPCG(seed, seed^0xDA942042E4DD58B5)

	switch spec.Init {
	case "", "normal":
		sd := spec.Scale
		if sd == 0 {
			sd = 0.02
		}
		fill(t.Data, distuv.Normal{Mu: 0, Sigma: sd, Src: src})
	case "uniform":
		h := spec.Scale
		if h == 0 {
			h = 1
		}
		fill(t.Data, distuv.Uniform{Min: -h, Max: h, Src: src})
	case "xavier":
		fanIn, fanOut := fans(spec.Shape)
		h := math.Sqrt(6 / float64(fanIn+fanOut))
		if spec.Scale != 0 {
			h *= spec.Scale
		}
		fill(t.Data, distuv.Uniform{Min: -h, Max: h, Src: src})
	case "zeros":
	case "ramp":
		for i := range t.Data {
			t.Data[i] = float64(i)
		}
	default:
		return t, fmt.Errorf("%w: %s", ErrUnknownInit, spec.Init)
	}
	return t, nil
}

type sampler interface{ Rand() float64 }

func fill(dst []float64, d sampler) {
	for i := range dst {
		dst[i] = d.Rand()
	}
}

func fans(shape []int) (int, int) {
	switch len(shape) {
	case 0:
		return 1, 1
	case 1:
		return shape[0], shape[0]
	default:
		in := 1
		for _, d := range shape[1:] {
			in *= d
		}
		return in, shape[0]
	}
}
