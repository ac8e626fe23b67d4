// Package model supplies named numeric tensors to the layered grid.
//
// A Source is the model-loading collaborator: it produces an ordered list of
// tensors once per load. Nothing in this package knows about grid space;
// shapes are passed through as-is and normalised by the grid at ingestion.
package model

import (
	"context"
	"errors"
)

// ErrUnknownInit is returned when a manifest names an initializer that the
// synthetic generator does not implement.
var ErrUnknownInit = errors.New("model: unknown initializer")

// Tensor is one named weight array in row-major order.
// Shape may have any rank; Data should hold prod(Shape) values but callers
// downstream tolerate mismatches.
type Tensor struct {
	Name  string    `json:"name" yaml:"name"`
	Shape []int     `json:"shape" yaml:"shape"`
	Data  []float64 `json:"data,omitempty" yaml:"-"`
}

// Size returns the element count implied by Shape.
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		if d <= 0 {
			return 0
		}
		n *= d
	}
	return n
}

// Source produces the tensors of one model load.
type Source interface {
	// Name identifies the source in logs and API responses.
	Name() string
	// Load returns the tensors in their stable display order.
	Load(ctx context.Context) ([]Tensor, error)
}

// StaticSource serves a fixed tensor list, used by the HTTP upload endpoint
// and tests.
type StaticSource struct {
	Label   string
	Tensors []Tensor
}

// Name implements Source.
func (s StaticSource) Name() string {
	if s.Label == "" {
		return "static"
	}
	return s.Label
}

// Load implements Source.
func (s StaticSource) Load(ctx context.Context) ([]Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Tensor, len(s.Tensors))
	copy(out, s.Tensors)
	return out, nil
}
