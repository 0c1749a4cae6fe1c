package travel

import (
	"context"

	"golang.org/x/sync/errgroup"

	"optiq/internal/model"
)

// Matrix is the dense leg table the solver reads during evaluation. It is
// immutable after BuildMatrix returns and safe to share across search
// instances.
type Matrix struct {
	n    int
	legs []Leg
}

// BuildMatrix resolves every point pair up front through the given provider.
// Rows are fetched concurrently; any provider failure aborts the build.
func BuildMatrix(ctx context.Context, p Provider, pts []model.GeoPoint) (*Matrix, error) {
	n := len(pts)
	m := &Matrix{n: n, legs: make([]Leg, n*n)}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				leg, err := p.Travel(ctx, pts[i], pts[j])
				if err != nil {
					return err
				}
				m.legs[i*n+j] = leg
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

// At returns the leg from point i to point j. Indices follow the point
// slice passed to BuildMatrix.
func (m *Matrix) At(i, j int) Leg {
	if i == j || i < 0 || j < 0 || i >= m.n || j >= m.n {
		return Leg{}
	}
	return m.legs[i*m.n+j]
}

// Len returns the point count.
func (m *Matrix) Len() int { return m.n }

// Zero returns an empty matrix for problems without geography.
func Zero(n int) *Matrix { return &Matrix{n: n, legs: make([]Leg, n*n)} }
