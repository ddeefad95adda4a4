// Package testutil provides shared test utilities and fixtures.
//
// This package centralises the matrix builders and tolerance assertions
// used by the linalg and keyframe tests. It depends on gonum only so that
// any package can use it from its tests without an import cycle.
package testutil

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// MaxAbsDiff returns max |a_ij - b_ij|. Shapes must agree.
func MaxAbsDiff(a, b mat.Matrix) float64 {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return math.Inf(1)
	}
	var m float64
	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			m = math.Max(m, math.Abs(a.At(i, j)-b.At(i, j)))
		}
	}
	return m
}

// AssertMatrixNear reports an error if got and want differ anywhere by more
// than tol, or have different shapes.
func AssertMatrixNear(t testing.TB, got, want mat.Matrix, tol float64) {
	t.Helper()
	gr, gc := got.Dims()
	wr, wc := want.Dims()
	if gr != wr || gc != wc {
		t.Errorf("shape = %dx%d, want %dx%d", gr, gc, wr, wc)
		return
	}
	if d := MaxAbsDiff(got, want); d > tol {
		t.Errorf("max |got-want| = %.3e, tolerance %.3e\ngot:\n%v\nwant:\n%v",
			d, tol, mat.Formatted(got, mat.Squeeze()), mat.Formatted(want, mat.Squeeze()))
	}
}

// AssertOrthonormalColumns checks cᵀ·c = I within tol.
func AssertOrthonormalColumns(t testing.TB, c mat.Matrix, tol float64) {
	t.Helper()
	_, n := c.Dims()
	var g mat.Dense
	g.Mul(c.T(), c)
	AssertMatrixNear(t, &g, Eye(n), tol)
}

// NewRand returns a deterministic generator for reproducible fixtures.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Eye returns the n×n identity.
func Eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// RandomMatrix returns an r×c matrix of standard normal entries.
func RandomMatrix(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}

// RandomSkew returns a skew-symmetric n×n matrix whose entries are normal
// with standard deviation scale.
func RandomSkew(rng *rand.Rand, n int, scale float64) *mat.Dense {
	k := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			v := scale * rng.NormFloat64()
			k.Set(i, j, v)
			k.Set(j, i, -v)
		}
	}
	return k
}

// RandomOrthogonal returns e^K for a random skew K of the given scale, so
// small scales stay close to the identity.
func RandomOrthogonal(rng *rand.Rand, n int, scale float64) *mat.Dense {
	var q mat.Dense
	q.Exp(RandomSkew(rng, n, scale))
	return &q
}

// RandomAntiHermitian returns a complex n×n matrix K with Kᴴ = -K.
func RandomAntiHermitian(rng *rand.Rand, n int, scale float64) *mat.CDense {
	k := mat.NewCDense(n, n, nil)
	for i := 0; i < n; i++ {
		k.Set(i, i, complex(0, scale*rng.NormFloat64()))
		for j := 0; j < i; j++ {
			z := complex(scale*rng.NormFloat64(), scale*rng.NormFloat64())
			k.Set(i, j, z)
			k.Set(j, i, -complex(real(z), -imag(z)))
		}
	}
	return k
}

// RandomSPD returns a symmetric positive-definite n×n matrix close to the
// identity, suitable as an overlap metric.
func RandomSPD(rng *rand.Rand, n int, scale float64) *mat.SymDense {
	a := RandomMatrix(rng, n, n)
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var v float64
			for k := 0; k < n; k++ {
				v += a.At(i, k) * a.At(j, k)
			}
			v *= scale * scale
			if i == j {
				v++
			}
			s.SetSym(i, j, v)
		}
	}
	return s
}
