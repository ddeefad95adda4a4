package keyframe

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/keyframe/internal/linalg"
	"github.com/banshee-data/keyframe/internal/monitoring"
	"github.com/banshee-data/keyframe/internal/testutil"
)

// fakeHost is an in-memory Host. CI vectors whose length equals the
// fragment's active size are treated as one-electron amplitudes.
type fakeHost struct {
	metric mat.Symmetric
	part   Partition
	roots  []int
}

func newFakeHost(t testing.TB, metric mat.Symmetric, ncore int, ncasSub []int, nmo int, roots ...int) *fakeHost {
	t.Helper()
	p, err := NewPartition(ncore, ncasSub, nmo)
	require.NoError(t, err)
	if len(roots) == 0 {
		roots = make([]int, len(ncasSub))
		for i := range roots {
			roots[i] = 1
		}
	}
	return &fakeHost{metric: metric, part: p, roots: roots}
}

func (h *fakeHost) OverlapMetric() mat.Symmetric { return h.metric }
func (h *fakeHost) Partition() Partition         { return h.part }
func (h *fakeHost) NumFragments() int            { return h.part.NumFragments() }
func (h *fakeHost) NumRoots(frag int) int        { return h.roots[frag] }

func (h *fakeHost) TransformCI(frag int, ci []*mat.VecDense, umat mat.Matrix) ([]*mat.VecDense, error) {
	r, _ := umat.Dims()
	out := make([]*mat.VecDense, len(ci))
	for i, c := range ci {
		if c.Len() != r {
			return nil, fmt.Errorf("fragment %d: CI length %d, rotation %d", frag, c.Len(), r)
		}
		var v mat.VecDense
		v.MulVec(umat.T(), c)
		out[i] = &v
	}
	return out, nil
}

// complexMetricHost adds an explicit complex metric.
type complexMetricHost struct {
	*fakeHost
	cmetric mat.CMatrix
}

func (h complexMetricHost) ComplexOverlapMetric() mat.CMatrix { return h.cmetric }

// hamHost counts calls to every Hamiltonian method.
type hamHost struct {
	*fakeHost
	rdm, veff, grad, h2, h1 atomic.Int32
}

func (h *hamHost) MakeRDM1s(mo mat.Matrix, ci [][]*mat.VecDense) ([]*mat.Dense, error) {
	h.rdm.Add(1)
	var d mat.Dense
	d.Mul(mo, mo.T())
	return []*mat.Dense{&d, mat.DenseCopyOf(&d)}, nil
}

func (h *hamHost) GetVeff(dm1s []*mat.Dense) ([]*mat.Dense, error) {
	h.veff.Add(1)
	out := make([]*mat.Dense, len(dm1s))
	for i, d := range dm1s {
		var v mat.Dense
		v.Scale(0.5, d)
		out[i] = &v
	}
	return out, nil
}

func (h *hamHost) GetGradOrb(mo mat.Matrix, _ [][]*mat.VecDense, h2eff *mat.Dense, veff, dm1s []*mat.Dense) (*mat.Dense, error) {
	h.grad.Add(1)
	var g mat.Dense
	g.Add(veff[0], dm1s[1])
	return &g, nil
}

func (h *hamHost) GetH2eff(mo mat.Matrix) (*mat.Dense, error) {
	h.h2.Add(1)
	_, c := mo.Dims()
	return mat.NewDense(c, c, nil), nil
}

func (h *hamHost) GetH1eff(mo mat.Matrix, _ [][]*mat.VecDense, veff []*mat.Dense, _ *mat.Dense) ([]*mat.Dense, error) {
	h.h1.Add(1)
	return []*mat.Dense{mat.DenseCopyOf(veff[0])}, nil
}

// identityMetric returns I_n as a symmetric metric.
func identityMetric(n int) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, 1)
	}
	return s
}

// orthonormalUnder returns L⁻ᵀ·q for S = L·Lᵀ, whose columns are
// orthonormal under s when q is orthogonal.
func orthonormalUnder(t testing.TB, s *mat.SymDense, q mat.Matrix) *mat.Dense {
	t.Helper()
	var chol mat.Cholesky
	require.True(t, chol.Factorize(s))
	var l mat.TriDense
	chol.LTo(&l)
	var c mat.Dense
	require.NoError(t, c.Solve(l.T(), q))
	return &c
}

// zeroDiagonalBlocks clears the diagonal blocks of k in place.
func zeroDiagonalBlocks(k *mat.Dense, work Partition) {
	for i := 0; i < work.Len(); i++ {
		b := work.Block(i)
		for r := b.Start; r < b.End(); r++ {
			for c := b.Start; c < b.End(); c++ {
				k.Set(r, c, 0)
			}
		}
	}
}

// offBlockSkew is a random skew matrix with zero diagonal blocks.
func offBlockSkew(rng *rand.Rand, p Partition, scale float64) *mat.Dense {
	k := testutil.RandomSkew(rng, p.Norb(), scale)
	zeroDiagonalBlocks(k, p)
	return k
}

// blockRotation is a random block-diagonal orthogonal matrix.
func blockRotation(rng *rand.Rand, p Partition, scale float64) *mat.Dense {
	r := mat.NewDense(p.Norb(), p.Norb(), nil)
	for i := 0; i < p.Len(); i++ {
		b := p.Block(i)
		if b.Size > 0 {
			linalg.SetBlock(r, b.Start, testutil.RandomOrthogonal(rng, b.Size, scale))
		}
	}
	return r
}

// complexOffBlock is a realified random anti-Hermitian matrix with zero
// diagonal blocks.
func complexOffBlock(rng *rand.Rand, p Partition, scale float64) *mat.Dense {
	k := linalg.Realify(testutil.RandomAntiHermitian(rng, p.Norb(), scale))
	zeroDiagonalBlocks(k, p.Scaled(2))
	return k
}

// complexBlockRotation is a realified random block-diagonal unitary.
func complexBlockRotation(rng *rand.Rand, p Partition, scale float64) *mat.Dense {
	n := 2 * p.Norb()
	r := mat.NewDense(n, n, nil)
	for i := 0; i < p.Len(); i++ {
		b := p.Block(i)
		if b.Size > 0 {
			u := linalg.Expm(linalg.Realify(testutil.RandomAntiHermitian(rng, b.Size, scale)))
			linalg.SetBlock(r, 2*b.Start, u)
		}
	}
	return r
}

// unitCI returns one normalized CI vector per root of every fragment,
// sized to the fragment's active space.
func unitCI(rng *rand.Rand, h *fakeHost) [][]*mat.VecDense {
	ci := make([][]*mat.VecDense, h.NumFragments())
	for f := range ci {
		n := h.part.Fragment(f).Size
		for r := 0; r < h.NumRoots(f); r++ {
			v := mat.NewVecDense(n, nil)
			for i := 0; i < n; i++ {
				v.SetVec(i, rng.NormFloat64())
			}
			v.ScaleVec(1/mat.Norm(v, 2), v)
			ci[f] = append(ci[f], v)
		}
	}
	return ci
}

// recorder captures log lines.
type recorder struct {
	lines []string
}

func (r *recorder) printf(format string, v ...interface{}) {
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

func (r *recorder) logger(level monitoring.Level) monitoring.Logger {
	return monitoring.Logger{Level: level, Printf: r.printf}
}

func (r *recorder) contains(sub string) bool {
	for _, l := range r.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}
