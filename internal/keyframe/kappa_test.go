package keyframe

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/keyframe/internal/config"
	"github.com/banshee-data/keyframe/internal/linalg"
	"github.com/banshee-data/keyframe/internal/monitoring"
	"github.com/banshee-data/keyframe/internal/testutil"
)

// assertFactorization checks the invariants every successful result holds.
func assertFactorization(t *testing.T, f *Factorization, ovlp mat.Matrix) {
	t.Helper()
	work := f.Partition.Scaled(f.Field.Width())
	assert.True(t, linalg.IsBlockDiagonal(f.Rmat, work.Sizes()), "rmat has off-block entries")
	testutil.AssertOrthonormalColumns(t, f.Rmat, 1e-10)

	var herm mat.Dense
	herm.Add(f.Kappa, f.Kappa.T())
	assert.Less(t, linalg.Frobenius(f.Field, &herm), 1e-8, "kappa not anti-Hermitian")

	testutil.AssertMatrixNear(t, f.Umat(), ovlp, 1e-8)
	assert.Less(t, f.FinalErr, 1e-8)
	assert.Empty(t, f.SkewWarnings)
	assert.Equal(t, len(f.History), f.Iterations)
}

func TestFactorize_Identity(t *testing.T) {
	t.Parallel()
	rng := testutil.NewRand(10)
	metric := testutil.RandomSPD(rng, 6, 0.3)
	h := newFakeHost(t, metric, 1, []int{2, 1}, 6)
	kf, _ := snapshotPair(t, h, metric, testutil.Eye(6))

	f, err := Factorize(kf, kf)
	require.NoError(t, err)
	assert.True(t, f.Converged)
	assert.Equal(t, 1, f.Iterations)
	testutil.AssertMatrixNear(t, f.Kappa, mat.NewDense(6, 6, nil), 1e-12)
	testutil.AssertMatrixNear(t, f.Rmat, testutil.Eye(6), 1e-12)
	assertFactorization(t, f, testutil.Eye(6))
}

func TestFactorize_Reconstruction(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		ncore   int
		ncasSub []int
		nmo     int
		kscale  float64
		seed    uint64
	}{
		{"small generator", 2, []int{2, 2}, 8, 0.05, 11},
		{"moderate generator", 2, []int{2, 1}, 7, 0.2, 12},
		{"no inactive", 0, []int{3}, 5, 0.1, 13},
		{"no virtual", 1, []int{2, 2}, 5, 0.1, 14},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := testutil.NewRand(tt.seed)
			metric := testutil.RandomSPD(rng, tt.nmo, 0.3)
			h := newFakeHost(t, metric, tt.ncore, tt.ncasSub, tt.nmo)
			k := offBlockSkew(rng, h.part, tt.kscale)
			var u mat.Dense
			u.Mul(linalg.Expm(k), blockRotation(rng, h.part, 1))
			kf1, kf2 := snapshotPair(t, h, metric, &u)

			f, err := Factorize(kf1, kf2)
			require.NoError(t, err)
			assert.True(t, f.Converged, "diagerr %e after %d cycles", f.DiagErr, f.Iterations)
			assert.Less(t, f.Iterations, config.DefaultMaxCycle)
			assertFactorization(t, f, &u)
			// The generator is recovered.
			testutil.AssertMatrixNear(t, f.Kappa, k, 1e-7)
		})
	}
}

func TestFactorize_ActiveRotation(t *testing.T) {
	t.Parallel()
	theta := math.Pi / 4
	u := rotationBetween(4, 1, 2, theta)

	t.Run("one fragment", func(t *testing.T) {
		// Orbitals 1 and 2 form one active block, so the rotation is
		// entirely within a block.
		h := newFakeHost(t, identityMetric(4), 1, []int{2}, 4)
		kf1, err := NewSnapshot(h, testutil.Eye(4), unitCI(testutil.NewRand(1), h))
		require.NoError(t, err)
		kf2, err := NewSnapshot(h, u, kf1.CI())
		require.NoError(t, err)

		f, err := Factorize(kf1, kf2)
		require.NoError(t, err)
		testutil.AssertMatrixNear(t, f.Rmat, u, 1e-12)
		testutil.AssertMatrixNear(t, f.Kappa, mat.NewDense(4, 4, nil), 1e-12)
		assertFactorization(t, f, u)
	})

	t.Run("two fragments", func(t *testing.T) {
		// With fragment sizes (1, 1) the same rotation couples two blocks
		// and ends up in kappa.
		h := newFakeHost(t, identityMetric(4), 1, []int{1, 1}, 4)
		kf1, err := NewSnapshot(h, testutil.Eye(4), unitCI(testutil.NewRand(1), h))
		require.NoError(t, err)
		kf2, err := NewSnapshot(h, u, kf1.CI())
		require.NoError(t, err)

		f, err := Factorize(kf1, kf2)
		require.NoError(t, err)
		want := mat.NewDense(4, 4, nil)
		want.Set(2, 1, theta)
		want.Set(1, 2, -theta)
		testutil.AssertMatrixNear(t, f.Kappa, want, 1e-12)
		testutil.AssertMatrixNear(t, f.Rmat, testutil.Eye(4), 1e-12)
		assertFactorization(t, f, u)
	})
}

func TestFactorize_RmatBitExactBlockDiagonal(t *testing.T) {
	t.Parallel()
	rng := testutil.NewRand(15)
	h := newFakeHost(t, identityMetric(6), 1, []int{2, 2}, 6)
	var u mat.Dense
	u.Mul(linalg.Expm(offBlockSkew(rng, h.part, 0.3)), blockRotation(rng, h.part, 1))
	kf1, kf2 := snapshotPair(t, h, identityMetric(6), &u)

	f, err := Factorize(kf1, kf2)
	require.NoError(t, err)
	offsets := h.part.Offsets()
	owner := func(i int) int {
		for b := 0; b < len(offsets)-1; b++ {
			if i < offsets[b+1] {
				return b
			}
		}
		return -1
	}
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			if owner(i) != owner(j) {
				assert.Equal(t, 0.0, f.Rmat.At(i, j), "rmat[%d,%d]", i, j)
			}
		}
	}
}

// TestFactorize_CycleLimit stops a strongly mixed overlap after too few
// cycles. The result is returned with a warning, and kappa and rmat still
// reproduce the overlap.
func TestFactorize_CycleLimit(t *testing.T) {
	t.Parallel()
	rng := testutil.NewRand(16)
	h := newFakeHost(t, identityMetric(6), 2, []int{2}, 6)
	k := offBlockSkew(rng, h.part, 0.5)
	var u mat.Dense
	u.Mul(linalg.Expm(k), blockRotation(rng, h.part, 0.5))
	kf1, kf2 := snapshotPair(t, h, identityMetric(6), &u)

	for _, maxCycle := range []int{1, 2} {
		rec := &recorder{}
		f, err := Factorize(kf1, kf2, WithMaxCycle(maxCycle), WithLogger(rec.logger(monitoring.Warn)))
		require.NoError(t, err, "maxCycle=%d", maxCycle)
		assert.False(t, f.Converged)
		assert.Equal(t, maxCycle, f.Iterations)
		assert.Greater(t, f.DiagErr, 1e-8)
		assert.True(t, rec.contains("did not converge"), "log: %v", rec.lines)
		assertFactorization(t, f, &u)
	}

	f, err := Factorize(kf1, kf2)
	require.NoError(t, err)
	assert.LessOrEqual(t, f.Iterations, config.DefaultMaxCycle)
	assertFactorization(t, f, &u)
}

// illConditionedOverlap is expm(K) on a (2, [2], 2) partition where K
// rotates orbitals 0 and 1 by theta into the active block and mixes all
// pairs by eps. The inactive and active blocks are left with small, nearly
// equal singular values.
func illConditionedOverlap(theta, eps float64) *mat.Dense {
	k := mat.NewDense(6, 6, nil)
	for _, p := range [][2]int{{0, 2}, {1, 3}} {
		k.Set(p[1], p[0], theta)
		k.Set(p[0], p[1], -theta)
	}
	for i := 0; i < 6; i++ {
		for j := i + 1; j < 6; j++ {
			g := eps * math.Sin(float64(1+i+2*j))
			k.Set(j, i, k.At(j, i)+g)
			k.Set(i, j, k.At(i, j)-g)
		}
	}
	return linalg.Expm(k)
}

// TestFactorize_DivergenceGuard runs an overlap whose blocks have small,
// near-degenerate singular values. The iteration stalls and its logarithm
// eventually fails; the best consistent pair is returned with a warning
// instead of an error.
func TestFactorize_DivergenceGuard(t *testing.T) {
	t.Parallel()
	u := illConditionedOverlap(1.5, 0.1)
	h := newFakeHost(t, identityMetric(6), 2, []int{2}, 6)
	kf1, kf2 := snapshotPair(t, h, identityMetric(6), u)

	a, err := Align(kf1, kf2)
	require.NoError(t, err)
	assert.Less(t, a.BlockValues(0)[0], 0.2)
	assert.Less(t, a.BlockValues(1)[0], 0.2)

	rec := &recorder{}
	f, err := Factorize(kf1, kf2, WithLogger(rec.logger(monitoring.Warn)))
	require.NoError(t, err)
	assert.False(t, f.Converged)
	assert.Greater(t, f.DiagErr, 1e-8)
	assert.LessOrEqual(t, f.Iterations, config.DefaultMaxCycle)
	assert.True(t, rec.contains("did not converge"), "log: %v", rec.lines)

	assert.Less(t, f.FinalErr, 1e-8)
	testutil.AssertMatrixNear(t, f.Umat(), u, 1e-8)
	assert.True(t, linalg.IsBlockDiagonal(f.Rmat, h.part.Sizes()))
	testutil.AssertOrthonormalColumns(t, f.Rmat, 1e-10)
	// The returned pair is one of the recorded cycles.
	var seen bool
	for _, r := range f.History {
		seen = seen || r.DiagErr == f.DiagErr
	}
	assert.True(t, seen, "diagerr %e not in history", f.DiagErr)
}

// TestFactorize_Sweep never surfaces a bare logarithm error: every outcome
// is a result or a ConsistencyError.
func TestFactorize_Sweep(t *testing.T) {
	t.Parallel()
	h := newFakeHost(t, identityMetric(8), 2, []int{2, 2}, 8)
	for seed := uint64(0); seed < 12; seed++ {
		u := testutil.RandomOrthogonal(testutil.NewRand(300+seed), 8, 1)
		kf1, kf2 := snapshotPair(t, h, identityMetric(8), u)
		f, err := Factorize(kf1, kf2, WithLogger(monitoring.Logger{Level: monitoring.Quiet}))
		if err != nil {
			var ce *ConsistencyError
			assert.True(t, errors.As(err, &ce), "seed %d: %v", seed, err)
			continue
		}
		assert.Less(t, f.FinalErr, 1e-8, "seed %d", seed)
		testutil.AssertMatrixNear(t, f.Umat(), u, 1e-8)
	}
}

// reflectedRotation turns orbitals 0, 2 and 4 of six by alpha about
// (1,1,1)/√3. Each orbital sits in a different block of a (2, [2], 2)
// partition.
func reflectedRotation(alpha float64) *mat.Dense {
	idx := []int{0, 2, 4}
	c, s := math.Cos(alpha), math.Sin(alpha)
	k := 1 / math.Sqrt(3)
	// Rodrigues: c·I + s·[k]x + (1-c)·kkᵀ with k = (1,1,1)/√3.
	cross := [3][3]float64{{0, -k, k}, {k, 0, -k}, {-k, k, 0}}
	r := testutil.Eye(6)
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			v := s*cross[a][b] + (1-c)*k*k
			if a == b {
				v += c
			}
			r.Set(idx[a], idx[b], v)
		}
	}
	return r
}

func TestFactorize_ReflectedStart(t *testing.T) {
	t.Parallel()
	u := reflectedRotation(0.9 * math.Pi)
	h := newFakeHost(t, identityMetric(6), 2, []int{2}, 6)
	kf1, kf2 := snapshotPair(t, h, identityMetric(6), u)

	// The plain Procrustes start leaves ovlp·rmatᵀ with a negative
	// determinant, which has no real logarithm.
	a, err := Align(kf1, kf2)
	require.NoError(t, err)
	var x mat.Dense
	x.Mul(moOverlap(kf1, kf2), a.Rmat().T())
	require.Less(t, mat.Det(&x), 0.0)

	f, err := Factorize(kf1, kf2)
	require.NoError(t, err)
	assert.True(t, f.Converged, "diagerr %e", f.DiagErr)
	assertFactorization(t, f, u)
}

// TestFactorize_StallStops checks the loose-tolerance stall rule: once the
// error is below the strict tolerance and grows, the loop ends even though
// the target was never reached.
func TestFactorize_StallStops(t *testing.T) {
	t.Parallel()
	rng := testutil.NewRand(17)
	h := newFakeHost(t, identityMetric(5), 1, []int{2}, 5)
	var u mat.Dense
	u.Mul(linalg.Expm(offBlockSkew(rng, h.part, 0.1)), blockRotation(rng, h.part, 1))
	kf1, kf2 := snapshotPair(t, h, identityMetric(5), &u)

	// A zero target can only be met by the stall rule or the cycle limit.
	f, err := Factorize(kf1, kf2, WithTolTarget(0))
	require.NoError(t, err)
	assert.True(t, f.Converged)
	assert.LessOrEqual(t, f.DiagErr, 1e-8)
	n := len(f.History)
	if f.Iterations < config.DefaultMaxCycle {
		require.GreaterOrEqual(t, n, 2)
		last, prev := f.History[n-1].DiagErr, f.History[n-2].DiagErr
		assert.True(t, last == 0 || last > prev, "stopped at %e after %e", last, prev)
	}
	assertFactorization(t, f, &u)
}

func TestFactorize_Inconsistent(t *testing.T) {
	t.Parallel()
	rng := testutil.NewRand(18)
	h := newFakeHost(t, identityMetric(5), 1, []int{2}, 5)
	var u mat.Dense
	u.Mul(linalg.Expm(offBlockSkew(rng, h.part, 0.2)), blockRotation(rng, h.part, 1))
	// Orbitals of kf2 are no longer orthonormal.
	u.Scale(1.001, &u)
	kf1, kf2 := snapshotPair(t, h, identityMetric(5), &u)

	rec := &recorder{}
	f, err := Factorize(kf1, kf2, WithMaxCycle(5), WithLogger(rec.logger(monitoring.Error)))
	require.Error(t, err)
	assert.Nil(t, f)
	assert.True(t, errors.Is(err, ErrInconsistent))
	var ce *ConsistencyError
	require.True(t, errors.As(err, &ce))
	assert.Greater(t, ce.FinalErr, 1e-8)
	assert.Equal(t, 1e-8, ce.Tol)
	assert.Contains(t, err.Error(), "final check")
	assert.True(t, rec.contains("matrix logarithm failed"), "skew residual should be reported: %v", rec.lines)
}

func TestFactorize_Options(t *testing.T) {
	t.Parallel()
	h := newFakeHost(t, identityMetric(3), 1, []int{1}, 3)
	kf, err := NewSnapshot(h, testutil.Eye(3), unitCI(testutil.NewRand(1), h))
	require.NoError(t, err)

	_, err = Factorize(kf, kf, WithMaxCycle(0))
	assert.ErrorContains(t, err, "max cycle")

	cfg := config.DefaultTuningConfig()
	*cfg.MaxCycle = 7
	*cfg.Verbose = "debug"
	rec := &recorder{}
	f, err := GetKappa(kf, kf, WithLogger(rec.logger(monitoring.Quiet)), WithTuning(cfg))
	require.NoError(t, err)
	assert.True(t, f.Converged)
	assert.True(t, rec.contains("kappa iter 0 diagerr"), "debug trace expected: %v", rec.lines)
	assert.True(t, rec.contains("kappa final error"))
}

func TestFactorize_Complex(t *testing.T) {
	t.Parallel()
	rng := testutil.NewRand(20)
	h := newFakeHost(t, identityMetric(5), 1, []int{2, 1}, 5)
	work := h.part.Scaled(2)

	id := mat.NewCDense(5, 5, nil)
	for i := 0; i < 5; i++ {
		id.Set(i, i, 1)
	}
	ci := [][]*mat.VecDense{
		{linalg.RealifyVec([]complex128{1, 0})},
		{linalg.RealifyVec([]complex128{1})},
	}
	kf1, err := NewComplexSnapshot(h, id, ci)
	require.NoError(t, err)

	t.Run("identity", func(t *testing.T) {
		f, err := Factorize(kf1, kf1.Clone())
		require.NoError(t, err)
		assert.True(t, f.Converged)
		testutil.AssertMatrixNear(t, f.Kappa, mat.NewDense(10, 10, nil), 1e-12)
		testutil.AssertMatrixNear(t, f.Rmat, testutil.Eye(10), 1e-12)
	})

	t.Run("reconstruction", func(t *testing.T) {
		k := complexOffBlock(rng, h.part, 0.1)
		var u mat.Dense
		u.Mul(linalg.Expm(k), complexBlockRotation(rng, h.part, 1))
		kf2, err := NewComplexSnapshot(h, linalg.Complexify(&u), ci)
		require.NoError(t, err)

		f, err := Factorize(kf1, kf2)
		require.NoError(t, err)
		assert.True(t, f.Converged)
		assert.True(t, linalg.IsBlockDiagonal(f.Rmat, work.Sizes()))
		assertFactorization(t, f, &u)
		testutil.AssertMatrixNear(t, f.Kappa, k, 1e-7)

		ck := f.ComplexKappa()
		for i := 0; i < 5; i++ {
			for j := 0; j < 5; j++ {
				z, w := ck.At(i, j), ck.At(j, i)
				assert.InDelta(t, 0, real(z)+real(w), 1e-8)
				assert.InDelta(t, 0, imag(z)-imag(w), 1e-8)
			}
		}
		r, c := f.ComplexRmat().Dims()
		assert.Equal(t, []int{5, 5}, []int{r, c})
	})
}

func TestFactorize_ApplyStep(t *testing.T) {
	t.Parallel()
	rng := testutil.NewRand(21)
	metric := testutil.RandomSPD(rng, 5, 0.2)
	h := newFakeHost(t, metric, 1, []int{2}, 5)
	var u mat.Dense
	u.Mul(linalg.Expm(offBlockSkew(rng, h.part, 0.1)), blockRotation(rng, h.part, 1))
	kf1, kf2 := snapshotPair(t, h, metric, &u)

	f, err := Factorize(kf1, kf2)
	require.NoError(t, err)
	moved, err := kf1.Rotated(f.Umat())
	require.NoError(t, err)
	testutil.AssertMatrixNear(t, moved.MOCoeff(), kf2.MOCoeff(), 1e-8)
}
