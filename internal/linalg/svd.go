package linalg

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ErrSVD is returned when a singular value decomposition fails.
var ErrSVD = errors.New("linalg: SVD failed")

const (
	csvdMaxSweeps = 60
	machEps       = 0x1p-52
)

// SVD factorizes the real matrix a as U·diag(s)·Vᵀ with square U and V and
// s in descending order. It returns U, s and Vᵀ.
func SVD(a mat.Matrix) (*mat.Dense, []float64, *mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, nil, nil, ErrSVD
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	return &u, svd.Values(nil), mat.DenseCopyOf(v.T()), nil
}

// FieldSVD is SVD for a working matrix of field f. For Complex the
// decomposition is done on the complex matrix and U and Vᴴ are returned
// realified; s holds one value per complex singular value.
func FieldSVD(f Field, a mat.Matrix) (*mat.Dense, []float64, *mat.Dense, error) {
	if f != Complex {
		return SVD(a)
	}
	u, s, v, err := CSVD(Complexify(a))
	if err != nil {
		return nil, nil, nil, err
	}
	return Realify(u), s, Realify(v.H()), nil
}

// CSVD factorizes the complex matrix a as U·diag(s)·Vᴴ with unitary U and
// V and s in descending order, using one-sided (Hestenes) Jacobi
// rotations. Columns of U belonging to zero singular values are completed
// to an orthonormal basis.
func CSVD(a mat.CMatrix) (*mat.CDense, []float64, *mat.CDense, error) {
	m, n := a.Dims()
	if m < n {
		u, s, v, err := CSVD(a.H())
		if err != nil {
			return nil, nil, nil, err
		}
		return v, s, u, nil
	}

	// g holds the columns of A·W, w the columns of W.
	g := make([][]complex128, n)
	w := make([][]complex128, n)
	for j := 0; j < n; j++ {
		g[j] = make([]complex128, m)
		for i := 0; i < m; i++ {
			g[j][i] = a.At(i, j)
		}
		w[j] = make([]complex128, n)
		w[j][j] = 1
	}

	tol := float64(m) * machEps
	converged := false
	for sweep := 0; sweep < csvdMaxSweeps && !converged; sweep++ {
		converged = true
		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				alpha := real(dotc(g[p], g[p]))
				beta := real(dotc(g[q], g[q]))
				gamma := dotc(g[p], g[q])
				mod := cmplx.Abs(gamma)
				if mod == 0 || mod <= tol*math.Sqrt(alpha*beta) {
					continue
				}
				converged = false
				phase := gamma / complex(mod, 0)
				zeta := (beta - alpha) / (2 * mod)
				t := math.Copysign(1, zeta) / (math.Abs(zeta) + math.Sqrt(1+zeta*zeta))
				c := 1 / math.Sqrt(1+t*t)
				s := c * t
				jacobiRotate(g[p], g[q], c, s, phase)
				jacobiRotate(w[p], w[q], c, s, phase)
			}
		}
	}
	if !converged {
		return nil, nil, nil, fmt.Errorf("%w: Jacobi sweeps did not converge after %d sweeps", ErrSVD, csvdMaxSweeps)
	}

	sv := make([]float64, n)
	order := make([]int, n)
	for j := range g {
		sv[j] = math.Sqrt(real(dotc(g[j], g[j])))
		order[j] = j
	}
	sort.SliceStable(order, func(i, j int) bool { return sv[order[i]] > sv[order[j]] })

	s := make([]float64, n)
	cutoff := float64(m) * machEps
	if len(order) > 0 {
		cutoff *= sv[order[0]]
	}
	uCols := make([][]complex128, 0, m)
	u := mat.NewCDense(m, m, nil)
	v := mat.NewCDense(n, n, nil)
	for k, j := range order {
		s[k] = sv[j]
		for i := 0; i < n; i++ {
			v.Set(i, k, w[j][i])
		}
		var col []complex128
		if sv[j] > cutoff {
			col = make([]complex128, m)
			for i := range col {
				col[i] = g[j][i] / complex(sv[j], 0)
			}
			// Small singular values leave u slightly non-orthogonal.
			if orthonormalize(col, uCols) < 0.5 {
				col = nil
			}
		}
		if col == nil {
			col = completeBasis(m, uCols)
		}
		uCols = append(uCols, col)
	}
	for len(uCols) < m {
		uCols = append(uCols, completeBasis(m, uCols))
	}
	for k, col := range uCols {
		for i, z := range col {
			u.Set(i, k, z)
		}
	}
	return u, s, v, nil
}

// jacobiRotate applies [x y] ← [x y]·diag(1, e^{-iφ})·[[c, s], [-s, c]].
func jacobiRotate(x, y []complex128, c, s float64, phase complex128) {
	cc, sc := complex(c, 0), complex(s, 0)
	ph := cmplx.Conj(phase)
	for i := range x {
		xi, yi := x[i], ph*y[i]
		x[i] = cc*xi - sc*yi
		y[i] = sc*xi + cc*yi
	}
}

func dotc(x, y []complex128) complex128 {
	var sum complex128
	for i := range x {
		sum += cmplx.Conj(x[i]) * y[i]
	}
	return sum
}

// orthonormalize projects basis out of x twice, normalizes it, and returns
// the norm that remained after projection.
func orthonormalize(x []complex128, basis [][]complex128) float64 {
	for pass := 0; pass < 2; pass++ {
		for _, b := range basis {
			p := dotc(b, x)
			for i := range x {
				x[i] -= p * b[i]
			}
		}
	}
	nrm := math.Sqrt(real(dotc(x, x)))
	if nrm > 0 {
		for i := range x {
			x[i] /= complex(nrm, 0)
		}
	}
	return nrm
}

// completeBasis returns a unit vector orthogonal to basis, built from the
// standard basis vector that keeps the most norm after projection.
func completeBasis(m int, basis [][]complex128) []complex128 {
	var best []complex128
	bestNorm := -1.0
	for k := 0; k < m; k++ {
		e := make([]complex128, m)
		e[k] = 1
		if nrm := orthonormalize(e, basis); nrm > bestNorm {
			best, bestNorm = e, nrm
		}
	}
	return best
}
