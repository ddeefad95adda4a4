package linalg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/mat"
)

// ErrLogm is returned when the principal logarithm cannot be formed, which
// happens when the matrix has eigenvalues on or next to the closed negative
// real axis.
var ErrLogm = errors.New("linalg: matrix logarithm failed")

const (
	// logmRadius is the largest ||A - I||_1 handed to the Padé stage.
	logmRadius = 0.25
	// logmMaxRoots caps the number of square roots taken.
	logmMaxRoots = 40
	// logmNodes is the Gauss-Legendre order, i.e. the [m/m] Padé degree.
	// m = 8 at radius 0.25 is below double precision rounding.
	logmNodes = 8

	sqrtmMaxIter = 100
	sqrtmTol     = 1e-13
	// Below sqrtmStall a non-decreasing step is taken as the rounding floor.
	sqrtmStall = 1e-8
)

// Logm returns the principal logarithm of the square matrix a.
//
// Algorithm (inverse scaling and squaring):
//  1. Take k square roots until ||A^(1/2^k) - I||_1 <= 0.25.
//  2. Evaluate log(I + X), X = A^(1/2^k) - I, with the m-point
//     Gauss-Legendre rule on log(I+X) = ∫₀¹ X (I + tX)⁻¹ dt, which is
//     the [m/m] Padé approximant.
//  3. Scale the result by 2^k.
//
// For an orthogonal input the result is skew-symmetric up to rounding;
// for an input that is only close to orthogonal it carries a symmetric
// residual of the same order as the departure from orthogonality.
func Logm(a mat.Matrix) (*mat.Dense, error) {
	n, c := a.Dims()
	if n != c {
		panic(mat.ErrSquare)
	}
	id := Identity(n)
	x := mat.DenseCopyOf(a)

	var k int
	for {
		var d mat.Dense
		d.Sub(x, id)
		dist := mat.Norm(&d, 1)
		if dist <= logmRadius {
			break
		}
		if k == logmMaxRoots {
			return nil, fmt.Errorf("%w: ||A-I||_1 = %.3e after %d square roots", ErrLogm, dist, k)
		}
		r, err := Sqrtm(x)
		if err != nil {
			return nil, err
		}
		x = r
		k++
	}

	x.Sub(x, id)
	l, err := logOnePlus(x)
	if err != nil {
		return nil, err
	}
	l.Scale(math.Ldexp(1, k), l)
	return l, nil
}

// logOnePlus evaluates log(I + x) for ||x||_1 <= logmRadius.
func logOnePlus(x *mat.Dense) (*mat.Dense, error) {
	n, _ := x.Dims()
	nodes := make([]float64, logmNodes)
	weights := make([]float64, logmNodes)
	quad.Legendre{}.FixedLocations(nodes, weights, 0, 1)

	sum := mat.NewDense(n, n, nil)
	var shifted, term mat.Dense
	for j, t := range nodes {
		shifted.Scale(t, x)
		addIdentity(&shifted)
		// (I + tX) commutes with X, so solving on the left is the same
		// as X (I + tX)⁻¹.
		if err := term.Solve(&shifted, x); conditionErr(err) != nil {
			return nil, fmt.Errorf("%w: singular resolvent at node %d: %v", ErrLogm, j, err)
		}
		term.Scale(weights[j], &term)
		sum.Add(sum, &term)
	}
	return sum, nil
}

// Sqrtm returns the principal square root of a by the Denman-Beavers
// iteration
//
//	Y₀ = A, Z₀ = I
//	Yₖ₊₁ = (Yₖ + Zₖ⁻¹)/2,  Zₖ₊₁ = (Zₖ + Yₖ⁻¹)/2
//
// where Yₖ → A^(1/2) and Zₖ → A^(-1/2).
func Sqrtm(a mat.Matrix) (*mat.Dense, error) {
	n, c := a.Dims()
	if n != c {
		panic(mat.ErrSquare)
	}
	y := mat.DenseCopyOf(a)
	z := Identity(n)

	prev := math.Inf(1)
	for it := 0; it < sqrtmMaxIter; it++ {
		var yInv, zInv mat.Dense
		if err := yInv.Inverse(y); conditionErr(err) != nil {
			return nil, fmt.Errorf("%w: square root iterate %d singular: %v", ErrLogm, it, err)
		}
		if err := zInv.Inverse(z); conditionErr(err) != nil {
			return nil, fmt.Errorf("%w: inverse square root iterate %d singular: %v", ErrLogm, it, err)
		}

		var yNext, zNext mat.Dense
		yNext.Add(y, &zInv)
		yNext.Scale(0.5, &yNext)
		zNext.Add(z, &yInv)
		zNext.Scale(0.5, &zNext)

		var diff mat.Dense
		diff.Sub(&yNext, y)
		delta := mat.Norm(&diff, 2) / mat.Norm(&yNext, 2)
		y, z = &yNext, &zNext
		if delta <= sqrtmTol || (delta < sqrtmStall && delta >= prev) {
			return y, nil
		}
		prev = delta
	}
	return nil, fmt.Errorf("%w: square root did not converge in %d iterations", ErrLogm, sqrtmMaxIter)
}

// conditionErr drops the warning-grade mat.Condition errors gonum returns
// for ill-conditioned but solvable systems; exact singularity is kept.
func conditionErr(err error) error {
	var c mat.Condition
	if errors.As(err, &c) && !math.IsInf(float64(c), 1) {
		return nil
	}
	return err
}
