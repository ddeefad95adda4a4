package linalg

import (
	"gonum.org/v1/gonum/mat"
)

// Expm returns e^a. It wraps (*mat.Dense).Exp, which uses a scaling and
// squaring Padé approximant.
func Expm(a mat.Matrix) *mat.Dense {
	var m mat.Dense
	m.Exp(a)
	return &m
}

// Identity returns the n×n identity.
func Identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func addIdentity(m *mat.Dense) {
	n, _ := m.Dims()
	for i := 0; i < n; i++ {
		m.Set(i, i, m.At(i, i)+1)
	}
}

// Diagonal returns the square diagonal block of m starting at off. The
// block shares storage with m.
func Diagonal(m *mat.Dense, off, size int) *mat.Dense {
	return m.Slice(off, off+size, off, off+size).(*mat.Dense)
}

// SetBlock copies src into dst with its top-left corner at (off, off).
func SetBlock(dst *mat.Dense, off int, src mat.Matrix) {
	r, c := src.Dims()
	dst.Slice(off, off+r, off, off+c).(*mat.Dense).Copy(src)
}

// IsBlockDiagonal reports whether every entry of the square matrix m
// outside the diagonal blocks given by sizes is exactly zero.
func IsBlockDiagonal(m mat.Matrix, sizes []int) bool {
	n, _ := m.Dims()
	owner := make([]int, 0, n)
	for b, s := range sizes {
		for k := 0; k < s; k++ {
			owner = append(owner, b)
		}
	}
	if len(owner) != n {
		return false
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if owner[i] != owner[j] && m.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}
