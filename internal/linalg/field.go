package linalg

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Field selects the scalar type a working matrix represents.
type Field int

const (
	// Real matrices are stored as they are.
	Real Field = iota
	// Complex matrices are stored realified (see package doc).
	Complex
)

// String implements fmt.Stringer.
func (f Field) String() string {
	switch f {
	case Real:
		return "real"
	case Complex:
		return "complex"
	default:
		return fmt.Sprintf("Field(%d)", int(f))
	}
}

// Width is the number of real rows/columns used per scalar row/column.
func (f Field) Width() int {
	if f == Complex {
		return 2
	}
	return 1
}

// MaxAbs returns the largest entry modulus of the working matrix a. For
// Complex it is the modulus of the complex entries, not of their parts.
func MaxAbs(f Field, a mat.Matrix) float64 {
	r, c := a.Dims()
	var m float64
	if f == Complex {
		for i := 0; i < r; i += 2 {
			for j := 0; j < c; j += 2 {
				m = math.Max(m, math.Hypot(a.At(i, j), a.At(i+1, j)))
			}
		}
		return m
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m = math.Max(m, math.Abs(a.At(i, j)))
		}
	}
	return m
}

// Frobenius returns the Frobenius norm of the matrix represented by a.
// The realified form doubles every squared modulus, which is undone here.
func Frobenius(f Field, a mat.Matrix) float64 {
	r, c := a.Dims()
	if r == 0 || c == 0 {
		return 0
	}
	return mat.Norm(a, 2) / math.Sqrt(float64(f.Width()))
}

// AbsInner returns |<a|b>| for two working vectors, conjugating a.
// Complex vectors are interleaved (re, im) pairs.
func AbsInner(f Field, a, b mat.Vector) float64 {
	if a.Len() != b.Len() {
		panic(mat.ErrShape)
	}
	if f != Complex {
		return math.Abs(mat.Dot(a, b))
	}
	var re, im float64
	for i := 0; i+1 < a.Len(); i += 2 {
		ar, ai := a.AtVec(i), a.AtVec(i+1)
		br, bi := b.AtVec(i), b.AtVec(i+1)
		re += ar*br + ai*bi
		im += ar*bi - ai*br
	}
	return math.Hypot(re, im)
}
