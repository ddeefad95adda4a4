package linalg

import (
	"gonum.org/v1/gonum/mat"
)

// Realify returns the interleaved real form of the complex matrix a.
func Realify(a mat.CMatrix) *mat.Dense {
	r, c := a.Dims()
	m := mat.NewDense(2*r, 2*c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			z := a.At(i, j)
			re, im := real(z), imag(z)
			m.Set(2*i, 2*j, re)
			m.Set(2*i, 2*j+1, -im)
			m.Set(2*i+1, 2*j, im)
			m.Set(2*i+1, 2*j+1, re)
		}
	}
	return m
}

// RealifyReal embeds a real matrix as a complex one with zero imaginary
// part and returns its realified form.
func RealifyReal(a mat.Matrix) *mat.Dense {
	r, c := a.Dims()
	m := mat.NewDense(2*r, 2*c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := a.At(i, j)
			m.Set(2*i, 2*j, v)
			m.Set(2*i+1, 2*j+1, v)
		}
	}
	return m
}

// Complexify is the inverse of Realify. Only the first column of each 2×2
// block is read; a must have even dimensions.
func Complexify(a mat.Matrix) *mat.CDense {
	r, c := a.Dims()
	if r%2 != 0 || c%2 != 0 {
		panic(mat.ErrShape)
	}
	m := mat.NewCDense(r/2, c/2, nil)
	for i := 0; i < r/2; i++ {
		for j := 0; j < c/2; j++ {
			m.Set(i, j, complex(a.At(2*i, 2*j), a.At(2*i+1, 2*j)))
		}
	}
	return m
}

// RealifyVec interleaves the real and imaginary parts of v.
func RealifyVec(v []complex128) *mat.VecDense {
	data := make([]float64, 2*len(v))
	for i, z := range v {
		data[2*i] = real(z)
		data[2*i+1] = imag(z)
	}
	return mat.NewVecDense(len(data), data)
}

// ComplexifyVec is the inverse of RealifyVec.
func ComplexifyVec(v mat.Vector) []complex128 {
	n := v.Len()
	if n%2 != 0 {
		panic(mat.ErrShape)
	}
	out := make([]complex128, n/2)
	for i := range out {
		out[i] = complex(v.AtVec(2*i), v.AtVec(2*i+1))
	}
	return out
}
