// Package linalg holds the dense kernels used to compare orbital bases:
// matrix logarithm and exponential, real and complex singular value
// decompositions, and helpers for block-partitioned square matrices.
//
// Everything operates on gonum *mat.Dense values. Complex matrices are
// carried in realified form, where each entry a+ib becomes the 2×2 real
// block
//
//	[ a  -b ]
//	[ b   a ]
//
// laid out in place (interleaved), so an index range [i, j) in the complex
// matrix maps to the contiguous range [2i, 2j) in the real one. Matrix
// products, transposes, exponentials and principal logarithms all commute
// with this mapping, which lets one real code path serve both fields.
//
// Dependency rule: linalg depends on gonum only. No logging, no I/O.
package linalg
