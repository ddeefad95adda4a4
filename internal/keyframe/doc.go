// Package keyframe compares two orbital configurations ("keyframes") of a
// fragment-partitioned wave function and factorizes the unitary that maps
// one orbital basis onto the other.
//
// The orbitals of a keyframe are split into contiguous blocks: inactive,
// one active block per fragment, and virtual. Align computes a block-wise
// SVD of the cross overlap, SnapshotOverlap and CountCommonOrbitals
// summarise it, and Factorize writes the full transformation as
//
//	<kf1|kf2> = expm(kappa) · rmat
//
// with rmat block-diagonal and kappa anti-Hermitian with zero diagonal
// blocks.
//
// Complex (spin-orbit) keyframes are handled in the realified form of
// package linalg. Matrices on Alignment and Factorization are in that
// working form; the Complex* accessors convert back.
package keyframe
