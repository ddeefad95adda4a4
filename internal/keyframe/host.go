package keyframe

import (
	"gonum.org/v1/gonum/mat"
)

// Host supplies everything about a keyframe that this package treats as
// opaque: the AO metric, the block layout, and the CI vector transform.
type Host interface {
	// OverlapMetric is the AO overlap, nao×nao.
	OverlapMetric() mat.Symmetric
	// Partition is the fixed orbital block layout.
	Partition() Partition
	NumFragments() int
	NumRoots(frag int) int
	// TransformCI returns the CI vectors of fragment frag rewritten for the
	// active orbitals rotated by umat. For complex keyframes umat and the
	// vectors are in realified form. The input vectors must not be modified.
	TransformCI(frag int, ci []*mat.VecDense, umat mat.Matrix) ([]*mat.VecDense, error)
}

// ComplexMetric is implemented by hosts with a complex AO metric. Hosts
// without it get their real metric embedded for complex keyframes.
type ComplexMetric interface {
	ComplexOverlapMetric() mat.CMatrix
}

// Hamiltonian is implemented by hosts that can build the derived
// quantities cached on a Snapshot. mo is in working form.
type Hamiltonian interface {
	MakeRDM1s(mo mat.Matrix, ci [][]*mat.VecDense) ([]*mat.Dense, error)
	GetVeff(dm1s []*mat.Dense) ([]*mat.Dense, error)
	GetGradOrb(mo mat.Matrix, ci [][]*mat.VecDense, h2eff *mat.Dense, veff, dm1s []*mat.Dense) (*mat.Dense, error)
	GetH2eff(mo mat.Matrix) (*mat.Dense, error)
	GetH1eff(mo mat.Matrix, ci [][]*mat.VecDense, veff []*mat.Dense, h2eff *mat.Dense) ([]*mat.Dense, error)
}
