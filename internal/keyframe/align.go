package keyframe

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/keyframe/internal/linalg"
)

// Alignment is the block-wise SVD of <kf1|kf2>. U and VH are working-form
// block-diagonal unitaries; entries outside the diagonal blocks are never
// written. Values holds the singular values of every block concatenated in
// partition order.
type Alignment struct {
	Field     linalg.Field
	Partition Partition
	U         *mat.Dense
	VH        *mat.Dense
	Values    []float64
}

// Align computes, for each block b, the SVD of C1_bᴴ·S·C2_b and assembles
// the block-diagonal factors.
func Align(kf1, kf2 *Snapshot) (*Alignment, error) {
	if err := checkPair(kf1, kf2); err != nil {
		return nil, err
	}
	f := kf1.field
	part := kf1.part
	work := part.Scaled(f.Width())
	n := work.Norb()

	a := &Alignment{
		Field:     f,
		Partition: part,
		U:         mat.NewDense(n, n, nil),
		VH:        mat.NewDense(n, n, nil),
		Values:    make([]float64, 0, part.Norb()),
	}
	metric := kf1.workingMetric()
	for i := 0; i < work.Len(); i++ {
		b := work.Block(i)
		if b.Size == 0 {
			continue
		}
		s := crossOverlap(metric, columns(kf1.mo, b), columns(kf2.mo, b))
		u, sv, vh, err := linalg.FieldSVD(f, s)
		if err != nil {
			return nil, fmt.Errorf("%s block: %w", part.Block(i).Label, err)
		}
		linalg.SetBlock(a.U, b.Start, u)
		linalg.SetBlock(a.VH, b.Start, vh)
		a.Values = append(a.Values, sv...)
	}
	return a, nil
}

// OrbitalBlockSVD is Align.
func OrbitalBlockSVD(kf1, kf2 *Snapshot) (*Alignment, error) { return Align(kf1, kf2) }

// BlockValues returns the singular values of block i.
func (a *Alignment) BlockValues(i int) []float64 {
	b := a.Partition.Block(i)
	return a.Values[b.Start:b.End()]
}

// Rotation returns U_b·V_bᴴ for block i in working form: the block-wise
// Procrustes rotation carrying kf1's orbitals onto kf2's. Empty blocks
// give nil.
func (a *Alignment) Rotation(i int) *mat.Dense {
	b := a.Partition.Scaled(a.Field.Width()).Block(i)
	if b.Size == 0 {
		return nil
	}
	var r mat.Dense
	r.Mul(linalg.Diagonal(a.U, b.Start, b.Size), linalg.Diagonal(a.VH, b.Start, b.Size))
	return &r
}

// Rmat assembles the block-diagonal product U·VH block by block so that
// off-block entries stay exactly zero.
func (a *Alignment) Rmat() *mat.Dense {
	n, _ := a.U.Dims()
	r := mat.NewDense(n, n, nil)
	work := a.Partition.Scaled(a.Field.Width())
	for i := 0; i < work.Len(); i++ {
		if rot := a.Rotation(i); rot != nil {
			linalg.SetBlock(r, work.Block(i).Start, rot)
		}
	}
	return r
}

// properRmat returns Rmat, or for a real overlap with det(ovlp·Rmatᵀ) < 0
// the rotation with the U column of the globally smallest singular value
// negated, and whether it did so. A negative determinant puts an odd number
// of eigenvalues on the negative real axis, where no real logarithm exists.
// The complex determinant phase is continuous, so complex fields never need it.
func (a *Alignment) properRmat(ovlp mat.Matrix) (*mat.Dense, bool) {
	rmat := a.Rmat()
	if a.Field != linalg.Real {
		return rmat, false
	}
	var x mat.Dense
	x.Mul(ovlp, rmat.T())
	if mat.Det(&x) >= 0 {
		return rmat, false
	}

	pick, smin := -1, math.Inf(1)
	for i := 0; i < a.Partition.Len(); i++ {
		sv := a.BlockValues(i)
		if len(sv) > 0 && sv[len(sv)-1] < smin {
			pick, smin = i, sv[len(sv)-1]
		}
	}
	if pick < 0 {
		return rmat, false
	}
	b := a.Partition.Block(pick)
	u := mat.DenseCopyOf(linalg.Diagonal(a.U, b.Start, b.Size))
	for r := 0; r < b.Size; r++ {
		u.Set(r, b.Size-1, -u.At(r, b.Size-1))
	}
	var rot mat.Dense
	rot.Mul(u, linalg.Diagonal(a.VH, b.Start, b.Size))
	linalg.SetBlock(rmat, b.Start, &rot)
	return rmat, true
}

// ComplexU returns U as a complex matrix.
func (a *Alignment) ComplexU() *mat.CDense { return toComplex(a.Field, a.U) }

// ComplexVH returns VH as a complex matrix.
func (a *Alignment) ComplexVH() *mat.CDense { return toComplex(a.Field, a.VH) }

// columns returns the column range of block b as a view.
func columns(m *mat.Dense, b Block) mat.Matrix {
	r, _ := m.Dims()
	return m.Slice(0, r, b.Start, b.End())
}

// crossOverlap returns c1ᵀ·s·c2. In working form the transpose is the
// conjugate transpose.
func crossOverlap(s, c1, c2 mat.Matrix) *mat.Dense {
	var sc, out mat.Dense
	sc.Mul(s, c2)
	out.Mul(c1.T(), &sc)
	return &out
}

// moOverlap is the full working-form <kf1|kf2>.
func moOverlap(kf1, kf2 *Snapshot) *mat.Dense {
	return crossOverlap(kf1.workingMetric(), kf1.mo, kf2.mo)
}
