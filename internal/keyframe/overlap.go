package keyframe

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/keyframe/internal/linalg"
)

// Overlap is the similarity of two keyframes.
type Overlap struct {
	// MOOverlap is the product of all block singular values. It is 1 only
	// when every block spans the same space in both keyframes.
	MOOverlap float64
	// CIOverlap[frag][root] is |<ci1'|ci2>| after rotating kf1's CI
	// vectors onto kf2's active orbitals.
	CIOverlap [][]float64
}

// CIMeaningful reports whether MOOverlap is within tol of 1. The CI
// overlaps assume aligned active spaces and mean little otherwise.
func (o *Overlap) CIMeaningful(tol float64) bool {
	return math.Abs(1-o.MOOverlap) <= tol
}

// SnapshotOverlap returns the orbital-space overlap of kf1 and kf2 and,
// per fragment and root, the overlap of their CI vectors after kf1's are
// transformed by the active-block Procrustes rotation.
func SnapshotOverlap(kf1, kf2 *Snapshot) (*Overlap, error) {
	if len(kf1.ci) != len(kf2.ci) {
		return nil, fmt.Errorf("%w: %d vs %d fragments", ErrRootMismatch, len(kf1.ci), len(kf2.ci))
	}
	for i := range kf1.ci {
		if len(kf1.ci[i]) != len(kf2.ci[i]) {
			return nil, fmt.Errorf("%w: fragment %d has %d vs %d roots", ErrRootMismatch, i, len(kf1.ci[i]), len(kf2.ci[i]))
		}
	}
	a, err := Align(kf1, kf2)
	if err != nil {
		return nil, err
	}

	o := &Overlap{MOOverlap: 1, CIOverlap: make([][]float64, len(kf1.ci))}
	for _, s := range a.Values {
		o.MOOverlap *= s
	}

	for frag := range kf1.ci {
		umat := a.Rotation(frag + 1)
		if umat == nil {
			umat = &mat.Dense{}
		}
		c1, err := kf1.host.TransformCI(frag, kf1.ci[frag], umat)
		if err != nil {
			return nil, fmt.Errorf("transform CI of fragment %d: %w", frag, err)
		}
		if len(c1) != len(kf2.ci[frag]) {
			return nil, fmt.Errorf("%w: fragment %d transform returned %d roots, want %d", ErrRootMismatch, frag, len(c1), len(kf2.ci[frag]))
		}
		row := make([]float64, len(c1))
		for r, v := range c1 {
			w := kf2.ci[frag][r]
			if v.Len() != w.Len() {
				return nil, fmt.Errorf("%w: fragment %d root %d CI length %d vs %d", ErrShape, frag, r, v.Len(), w.Len())
			}
			row[r] = linalg.AbsInner(kf1.field, v, w)
		}
		o.CIOverlap[frag] = row
	}
	return o, nil
}

// CommonCounts is the number of orbitals per block that two keyframes
// share, i.e. singular values numerically equal to 1.
type CommonCounts struct {
	Inactive int
	Active   []int
	Virtual  int
}

// CountCommonOrbitals counts, for every block, the singular values of the
// block overlap within |σ-1| <= atol + rtol. Counts are logged at info
// level as "<label> orbitals: n/m in common".
func CountCommonOrbitals(kf1, kf2 *Snapshot, opts ...Option) (*CommonCounts, error) {
	o := newSettings(opts)
	a, err := Align(kf1, kf2)
	if err != nil {
		return nil, err
	}

	c := &CommonCounts{Active: make([]int, a.Partition.NumFragments())}
	for i := 0; i < a.Partition.Len(); i++ {
		b := a.Partition.Block(i)
		var n int
		for _, s := range a.BlockValues(i) {
			if isClose(s, 1, o.commonRtol, o.commonAtol) {
				n++
			}
		}
		o.logger.Infof("%s orbitals: %d/%d in common", b.Label, n, b.Size)
		switch b.Kind {
		case Inactive:
			c.Inactive = n
		case Active:
			c.Active[b.Fragment] = n
		case Virtual:
			c.Virtual = n
		}
	}
	return c, nil
}

func isClose(a, b, rtol, atol float64) bool {
	return math.Abs(a-b) <= atol+rtol*math.Abs(b)
}
