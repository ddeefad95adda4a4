package keyframe

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/keyframe/internal/linalg"
)

type cacheKey int

const (
	keyDM1s cacheKey = iota
	keyVeff
	keyFock1
	keyH2eff
	keyH1eff
)

// Snapshot is one keyframe: MO coefficients and per-fragment, per-root CI
// vectors. It is immutable after construction apart from a cache of
// derived quantities, each computed at most once.
type Snapshot struct {
	ID uuid.UUID

	host  Host
	field linalg.Field
	part  Partition
	mo    *mat.Dense
	ci    [][]*mat.VecDense

	mu    sync.Mutex
	cache map[cacheKey]any
}

// NewSnapshot builds a real keyframe. mo is copied; ci is kept by reference.
func NewSnapshot(host Host, mo mat.Matrix, ci [][]*mat.VecDense) (*Snapshot, error) {
	return newSnapshot(host, linalg.Real, mat.DenseCopyOf(mo), ci)
}

// NewComplexSnapshot builds a complex keyframe. CI vectors hold
// interleaved (re, im) pairs.
func NewComplexSnapshot(host Host, mo mat.CMatrix, ci [][]*mat.VecDense) (*Snapshot, error) {
	return newSnapshot(host, linalg.Complex, linalg.Realify(mo), ci)
}

func newSnapshot(host Host, f linalg.Field, mo *mat.Dense, ci [][]*mat.VecDense) (*Snapshot, error) {
	part := host.Partition()
	w := f.Width()
	nao, _ := host.OverlapMetric().Dims()
	r, c := mo.Dims()
	if c != w*part.Norb() {
		return nil, fmt.Errorf("%w: %d orbitals, partition has %d", ErrShape, c/w, part.Norb())
	}
	if r != w*nao {
		return nil, fmt.Errorf("%w: %d AO rows, metric is %d×%d", ErrShape, r/w, nao, nao)
	}
	if len(ci) != host.NumFragments() || len(ci) != part.NumFragments() {
		return nil, fmt.Errorf("%w: %d CI fragments, host has %d", ErrShape, len(ci), host.NumFragments())
	}
	for i, roots := range ci {
		if len(roots) != host.NumRoots(i) {
			return nil, fmt.Errorf("%w: fragment %d has %d CI roots, host expects %d", ErrShape, i, len(roots), host.NumRoots(i))
		}
		for j, v := range roots {
			if v == nil {
				return nil, fmt.Errorf("%w: fragment %d root %d CI vector is nil", ErrShape, i, j)
			}
		}
	}
	return &Snapshot{
		ID:    uuid.New(),
		host:  host,
		field: f,
		part:  part,
		mo:    mo,
		ci:    ci,
		cache: make(map[cacheKey]any),
	}, nil
}

// Host returns the collaborator the snapshot was built with.
func (s *Snapshot) Host() Host { return s.host }

// Field reports whether the orbitals are real or complex.
func (s *Snapshot) Field() linalg.Field { return s.field }

// Partition returns the orbital block layout.
func (s *Snapshot) Partition() Partition { return s.part }

// MOCoeff returns a copy of the real MO coefficients, or the realified
// coefficients for a complex snapshot.
func (s *Snapshot) MOCoeff() *mat.Dense { return mat.DenseCopyOf(s.mo) }

// ComplexMOCoeff returns the MO coefficients as a complex matrix. Real
// snapshots get a zero imaginary part.
func (s *Snapshot) ComplexMOCoeff() *mat.CDense { return toComplex(s.field, s.mo) }

// CI returns the CI vectors. The slices are shared with the snapshot and
// must not be modified.
func (s *Snapshot) CI() [][]*mat.VecDense { return s.ci }

// Clone returns a snapshot with its own copy of the MO coefficients, views
// of the same CI vectors, and an empty cache.
func (s *Snapshot) Clone() *Snapshot {
	ci := make([][]*mat.VecDense, len(s.ci))
	for i, roots := range s.ci {
		ci[i] = make([]*mat.VecDense, len(roots))
		for j, v := range roots {
			ci[i][j] = view(v)
		}
	}
	return &Snapshot{
		ID:    uuid.New(),
		host:  s.host,
		field: s.field,
		part:  s.part,
		mo:    mat.DenseCopyOf(s.mo),
		ci:    ci,
		cache: make(map[cacheKey]any),
	}
}

// Rotated returns a snapshot with orbitals mo·umat, where umat is a
// working-form nmo×nmo matrix such as Factorization.Umat. CI vectors are
// shared as in Clone.
func (s *Snapshot) Rotated(umat mat.Matrix) (*Snapshot, error) {
	_, c := s.mo.Dims()
	r, k := umat.Dims()
	if r != c || k != c {
		return nil, fmt.Errorf("%w: rotation is %d×%d, want %d×%d", ErrShape, r, k, c, c)
	}
	out := s.Clone()
	out.mo.Mul(s.mo, umat)
	return out, nil
}

func view(v *mat.VecDense) *mat.VecDense {
	if v.Len() == 0 {
		return v
	}
	return v.SliceVec(0, v.Len()).(*mat.VecDense)
}

// cached returns the value stored under key, computing and storing it on
// first use. compute runs without the lock held; if two callers race, the
// first stored value is kept.
func cached[T any](s *Snapshot, key cacheKey, compute func() (T, error)) (T, error) {
	s.mu.Lock()
	if v, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return v.(T), nil
	}
	s.mu.Unlock()

	v, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.cache[key]; ok {
		return prev.(T), nil
	}
	s.cache[key] = v
	return v, nil
}

func (s *Snapshot) hamiltonian() (Hamiltonian, error) {
	h, ok := s.host.(Hamiltonian)
	if !ok {
		return nil, ErrNoHamiltonian
	}
	return h, nil
}

// DM1s returns the spin-separated one-body density matrices.
func (s *Snapshot) DM1s() ([]*mat.Dense, error) {
	return cached(s, keyDM1s, func() ([]*mat.Dense, error) {
		h, err := s.hamiltonian()
		if err != nil {
			return nil, err
		}
		return h.MakeRDM1s(s.mo, s.ci)
	})
}

// Veff returns the spin-separated effective potential built from DM1s.
func (s *Snapshot) Veff() ([]*mat.Dense, error) {
	return cached(s, keyVeff, func() ([]*mat.Dense, error) {
		h, err := s.hamiltonian()
		if err != nil {
			return nil, err
		}
		dm1s, err := s.DM1s()
		if err != nil {
			return nil, err
		}
		return h.GetVeff(dm1s)
	})
}

// Fock1 returns the orbital gradient (generalized Fock matrix).
func (s *Snapshot) Fock1() (*mat.Dense, error) {
	return cached(s, keyFock1, func() (*mat.Dense, error) {
		h, err := s.hamiltonian()
		if err != nil {
			return nil, err
		}
		h2eff, err := s.H2eff()
		if err != nil {
			return nil, err
		}
		veff, err := s.Veff()
		if err != nil {
			return nil, err
		}
		dm1s, err := s.DM1s()
		if err != nil {
			return nil, err
		}
		return h.GetGradOrb(s.mo, s.ci, h2eff, veff, dm1s)
	})
}

// H2eff returns the effective two-body Hamiltonian of the active space.
func (s *Snapshot) H2eff() (*mat.Dense, error) {
	return cached(s, keyH2eff, func() (*mat.Dense, error) {
		h, err := s.hamiltonian()
		if err != nil {
			return nil, err
		}
		return h.GetH2eff(s.mo)
	})
}

// H1eff returns the per-fragment effective one-body Hamiltonians.
func (s *Snapshot) H1eff() ([]*mat.Dense, error) {
	return cached(s, keyH1eff, func() ([]*mat.Dense, error) {
		h, err := s.hamiltonian()
		if err != nil {
			return nil, err
		}
		veff, err := s.Veff()
		if err != nil {
			return nil, err
		}
		h2eff, err := s.H2eff()
		if err != nil {
			return nil, err
		}
		return h.GetH1eff(s.mo, s.ci, veff, h2eff)
	})
}

// workingMetric returns the AO metric in the snapshot's working form.
func (s *Snapshot) workingMetric() mat.Matrix {
	if s.field != linalg.Complex {
		return s.host.OverlapMetric()
	}
	if cm, ok := s.host.(ComplexMetric); ok {
		return linalg.Realify(cm.ComplexOverlapMetric())
	}
	return linalg.RealifyReal(s.host.OverlapMetric())
}

// toComplex converts a working-form matrix to a complex one.
func toComplex(f linalg.Field, m mat.Matrix) *mat.CDense {
	if f == linalg.Complex {
		return linalg.Complexify(m)
	}
	r, c := m.Dims()
	out := mat.NewCDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, complex(m.At(i, j), 0))
		}
	}
	return out
}

// checkPair validates that two snapshots can be compared orbital-wise.
func checkPair(kf1, kf2 *Snapshot) error {
	if kf1.field != kf2.field {
		return fmt.Errorf("%w: %s vs %s orbitals", ErrPartitionMismatch, kf1.field, kf2.field)
	}
	if !kf1.part.Equal(kf2.part) {
		return fmt.Errorf("%w: %v vs %v", ErrPartitionMismatch, kf1.part, kf2.part)
	}
	r1, _ := kf1.mo.Dims()
	r2, _ := kf2.mo.Dims()
	if r1 != r2 {
		return fmt.Errorf("%w: %d vs %d AO rows", ErrShape, r1, r2)
	}
	return nil
}
