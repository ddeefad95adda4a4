package keyframe

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/keyframe/internal/linalg"
)

// IterationRecord is the diagnostic trace of one refinement cycle.
type IterationRecord struct {
	Iter    int
	DiagErr float64
	SkewErr float64
	// FinalErr is the reconstruction residual of this cycle's pair.
	FinalErr float64
}

// Factorization writes <kf1|kf2> = expm(Kappa)·Rmat. Kappa and Rmat are in
// working form.
type Factorization struct {
	Field     linalg.Field
	Partition Partition
	Kappa     *mat.Dense
	Rmat      *mat.Dense

	// Iterations is the number of cycles completed.
	Iterations int
	// DiagErr is the largest diagonal-block element of Kappa.
	DiagErr float64
	// FinalErr is ||Umat()ᴴ·<kf1|kf2> - I||_F.
	FinalErr float64
	// Converged is false when DiagErr stayed above the strict tolerance or
	// a matrix logarithm failed part way.
	Converged bool
	History   []IterationRecord
	// SkewWarnings lists the cycles whose logarithm had a Hermitian
	// residual above the strict tolerance.
	SkewWarnings []IterationRecord
}

// Umat returns expm(Kappa)·Rmat.
func (f *Factorization) Umat() *mat.Dense {
	var u mat.Dense
	u.Mul(linalg.Expm(f.Kappa), f.Rmat)
	return &u
}

// ComplexKappa returns Kappa as a complex matrix.
func (f *Factorization) ComplexKappa() *mat.CDense { return toComplex(f.Field, f.Kappa) }

// ComplexRmat returns Rmat as a complex matrix.
func (f *Factorization) ComplexRmat() *mat.CDense { return toComplex(f.Field, f.Rmat) }

// Factorize decomposes the orbital overlap <kf1|kf2> into expm(kappa)·rmat,
// rmat block-diagonal unitary and kappa anti-Hermitian with vanishing
// diagonal blocks.
//
// rmat starts from the block-wise Procrustes rotation of Align, with the
// weakest singular direction reflected when a real overlap would otherwise
// leave ovlp·rmatᵀ with negative determinant and no real logarithm. Each
// cycle takes kappa = logm(<kf1|kf2>·rmatᴴ) and moves the diagonal blocks of
// kappa into rmat. Iteration stops when the largest diagonal-block element
// drops below the target tolerance, or once it is below the strict
// tolerance and grows again. A logarithm that fails part way ends the loop
// like running out of cycles does: the cycle with the smallest diagonal
// error whose pair still reproduces the overlap is returned, reported
// through Converged and a log line. Only a failed final reconstruction is
// an error.
func Factorize(kf1, kf2 *Snapshot, opts ...Option) (*Factorization, error) {
	o := newSettings(opts)
	log := o.logger
	if o.maxCycle < 1 {
		return nil, fmt.Errorf("keyframe: max cycle must be at least 1, got %d", o.maxCycle)
	}

	a, err := Align(kf1, kf2)
	if err != nil {
		return nil, err
	}
	f := kf1.field
	nmo := kf1.part.Norb()
	work := kf1.part.Scaled(f.Width())
	n := work.Norb()

	ovlp := moOverlap(kf1, kf2)
	rmat, reflected := a.properRmat(ovlp)
	if reflected {
		log.Debugf("kappa: start rotation reflected in its weakest direction, det(ovlp·rmatᵀ) was negative")
	}
	rmat1 := mat.NewDense(n, n, nil)
	res := &Factorization{Field: f, Partition: kf1.part}

	var (
		last, best *cycle
		lasterr    = 1.0
		logmErr    error
	)
	log.Debugf("kappa: iterating BCH expansion until maximum diagonal element is less than %e", o.tolTarget)
	for it := 0; it < o.maxCycle; it++ {
		var x mat.Dense
		x.Mul(ovlp, rmat.T())
		kappa, err := linalg.Logm(&x)
		if err != nil {
			logmErr = fmt.Errorf("kappa iteration %d: %w", it, err)
			log.Errorf("kappa matrix logarithm failed (iter %d): %v", it, err)
			break
		}

		var herm mat.Dense
		herm.Add(kappa, kappa.T())
		skewerr := linalg.Frobenius(f, &herm)
		if skewerr/float64(nmo) > o.tolStrict {
			log.Errorf("kappa matrix logarithm failed (iter %d, skewerr = %e)", it, skewerr)
			res.SkewWarnings = append(res.SkewWarnings, IterationRecord{Iter: it, SkewErr: skewerr})
		}

		diagerr := 0.0
		for i := 0; i < work.Len(); i++ {
			b := work.Block(i)
			if b.Size == 0 {
				continue
			}
			kb := linalg.Diagonal(kappa, b.Start, b.Size)
			diagerr = max(diagerr, linalg.MaxAbs(f, kb))
			linalg.SetBlock(rmat1, b.Start, linalg.Expm(kb))
		}
		c := &cycle{kappa: kappa, rmat: rmat, diagerr: diagerr, finalErr: residual(f, ovlp, kappa, rmat)}
		last = c
		// NaN never compares less, so a poisoned cycle is never kept.
		if c.finalErr < o.tolStrict && (best == nil || c.diagerr < best.diagerr) {
			best = c
		}
		res.Iterations = it + 1
		res.History = append(res.History, IterationRecord{Iter: it, DiagErr: diagerr, SkewErr: skewerr, FinalErr: c.finalErr})
		log.Debugf("kappa iter %d diagerr: %e", it, diagerr)

		if diagerr < o.tolTarget || (diagerr < o.tolStrict && diagerr > lasterr) {
			break
		}
		if it+1 == o.maxCycle {
			break
		}
		lasterr = diagerr
		// rmat stays paired with this cycle's kappa.
		next := mat.DenseCopyOf(rmat)
		mulBlocks(next, rmat1, work)
		rmat = next
	}

	pick := best
	if pick == nil {
		pick = last
	}
	if pick == nil {
		// The first logarithm failed; rmat alone is all there is.
		kappa := mat.NewDense(n, n, nil)
		pick = &cycle{kappa: kappa, rmat: rmat, diagerr: math.Inf(1), finalErr: residual(f, ovlp, kappa, rmat)}
	}
	res.Kappa, res.Rmat, res.DiagErr, res.FinalErr = pick.kappa, pick.rmat, pick.diagerr, pick.finalErr
	res.Converged = logmErr == nil && pick.diagerr <= o.tolStrict
	if !res.Converged {
		log.Warnf("kappa iteration did not converge after %d cycles with err = %e", res.Iterations, pick.diagerr)
	}

	log.Debugf("kappa final error = %e", res.FinalErr)
	if !(res.FinalErr < o.tolStrict) {
		log.Errorf("kappa final check failed: %e >= %e", res.FinalErr, o.tolStrict)
		return nil, &ConsistencyError{FinalErr: res.FinalErr, Tol: o.tolStrict, Cause: logmErr}
	}
	return res, nil
}

// cycle is one candidate pair of the refinement loop.
type cycle struct {
	kappa, rmat       *mat.Dense
	diagerr, finalErr float64
}

// residual is ||(expm(kappa)·rmat)ᴴ·ovlp - I||_F.
func residual(f linalg.Field, ovlp, kappa, rmat *mat.Dense) float64 {
	var u, check mat.Dense
	u.Mul(linalg.Expm(kappa), rmat)
	check.Mul(u.T(), ovlp)
	n, _ := check.Dims()
	for i := 0; i < n; i++ {
		check.Set(i, i, check.At(i, i)-1)
	}
	return linalg.Frobenius(f, &check)
}

// GetKappa is Factorize.
func GetKappa(kf1, kf2 *Snapshot, opts ...Option) (*Factorization, error) {
	return Factorize(kf1, kf2, opts...)
}

// mulBlocks sets r[b,b] = l[b,b]·r[b,b] for every block, leaving entries
// outside the blocks untouched.
func mulBlocks(r, l *mat.Dense, work Partition) {
	for i := 0; i < work.Len(); i++ {
		b := work.Block(i)
		if b.Size == 0 {
			continue
		}
		var prod mat.Dense
		prod.Mul(linalg.Diagonal(l, b.Start, b.Size), linalg.Diagonal(r, b.Start, b.Size))
		linalg.SetBlock(r, b.Start, &prod)
	}
}
