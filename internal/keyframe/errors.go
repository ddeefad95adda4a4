package keyframe

import (
	"errors"
	"fmt"
)

var (
	// ErrShape reports inconsistent matrix or vector dimensions.
	ErrShape = errors.New("keyframe: shape mismatch")
	// ErrPartitionMismatch reports two keyframes with different block layouts
	// or scalar fields.
	ErrPartitionMismatch = errors.New("keyframe: partition mismatch")
	// ErrRootMismatch reports differing fragment or root counts between two
	// keyframes' CI vectors.
	ErrRootMismatch = errors.New("keyframe: CI root mismatch")
	// ErrInconsistent is wrapped by ConsistencyError.
	ErrInconsistent = errors.New("keyframe: factorization inconsistent")
	// ErrNoHamiltonian is returned by derived-quantity accessors when the
	// host does not implement Hamiltonian.
	ErrNoHamiltonian = errors.New("keyframe: host does not implement Hamiltonian")
)

// ConsistencyError is the fatal outcome of the final factorization check:
// ||(expm(kappa)·rmat)ᴴ·<kf1|kf2> - I||_F did not fall below Tol.
type ConsistencyError struct {
	FinalErr float64
	Tol      float64
	// Cause is the matrix logarithm failure that ended the iteration, if any.
	Cause error
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("keyframe: final check ||umat^H ovlp - 1|| = %e exceeds %e", e.FinalErr, e.Tol)
	if e.Cause != nil {
		msg += " (" + e.Cause.Error() + ")"
	}
	return msg
}

func (e *ConsistencyError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrInconsistent}
	}
	return []error{ErrInconsistent, e.Cause}
}
