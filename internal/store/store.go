// Package store persists keyframes and factorization runs in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/keyframe/internal/keyframe"
	"github.com/banshee-data/keyframe/internal/linalg"
)

// ErrNotFound is returned when a keyframe ID is not in the store.
var ErrNotFound = errors.New("store: not found")

// Store is a sqlite database of keyframes.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	s, err := OpenNoMigrate(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenNoMigrate opens the database at path with its schema as found, for
// callers that manage migrations themselves.
func OpenNoMigrate(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps in-memory databases and foreign keys consistent.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveSnapshot stores kf under its ID with a free-form label.
func (s *Store) SaveSnapshot(ctx context.Context, label string, kf *keyframe.Snapshot) error {
	p := kf.Partition()
	ncas, err := json.Marshal(p.NcasSub())
	if err != nil {
		return err
	}
	mo := kf.MOCoeff()
	rows, cols := mo.Dims()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO keyframes (id, label, field, ncore, ncas_sub, rows, cols, mo_coeff)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		kf.ID.String(), label, kf.Field().String(), p.Ncore(), string(ncas), rows, cols, encodeFloats(mo.RawMatrix().Data))
	if err != nil {
		return fmt.Errorf("failed to insert keyframe: %w", err)
	}
	for frag, roots := range kf.CI() {
		for root, v := range roots {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO keyframe_ci (keyframe_id, fragment, root, data) VALUES (?, ?, ?, ?)`,
				kf.ID.String(), frag, root, encodeFloats(mat.Col(nil, 0, v)))
			if err != nil {
				return fmt.Errorf("failed to insert CI vector %d/%d: %w", frag, root, err)
			}
		}
	}
	return tx.Commit()
}

// LoadSnapshot rebuilds keyframe id on host. The stored layout must match
// host.Partition().
func (s *Store) LoadSnapshot(ctx context.Context, id uuid.UUID, host keyframe.Host) (*keyframe.Snapshot, error) {
	var (
		field, ncasJSON string
		ncore, r, c     int
		blob            []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT field, ncore, ncas_sub, rows, cols, mo_coeff FROM keyframes WHERE id = ?`, id.String(),
	).Scan(&field, &ncore, &ncasJSON, &r, &c, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: keyframe %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var ncasSub []int
	if err := json.Unmarshal([]byte(ncasJSON), &ncasSub); err != nil {
		return nil, fmt.Errorf("corrupt ncas_sub for keyframe %s: %w", id, err)
	}
	width := 1
	if field == linalg.Complex.String() {
		width = 2
	}
	stored, err := keyframe.NewPartition(ncore, ncasSub, c/width)
	if err != nil {
		return nil, err
	}
	if !stored.Equal(host.Partition()) {
		return nil, fmt.Errorf("%w: stored %v, host %v", keyframe.ErrPartitionMismatch, stored, host.Partition())
	}
	data, err := decodeFloats(blob)
	if err != nil {
		return nil, err
	}
	if len(data) != r*c {
		return nil, fmt.Errorf("corrupt mo_coeff for keyframe %s: %d values for %d×%d", id, len(data), r, c)
	}

	ci, err := s.loadCI(ctx, id, host)
	if err != nil {
		return nil, err
	}

	mo := mat.NewDense(r, c, data)
	var kf *keyframe.Snapshot
	if width == 2 {
		kf, err = keyframe.NewComplexSnapshot(host, linalg.Complexify(mo), ci)
	} else {
		kf, err = keyframe.NewSnapshot(host, mo, ci)
	}
	if err != nil {
		return nil, err
	}
	kf.ID = id
	return kf, nil
}

func (s *Store) loadCI(ctx context.Context, id uuid.UUID, host keyframe.Host) ([][]*mat.VecDense, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fragment, root, data FROM keyframe_ci WHERE keyframe_id = ? ORDER BY fragment, root`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ci := make([][]*mat.VecDense, host.NumFragments())
	for rows.Next() {
		var (
			frag, root int
			blob       []byte
		)
		if err := rows.Scan(&frag, &root, &blob); err != nil {
			return nil, err
		}
		if frag < 0 || frag >= len(ci) || root != len(ci[frag]) {
			return nil, fmt.Errorf("corrupt CI table for keyframe %s at %d/%d", id, frag, root)
		}
		data, err := decodeFloats(blob)
		if err != nil {
			return nil, err
		}
		ci[frag] = append(ci[frag], mat.NewVecDense(len(data), data))
	}
	return ci, rows.Err()
}

// Run is the stored summary of one factorization.
type Run struct {
	ID           uuid.UUID
	KF1, KF2     uuid.UUID
	Iterations   int
	DiagErr      float64
	FinalErr     float64
	Converged    bool
	SkewWarnings int
	CreatedAt    time.Time
}

// RecordFactorization stores the summary of f, computed from kf1 to kf2,
// and returns the new run ID.
func (s *Store) RecordFactorization(ctx context.Context, kf1, kf2 uuid.UUID, f *keyframe.Factorization) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO factorizations (id, kf1_id, kf2_id, iterations, diag_err, final_err, converged, skew_warnings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), kf1.String(), kf2.String(), f.Iterations, f.DiagErr, f.FinalErr, f.Converged, len(f.SkewWarnings))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to record factorization: %w", err)
	}
	return id, nil
}

// Factorizations lists the runs involving keyframe id, oldest first.
func (s *Store) Factorizations(ctx context.Context, id uuid.UUID) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kf1_id, kf2_id, iterations, diag_err, final_err, converged, skew_warnings, created_at
		FROM factorizations
		WHERE kf1_id = ? OR kf2_id = ?
		ORDER BY created_at, rowid`, id.String(), id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                    Run
			rid, k1, k2, created string
		)
		if err := rows.Scan(&rid, &k1, &k2, &r.Iterations, &r.DiagErr, &r.FinalErr, &r.Converged, &r.SkewWarnings, &created); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTimestamp(created); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(rid); err != nil {
			return nil, err
		}
		if r.KF1, err = uuid.Parse(k1); err != nil {
			return nil, err
		}
		if r.KF2, err = uuid.Parse(k2); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// parseTimestamp accepts both CURRENT_TIMESTAMP text and the RFC 3339
// form the driver produces for TIMESTAMP columns.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func encodeFloats(v []float64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(x))
	}
	return b
}

func decodeFloats(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("float blob length %d is not a multiple of 8", len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out, nil
}
