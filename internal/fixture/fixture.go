// Package fixture reads and writes keyframes as JSON files and provides
// the file-backed keyframe.Host used by the command line tool.
package fixture

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/keyframe/internal/keyframe"
	"github.com/banshee-data/keyframe/internal/linalg"
)

// ErrCITransform is returned when a CI vector is not a one-electron
// amplitude vector of the fragment's active space.
var ErrCITransform = errors.New("fixture: CI vector cannot be transformed")

const maxFileSize = 64 * 1024 * 1024

// File is the JSON form of one keyframe. Matrices are row-major. Complex
// orbitals carry mo_coeff_imag; complex CI vectors interleave real and
// imaginary parts.
type File struct {
	Ncore       int           `json:"ncore"`
	NcasSub     []int         `json:"ncas_sub"`
	Nroots      []int         `json:"nroots,omitempty"`
	Metric      [][]float64   `json:"metric"`
	MOCoeff     [][]float64   `json:"mo_coeff"`
	MOCoeffImag [][]float64   `json:"mo_coeff_imag,omitempty"`
	CI          [][][]float64 `json:"ci"`
}

// Load reads and validates a keyframe file.
func Load(path string) (*File, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("keyframe file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat keyframe file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("keyframe file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyframe file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse keyframe JSON: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid keyframe file %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks matrix shapes and the metric's symmetry.
func (f *File) Validate() error {
	nao := len(f.Metric)
	if nao == 0 {
		return errors.New("metric is empty")
	}
	for i, row := range f.Metric {
		if len(row) != nao {
			return fmt.Errorf("metric row %d has %d entries, want %d", i, len(row), nao)
		}
		for j := 0; j < i; j++ {
			if math.Abs(row[j]-f.Metric[j][i]) > 1e-12*(1+math.Abs(row[j])) {
				return fmt.Errorf("metric is not symmetric at (%d,%d)", i, j)
			}
		}
	}
	if len(f.MOCoeff) != nao {
		return fmt.Errorf("mo_coeff has %d rows, metric has %d", len(f.MOCoeff), nao)
	}
	nmo := 0
	if nao > 0 {
		nmo = len(f.MOCoeff[0])
	}
	for i, row := range f.MOCoeff {
		if len(row) != nmo {
			return fmt.Errorf("mo_coeff row %d has %d entries, want %d", i, len(row), nmo)
		}
	}
	if f.MOCoeffImag != nil {
		if len(f.MOCoeffImag) != nao {
			return fmt.Errorf("mo_coeff_imag has %d rows, want %d", len(f.MOCoeffImag), nao)
		}
		for i, row := range f.MOCoeffImag {
			if len(row) != nmo {
				return fmt.Errorf("mo_coeff_imag row %d has %d entries, want %d", i, len(row), nmo)
			}
		}
	}
	if _, err := keyframe.NewPartition(f.Ncore, f.NcasSub, nmo); err != nil {
		return err
	}
	if len(f.CI) != len(f.NcasSub) {
		return fmt.Errorf("ci has %d fragments, ncas_sub has %d", len(f.CI), len(f.NcasSub))
	}
	if f.Nroots != nil {
		if len(f.Nroots) != len(f.NcasSub) {
			return fmt.Errorf("nroots has %d fragments, ncas_sub has %d", len(f.Nroots), len(f.NcasSub))
		}
		for i, n := range f.Nroots {
			if len(f.CI[i]) != n {
				return fmt.Errorf("fragment %d has %d CI roots, nroots says %d", i, len(f.CI[i]), n)
			}
		}
	}
	return nil
}

// IsComplex reports whether the orbitals have an imaginary part.
func (f *File) IsComplex() bool { return f.MOCoeffImag != nil }

// Host returns the collaborator described by the file.
func (f *File) Host() (*Host, error) {
	nmo := len(f.MOCoeff[0])
	p, err := keyframe.NewPartition(f.Ncore, f.NcasSub, nmo)
	if err != nil {
		return nil, err
	}
	nao := len(f.Metric)
	s := mat.NewSymDense(nao, nil)
	for i := 0; i < nao; i++ {
		for j := i; j < nao; j++ {
			s.SetSym(i, j, f.Metric[i][j])
		}
	}
	roots := f.Nroots
	if roots == nil {
		roots = make([]int, len(f.CI))
		for i, r := range f.CI {
			roots[i] = len(r)
		}
	}
	return &Host{metric: s, part: p, roots: roots}, nil
}

// Snapshot builds the keyframe stored in the file on its own Host.
func (f *File) Snapshot() (*keyframe.Snapshot, error) {
	h, err := f.Host()
	if err != nil {
		return nil, err
	}
	return f.SnapshotOn(h)
}

// SnapshotOn builds the keyframe on an existing host, so that two files
// sharing a layout can be compared.
func (f *File) SnapshotOn(h keyframe.Host) (*keyframe.Snapshot, error) {
	ci := make([][]*mat.VecDense, len(f.CI))
	for i, roots := range f.CI {
		for _, v := range roots {
			ci[i] = append(ci[i], mat.NewVecDense(len(v), append([]float64(nil), v...)))
		}
	}
	nao, nmo := len(f.MOCoeff), len(f.MOCoeff[0])
	if !f.IsComplex() {
		mo := mat.NewDense(nao, nmo, nil)
		for i, row := range f.MOCoeff {
			mo.SetRow(i, row)
		}
		return keyframe.NewSnapshot(h, mo, ci)
	}
	mo := mat.NewCDense(nao, nmo, nil)
	for i := 0; i < nao; i++ {
		for j := 0; j < nmo; j++ {
			mo.Set(i, j, complex(f.MOCoeff[i][j], f.MOCoeffImag[i][j]))
		}
	}
	return keyframe.NewComplexSnapshot(h, mo, ci)
}

// FromSnapshot converts a keyframe back to its file form.
func FromSnapshot(s *keyframe.Snapshot) *File {
	p := s.Partition()
	metric := s.Host().OverlapMetric()
	nao, _ := metric.Dims()
	f := &File{
		Ncore:   p.Ncore(),
		NcasSub: p.NcasSub(),
		Metric:  rows(metric, nao, nao),
	}
	if s.Field() == linalg.Complex {
		c := s.ComplexMOCoeff()
		r, k := c.Dims()
		f.MOCoeff = make([][]float64, r)
		f.MOCoeffImag = make([][]float64, r)
		for i := 0; i < r; i++ {
			f.MOCoeff[i] = make([]float64, k)
			f.MOCoeffImag[i] = make([]float64, k)
			for j := 0; j < k; j++ {
				f.MOCoeff[i][j] = real(c.At(i, j))
				f.MOCoeffImag[i][j] = imag(c.At(i, j))
			}
		}
	} else {
		mo := s.MOCoeff()
		r, k := mo.Dims()
		f.MOCoeff = rows(mo, r, k)
	}
	for _, roots := range s.CI() {
		var fr [][]float64
		for _, v := range roots {
			fr = append(fr, mat.Col(nil, 0, v))
		}
		f.CI = append(f.CI, fr)
		f.Nroots = append(f.Nroots, len(roots))
	}
	return f
}

// Save writes the keyframe s to path as indented JSON.
func Save(path string, s *keyframe.Snapshot) error {
	data, err := json.MarshalIndent(FromSnapshot(s), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode keyframe: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write keyframe file: %w", err)
	}
	return nil
}

func rows(m mat.Matrix, r, c int) [][]float64 {
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
		for j := range out[i] {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}

// Host is a keyframe.Host backed by the contents of a File.
type Host struct {
	metric *mat.SymDense
	part   keyframe.Partition
	roots  []int
}

// NewHost builds a Host from its parts.
func NewHost(metric *mat.SymDense, part keyframe.Partition, roots []int) *Host {
	return &Host{metric: metric, part: part, roots: roots}
}

func (h *Host) OverlapMetric() mat.Symmetric  { return h.metric }
func (h *Host) Partition() keyframe.Partition { return h.part }
func (h *Host) NumFragments() int             { return h.part.NumFragments() }
func (h *Host) NumRoots(frag int) int         { return h.roots[frag] }

// TransformCI treats each vector as one-electron amplitudes c over the
// fragment's active orbitals and returns umatᵀ·c. Any other length is
// rejected with ErrCITransform.
func (h *Host) TransformCI(frag int, ci []*mat.VecDense, umat mat.Matrix) ([]*mat.VecDense, error) {
	r, _ := umat.Dims()
	out := make([]*mat.VecDense, len(ci))
	for i, c := range ci {
		if c.Len() != r {
			return nil, fmt.Errorf("%w: fragment %d root %d has length %d, active rotation is %d", ErrCITransform, frag, i, c.Len(), r)
		}
		var v mat.VecDense
		v.MulVec(umat.T(), c)
		out[i] = &v
	}
	return out, nil
}
