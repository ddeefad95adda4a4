package keyframe

import (
	"fmt"
	"slices"
)

// Kind classifies an orbital block.
type Kind int

const (
	Inactive Kind = iota
	Active
	Virtual
)

func (k Kind) String() string {
	switch k {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Virtual:
		return "virtual"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Block is a contiguous range [Start, Start+Size) of orbital indices.
// Fragment is the fragment index for Active blocks and -1 otherwise.
type Block struct {
	Kind     Kind
	Label    string
	Fragment int
	Start    int
	Size     int
}

// End returns the index one past the last orbital of the block.
func (b Block) End() int { return b.Start + b.Size }

// Partition is the ordered block layout: inactive, each fragment's active
// block in fragment order, then virtual.
type Partition struct {
	blocks []Block
}

// NewPartition lays out ncore inactive orbitals, the fragment active
// spaces ncasSub, and the remaining nmo-ncore-Σncas virtual orbitals.
func NewPartition(ncore int, ncasSub []int, nmo int) (Partition, error) {
	if ncore < 0 {
		return Partition{}, fmt.Errorf("%w: negative inactive size %d", ErrShape, ncore)
	}
	blocks := make([]Block, 0, len(ncasSub)+2)
	blocks = append(blocks, Block{Kind: Inactive, Label: "Inactive", Fragment: -1, Size: ncore})
	off := ncore
	for i, n := range ncasSub {
		if n < 0 {
			return Partition{}, fmt.Errorf("%w: negative active size %d for fragment %d", ErrShape, n, i)
		}
		blocks = append(blocks, Block{Kind: Active, Label: fmt.Sprintf("Active %d", i), Fragment: i, Start: off, Size: n})
		off += n
	}
	if off > nmo {
		return Partition{}, fmt.Errorf("%w: %d occupied orbitals exceed nmo=%d", ErrShape, off, nmo)
	}
	if nmo < 1 {
		return Partition{}, fmt.Errorf("%w: nmo must be positive, got %d", ErrShape, nmo)
	}
	blocks = append(blocks, Block{Kind: Virtual, Label: "Virtual", Fragment: -1, Start: off, Size: nmo - off})
	return Partition{blocks: blocks}, nil
}

// Norb is the total number of orbitals.
func (p Partition) Norb() int {
	if len(p.blocks) == 0 {
		return 0
	}
	return p.blocks[len(p.blocks)-1].End()
}

// Len is the number of blocks, including empty ones.
func (p Partition) Len() int { return len(p.blocks) }

// Block returns block i in partition order.
func (p Partition) Block(i int) Block { return p.blocks[i] }

// Blocks returns a copy of the block list.
func (p Partition) Blocks() []Block { return slices.Clone(p.blocks) }

// NumFragments is the number of active blocks.
func (p Partition) NumFragments() int { return max(len(p.blocks)-2, 0) }

// Fragment returns the active block of fragment i.
func (p Partition) Fragment(i int) Block { return p.blocks[i+1] }

// Ncore is the size of the inactive block.
func (p Partition) Ncore() int { return p.blocks[0].Size }

// Ncas is the total active size.
func (p Partition) Ncas() int {
	var n int
	for i := 0; i < p.NumFragments(); i++ {
		n += p.Fragment(i).Size
	}
	return n
}

// NcasSub returns the active size of each fragment.
func (p Partition) NcasSub() []int {
	out := make([]int, p.NumFragments())
	for i := range out {
		out[i] = p.Fragment(i).Size
	}
	return out
}

// Sizes returns the block sizes in order.
func (p Partition) Sizes() []int {
	out := make([]int, len(p.blocks))
	for i, b := range p.blocks {
		out[i] = b.Size
	}
	return out
}

// Offsets returns the block boundaries: 0, then the end of every block.
func (p Partition) Offsets() []int {
	out := make([]int, 1, len(p.blocks)+1)
	for _, b := range p.blocks {
		out = append(out, b.End())
	}
	return out
}

// Equal reports whether p and q have the same block sizes in the same order.
func (p Partition) Equal(q Partition) bool {
	return slices.Equal(p.Sizes(), q.Sizes())
}

// Scaled multiplies every start and size by k. Scaled(2) maps a complex
// partition onto its realified working matrices.
func (p Partition) Scaled(k int) Partition {
	blocks := slices.Clone(p.blocks)
	for i := range blocks {
		blocks[i].Start *= k
		blocks[i].Size *= k
	}
	return Partition{blocks: blocks}
}

func (p Partition) String() string {
	return fmt.Sprintf("Partition%v", p.Sizes())
}
