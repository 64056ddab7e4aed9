package guest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/partmon/internal/spinlock"
	"github.com/tinyrange/partmon/internal/sysreg"
)

var (
	ErrAlreadyPatched        = errors.New("guest: patch already applied")
	ErrNoPatchSite           = errors.New("guest: patch site not found")
	ErrUnexpectedInstruction = errors.New("guest: unexpected instruction at patch site")
)

// PatchConfig locates the instruction to patch.
type PatchConfig struct {
	// Offsets maps a kernel build to the patch site's offset from the
	// kernel base.
	Offsets map[uint32]uint64

	// Sequence and Mask describe the instructions around the patch site for
	// builds missing from Offsets: a word w matches position i when
	// w&Mask[i] == Sequence[i]&Mask[i]. SiteIndex is the position of the
	// branch to patch.
	Sequence  []uint32
	Mask      []uint32
	SiteIndex int
	// SearchSize bounds the fallback search from the kernel base.
	SearchSize uint64
}

// Patch describes an applied patch.
type Patch struct {
	Site     uint64 // guest virtual address
	Physical uint64
	Old, New uint32
	// Fallback is set when the site came from the sequence search.
	Fallback bool
}

// Patcher applies the patch at most once. Concurrent Apply calls from
// different cores are serialized; every call after the first success
// returns ErrAlreadyPatched with the applied patch.
type Patcher struct {
	cfg PatchConfig

	lock    spinlock.Lock
	applied bool
	patch   Patch
}

// NewPatcher returns a patcher for cfg.
func NewPatcher(cfg PatchConfig) (*Patcher, error) {
	if len(cfg.Sequence) != len(cfg.Mask) {
		return nil, fmt.Errorf("guest: patch sequence has %d words but mask has %d", len(cfg.Sequence), len(cfg.Mask))
	}
	if len(cfg.Sequence) > 0 && (cfg.SiteIndex < 0 || cfg.SiteIndex >= len(cfg.Sequence)) {
		return nil, fmt.Errorf("guest: patch site index %d outside sequence of %d words", cfg.SiteIndex, len(cfg.Sequence))
	}
	return &Patcher{cfg: cfg}, nil
}

// Applied reports whether the patch has been applied.
func (p *Patcher) Applied() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.applied
}

// Apply patches the identified guest. After the store the data cache line is
// cleaned and the instruction cache invalidated so every core fetches the new
// instruction.
func (p *Patcher) Apply(acc sysreg.Accessor, s *Space, id Identification) (Patch, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.applied {
		return p.patch, ErrAlreadyPatched
	}

	site, fallback, err := p.locate(s, id)
	if err != nil {
		return Patch{}, err
	}
	old, err := s.Read32(site)
	if err != nil {
		return Patch{}, fmt.Errorf("guest: read patch site %#x: %w", site, err)
	}
	if !IsConditionalBranch(old) {
		return Patch{}, fmt.Errorf("guest: %#x holds %#08x: %w", site, old, ErrUnexpectedInstruction)
	}
	insn, err := Unconditional(old)
	if err != nil {
		return Patch{}, err
	}
	pa, err := s.Translator.Translate(site)
	if err != nil {
		return Patch{}, err
	}

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], insn)
	if _, err := s.Memory.WriteAt(b[:], int64(pa)); err != nil {
		return Patch{}, fmt.Errorf("guest: write patch at pa %#x: %w", pa, err)
	}
	acc.CleanDataCache(pa, 4)
	acc.DSB()
	acc.InvalidateInstructionCache()
	acc.DSB()
	acc.ISB()

	p.applied = true
	p.patch = Patch{Site: site, Physical: pa, Old: old, New: insn, Fallback: fallback}
	return p.patch, nil
}

func (p *Patcher) locate(s *Space, id Identification) (uint64, bool, error) {
	if off, ok := p.cfg.Offsets[id.Build()]; ok {
		return id.KernBase + off, false, nil
	}
	if len(p.cfg.Sequence) == 0 || p.cfg.SearchSize == 0 {
		return 0, false, fmt.Errorf("guest: build %d: %w", id.Build(), ErrNoPatchSite)
	}

	seq, mask := p.cfg.Sequence, p.cfg.Mask
	match := Predicate{Size: 4 * len(seq), Fn: func(w []byte) bool {
		for i := range seq {
			word := binary.LittleEndian.Uint32(w[4*i:])
			if word&mask[i] != seq[i]&mask[i] {
				return false
			}
		}
		return true
	}}
	at, err := s.Search(id.KernBase, id.KernBase+p.cfg.SearchSize, match, 4, nil)
	if err != nil {
		return 0, false, fmt.Errorf("guest: build %d: %w: %w", id.Build(), ErrNoPatchSite, err)
	}
	return at + 4*uint64(p.cfg.SiteIndex), true, nil
}
