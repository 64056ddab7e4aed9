package sim

import (
	"fmt"
	"sync"

	"github.com/tinyrange/partmon/internal/sysreg"
)

// OpKind classifies an entry in a CPU's operation log.
type OpKind uint8

const (
	OpWrite OpKind = iota + 1
	OpISB
	OpDSB
	OpTLBI
	OpCleanDataCache
	OpInvalidateICache
	OpAT
	OpERET
	OpBRK
)

func (k OpKind) String() string {
	switch k {
	case OpWrite:
		return "MSR"
	case OpISB:
		return "ISB"
	case OpDSB:
		return "DSB"
	case OpTLBI:
		return "TLBI"
	case OpCleanDataCache:
		return "DC CIVAC"
	case OpInvalidateICache:
		return "IC IALLUIS"
	case OpAT:
		return "AT"
	case OpERET:
		return "ERET"
	case OpBRK:
		return "BRK"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is one privileged operation performed by monitor code. Register reads
// are not logged.
type Op struct {
	Kind  OpKind
	Reg   sysreg.Reg
	Value uint64
	TLB   sysreg.TLBOp
	AT    sysreg.ATOp
	Addr  uint64
	Size  uint64
}

func (o Op) String() string {
	switch o.Kind {
	case OpWrite:
		return fmt.Sprintf("MSR %s, %#x", o.Reg, o.Value)
	case OpTLBI:
		return o.TLB.String()
	case OpCleanDataCache:
		return fmt.Sprintf("DC CIVAC [%#x, +%#x)", o.Addr, o.Size)
	case OpAT:
		return fmt.Sprintf("%s %#x", o.AT, o.Addr)
	case OpERET:
		return fmt.Sprintf("ERET to %#x", o.Addr)
	default:
		return o.Kind.String()
	}
}

// Translator models the guest's stage-1 translation regime for AT
// instructions.
type Translator interface {
	Translate(va uint64) (pa uint64, ok bool)
}

// CoreConfig is the fixed identity of one simulated core.
type CoreConfig struct {
	MIDR  uint64
	MPIDR uint64
}

// CPU is one simulated core. It implements sysreg.Accessor; invalid accesses
// (MSR to a read-only register, MRS of a write-only one) panic, as they would
// be undefined instructions on hardware.
type CPU struct {
	id      int
	machine *Machine

	mu    sync.Mutex
	regs  map[sysreg.Reg]uint64
	el    int
	pc    uint64
	x0    uint64
	eret  bool
	on    bool
	ops   []Op
	brks  int
	mmu   Translator
	fault error
}

// NewCPU returns a powered-off core at EL2 with its identity registers set.
func NewCPU(id int, cfg CoreConfig) *CPU {
	c := &CPU{id: id}
	c.reset(cfg)
	return c
}

func (c *CPU) reset(cfg CoreConfig) {
	c.regs = map[sysreg.Reg]uint64{
		sysreg.MIDR_EL1:  cfg.MIDR,
		sysreg.MPIDR_EL1: cfg.MPIDR,
		sysreg.DAIF:      sysreg.PSRDAIF,
	}
	c.el = 2
	c.pc = 0
	c.x0 = 0
	c.eret = false
	c.fault = nil
}

// ID returns the core's index in its machine.
func (c *CPU) ID() int { return c.id }

func (c *CPU) Read(r sysreg.Reg) uint64 {
	if !r.Access().CanRead() {
		panic(fmt.Sprintf("sim: cpu%d: MRS of write-only %s", c.id, r))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r == sysreg.CurrentEL {
		return uint64(c.el) << 2
	}
	return c.regs[r]
}

func (c *CPU) Write(r sysreg.Reg, v uint64) {
	if !r.Valid() || !r.Access().CanWrite() {
		panic(fmt.Sprintf("sim: cpu%d: MSR to read-only %s", c.id, r))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r == sysreg.DAIF {
		v &= sysreg.PSRDAIF
	}
	c.regs[r] = v
	c.ops = append(c.ops, Op{Kind: OpWrite, Reg: r, Value: v})
}

// Preset sets a register without access checks or logging. It models state
// left by reset or by boot firmware.
func (c *CPU) Preset(r sysreg.Reg, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[r] = v
}

func (c *CPU) log(op Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
}

func (c *CPU) ISB() { c.log(Op{Kind: OpISB}) }

func (c *CPU) DSB() { c.log(Op{Kind: OpDSB}) }

func (c *CPU) InvalidateTLB(op sysreg.TLBOp) { c.log(Op{Kind: OpTLBI, TLB: op}) }

func (c *CPU) CleanDataCache(addr, size uint64) {
	c.log(Op{Kind: OpCleanDataCache, Addr: addr, Size: size})
}

func (c *CPU) InvalidateInstructionCache() { c.log(Op{Kind: OpInvalidateICache}) }

// AddressTranslate resolves va through the guest translator and leaves the
// result in PAR_EL1. Without a translator every translation faults.
func (c *CPU) AddressTranslate(op sysreg.ATOp, va uint64) {
	c.mu.Lock()
	mmu := c.mmu
	c.mu.Unlock()

	par := uint64(sysreg.PARF)
	if mmu != nil {
		if pa, ok := mmu.Translate(va); ok {
			par = pa & sysreg.PARPAMask
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[sysreg.PAR_EL1] = par
	c.ops = append(c.ops, Op{Kind: OpAT, AT: op, Addr: va})
}

// ExceptionReturn switches to the level selected by SPSR_EL2 and resumes at
// ELR_EL2. The machine's run loop picks up execution there.
func (c *CPU) ExceptionReturn(x0 uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	spsr := c.regs[sysreg.SPSR_EL2]
	c.el = int(spsr&sysreg.PSRModeMask) >> 2
	c.pc = c.regs[sysreg.ELR_EL2]
	c.regs[sysreg.DAIF] = spsr & sysreg.PSRDAIF
	c.x0 = x0
	c.eret = true
	c.ops = append(c.ops, Op{Kind: OpERET, Addr: c.pc, Value: x0})
}

func (c *CPU) Breakpoint() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.brks++
	c.ops = append(c.ops, Op{Kind: OpBRK})
}

// ExceptionLevel returns the level the core is executing at.
func (c *CPU) ExceptionLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.el
}

// PC returns the address of the next instruction.
func (c *CPU) PC() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

// SetPC moves the core to pc without a trap.
func (c *CPU) SetPC(pc uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pc = pc
}

// Breakpoints returns how many BRK instructions the core executed.
func (c *CPU) Breakpoints() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.brks
}

// Ops returns a copy of the operation log.
func (c *CPU) Ops() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Op(nil), c.ops...)
}

// ResetOps clears the operation log.
func (c *CPU) ResetOps() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = nil
}

// SetTranslator installs the guest translation regime used by AT.
func (c *CPU) SetTranslator(t Translator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mmu = t
}

// Halted returns the error that stopped the core, or nil.
func (c *CPU) Halted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

func (c *CPU) takeERET() (pc, x0 uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.eret {
		return 0, 0, false
	}
	c.eret = false
	return c.pc, c.x0, true
}

var _ sysreg.Accessor = (*CPU)(nil)
