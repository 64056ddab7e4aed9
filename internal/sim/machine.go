// Package sim is a deterministic model of a multi-core ARM64 SoC for running
// the monitor without hardware: per-core system registers, shared RAM, an
// MMIO bus, and secure firmware that starts cores as goroutines.
package sim

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/partmon/internal/sysreg"
	"github.com/tinyrange/partmon/internal/trap"
)

// EntryFunc is code placed at a physical address. It runs on cpu with X0
// holding x0. When it returns after an ERET the machine continues at the
// entry registered for the new PC.
type EntryFunc func(cpu *CPU, x0 uint64) error

// Config describes the simulated SoC.
type Config struct {
	RAMBase uint64
	RAMSize uint64
	Cores   []CoreConfig

	// BootState is the register state boot firmware leaves on the boot
	// core before jumping to the monitor.
	BootState map[sysreg.Reg]uint64
}

// Machine is a simulated SoC.
type Machine struct {
	mem   *Memory
	bus   *Bus
	cores []*CPU
	cfg   []CoreConfig
	fw    *Firmware

	mu      sync.Mutex
	entries map[uint64]EntryFunc
	vectors map[uint64]trap.Handler
	errs    []error

	wg sync.WaitGroup
}

// New creates a machine with every core powered off.
func New(cfg Config) (*Machine, error) {
	if len(cfg.Cores) == 0 {
		return nil, fmt.Errorf("sim: at least one core is required")
	}
	mem, err := NewMemory(cfg.RAMBase, cfg.RAMSize)
	if err != nil {
		return nil, err
	}
	m := &Machine{
		mem:     mem,
		bus:     NewBus(mem),
		cfg:     cfg.Cores,
		entries: make(map[uint64]EntryFunc),
		vectors: make(map[uint64]trap.Handler),
	}
	m.fw = newFirmware(m)
	for i, cc := range cfg.Cores {
		cpu := NewCPU(i, cc)
		cpu.machine = m
		m.cores = append(m.cores, cpu)
	}
	for r, v := range cfg.BootState {
		m.cores[0].Preset(r, v)
	}
	return m, nil
}

func (m *Machine) ReadAt(p []byte, off int64) (int, error)  { return m.bus.ReadAt(p, off) }
func (m *Machine) WriteAt(p []byte, off int64) (int, error) { return m.bus.WriteAt(p, off) }

func (m *Machine) Close() error { return m.mem.Close() }

func (m *Machine) MemoryBase() uint64 { return m.mem.Base() }
func (m *Machine) MemorySize() uint64 { return m.mem.Size() }

// Memory returns the machine's RAM.
func (m *Machine) Memory() *Memory { return m.mem }

// Bus returns the physical address bus.
func (m *Machine) Bus() *Bus { return m.bus }

// AddDevice attaches an MMIO device model.
func (m *Machine) AddDevice(dev MMIODevice) error { return m.bus.AddDevice(dev) }

// Firmware returns the secure firmware model.
func (m *Machine) Firmware() *Firmware { return m.fw }

// NumCPUs returns the number of cores.
func (m *Machine) NumCPUs() int { return len(m.cores) }

// CPU returns core i.
func (m *Machine) CPU(i int) *CPU { return m.cores[i] }

func (m *Machine) cpuByAffinity(target uint64) (*CPU, bool) {
	for _, cpu := range m.cores {
		if m.cfg[cpu.id].MPIDR&affinityMask == target&affinityMask {
			return cpu, true
		}
	}
	return nil, false
}

// RegisterEntry places fn at physical address pa.
func (m *Machine) RegisterEntry(pa uint64, fn EntryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[pa] = fn
}

func (m *Machine) entry(pa uint64) (EntryFunc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.entries[pa]
	return fn, ok
}

// InstallVector places h at the exception vector base vbar. Traps taken
// while VBAR_EL2 holds vbar are delivered to h.
func (m *Machine) InstallVector(vbar uint64, h trap.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[vbar] = h
}

func (m *Machine) vector(vbar uint64) (trap.Handler, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.vectors[vbar]
	return h, ok
}

// Boot powers on core 0 at EL2 and runs fn on it, following ERETs into
// registered entries until the code returns without one.
func (m *Machine) Boot(fn EntryFunc) error {
	cpu := m.cores[0]
	cpu.powerOn(0)
	return m.run(cpu, fn, 0)
}

func (m *Machine) run(cpu *CPU, fn EntryFunc, x0 uint64) error {
	for {
		if err := fn(cpu, x0); err != nil {
			cpu.halt(err)
			return fmt.Errorf("sim: cpu%d: %w", cpu.id, err)
		}
		pc, next, ok := cpu.takeERET()
		if !ok {
			return nil
		}
		fn, ok = m.entry(pc)
		if !ok {
			err := fmt.Errorf("sim: cpu%d: no code at %#x", cpu.id, pc)
			cpu.halt(err)
			return err
		}
		x0 = next
	}
}

func (m *Machine) start(cpu *CPU, fn EntryFunc, x0 uint64) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.run(cpu, fn, x0); err != nil {
			m.mu.Lock()
			m.errs = append(m.errs, err)
			m.mu.Unlock()
		}
	}()
}

// Wait blocks until every started secondary core has returned and reports
// their errors.
func (m *Machine) Wait() error {
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Join(m.errs...)
}

func (c *CPU) powerOn(entry uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.on {
		return false
	}
	c.on = true
	if c.machine != nil && c.id != 0 {
		cfg := c.machine.cfg[c.id]
		c.reset(cfg)
	}
	c.pc = entry
	return true
}

func (c *CPU) powered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on
}

var (
	_ io.ReaderAt = (*Machine)(nil)
	_ io.WriterAt = (*Machine)(nil)
	_ io.Closer   = (*Machine)(nil)
)
