// Package monitor is the resident EL2 partitioning monitor: it takes over
// the boot core from firmware, demotes it to EL1, and afterwards handles the
// traps the guest kernel takes into EL2.
//
// All state that would otherwise be global (the page pool, the locks, the
// captured configuration) lives in a Monitor built once by New and passed to
// every entry point.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/partmon/internal/alloc"
	"github.com/tinyrange/partmon/internal/console"
	"github.com/tinyrange/partmon/internal/guest"
	"github.com/tinyrange/partmon/internal/pagetable"
	"github.com/tinyrange/partmon/internal/platform"
	"github.com/tinyrange/partmon/internal/psci"
	"github.com/tinyrange/partmon/internal/spinlock"
	"github.com/tinyrange/partmon/internal/state"
	"github.com/tinyrange/partmon/internal/trace"
	"github.com/tinyrange/partmon/internal/trap"
)

var (
	ErrPhase             = errors.New("monitor: operation out of order")
	ErrNotEL2            = errors.New("monitor: not running at EL2")
	ErrUnknownRegister   = errors.New("monitor: unrecognised system register")
	ErrSystemInstruction = errors.New("monitor: trapped system instruction")
)

// GuestOptions enables guest identification and patching.
type GuestOptions struct {
	Scan  guest.ScanConfig
	Patch guest.PatchConfig
}

// Config is everything the monitor needs from the platform.
type Config struct {
	Layout   *platform.Layout
	Memory   guest.PhysicalMemory
	Firmware psci.Firmware
	Console  *console.Console
	// Logger defaults to a console.Handler on Console.
	Logger *slog.Logger

	// PoolBase and PoolPages describe the static page pool.
	PoolBase  uint64
	PoolPages int
	// StackPages is the size of the boot core's exception stack.
	StackPages int

	// VectorBase is the address of the EL2 vector table.
	VectorBase uint64
	// SecondaryEntry is the address of the secondary startup routine given
	// to CPU_ON.
	SecondaryEntry uint64

	// Guest is nil to disable scanning.
	Guest *GuestOptions

	// Trace, when set, records every trap and its outcome.
	Trace *trace.Log
}

// Monitor is the monitor context.
type Monitor struct {
	cfg    Config
	log    *slog.Logger
	con    *console.Console
	layout *platform.Layout
	mem    guest.PhysicalMemory
	fw     psci.Firmware
	trace  *trace.Log

	poolLock spinlock.Lock
	pool     *alloc.Allocator

	// bringUpLock is held from CPU_ON until the new core has restored its
	// configuration. Only one bring-up is in flight at a time.
	bringUpLock spinlock.Lock

	// Boot core state, written only by Initialize and SwitchToLowerLevel.
	phase    Phase
	captured state.Captured
	table    *pagetable.Table
	stackTop uint64

	scanLock  spinlock.Lock
	scanned   bool
	identity  *guest.Identification
	patcher   *guest.Patcher
	guestOpts *GuestOptions
}

// New validates cfg and returns a monitor in PhaseReset.
func New(cfg Config) (*Monitor, error) {
	if cfg.Layout == nil || cfg.Memory == nil || cfg.Firmware == nil {
		return nil, fmt.Errorf("monitor: layout, memory and firmware are required")
	}
	if cfg.Console == nil {
		cfg.Console = console.New(nil, nil, false)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(console.NewHandler(cfg.Console, nil))
	}
	if cfg.StackPages <= 0 {
		cfg.StackPages = 1
	}
	if cfg.VectorBase%trap.VectorTableSize != 0 {
		return nil, fmt.Errorf("monitor: vector base %#x is not %#x aligned", cfg.VectorBase, trap.VectorTableSize)
	}
	image := cfg.Layout.Image()
	if image.Size == 0 {
		return nil, fmt.Errorf("monitor: layout has no monitor image")
	}

	m := &Monitor{
		cfg:    cfg,
		log:    cfg.Logger,
		con:    cfg.Console,
		layout: cfg.Layout,
		mem:    cfg.Memory,
		fw:     cfg.Firmware,
		trace:  cfg.Trace,
	}
	pool, err := alloc.New(cfg.PoolBase, cfg.PoolPages,
		alloc.WithLocker(&m.poolLock),
		alloc.WithImage(image.Base, image.End()))
	if err != nil {
		return nil, fmt.Errorf("monitor: page pool: %w", err)
	}
	m.pool = pool

	if cfg.Guest != nil {
		p, err := guest.NewPatcher(cfg.Guest.Patch)
		if err != nil {
			return nil, fmt.Errorf("monitor: %w", err)
		}
		m.patcher = p
		m.guestOpts = cfg.Guest
	}
	return m, nil
}

// Phase returns the boot core's position in the level-switch sequence.
func (m *Monitor) Phase() Phase { return m.phase }

// Captured returns the configuration captured from firmware.
func (m *Monitor) Captured() state.Captured { return m.captured }

// Table returns the monitor's translation table, or nil before
// PhaseTablesBuilt.
func (m *Monitor) Table() *pagetable.Table { return m.table }

// Pool returns the page pool.
func (m *Monitor) Pool() *alloc.Allocator { return m.pool }

// VectorBase returns the address the EL2 vector table is installed at.
func (m *Monitor) VectorBase() uint64 { return m.cfg.VectorBase }

// SecondaryEntry returns the address secondaries are started at.
func (m *Monitor) SecondaryEntry() uint64 { return m.cfg.SecondaryEntry }

// Identification returns the identified guest, if any.
func (m *Monitor) Identification() (guest.Identification, bool) {
	m.scanLock.Lock()
	defer m.scanLock.Unlock()
	if m.identity == nil {
		return guest.Identification{}, false
	}
	return *m.identity, true
}
