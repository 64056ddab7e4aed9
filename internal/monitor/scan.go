package monitor

import (
	"errors"

	"github.com/tinyrange/partmon/internal/guest"
	"github.com/tinyrange/partmon/internal/sysreg"
)

// guestReady reports whether the trapped core runs a kernel that has set up
// its own translation and vectors in the loader mapping.
func guestReady(acc sysreg.Accessor) bool {
	return acc.Read(sysreg.TTBR1_EL1) != 0 && guest.InLoaderMapping(acc.Read(sysreg.VBAR_EL1))
}

// maybeScan identifies and patches the guest the first time a core traps
// with the guest ready. It never waits: a core that finds another core
// scanning carries on with its trap.
func (m *Monitor) maybeScan(acc sysreg.Accessor) {
	if m.patcher == nil || !m.scanLock.TryLock() {
		return
	}
	defer m.scanLock.Unlock()
	if m.scanned || !guestReady(acc) {
		return
	}
	m.scanned = true

	space := &guest.Space{Translator: guest.ATTranslator{Acc: acc}, Memory: m.mem}
	id, err := guest.Identify(space, m.guestOpts.Scan, nil)
	if err != nil {
		m.log.Warn("guest not identified", "err", err)
		return
	}
	m.identity = &id
	m.log.Info("guest identified",
		"build", int(id.Build()),
		"kernbase", id.KernBase,
		"kdbg", id.DebuggerData,
		"major", id.Record.MajorVersion)

	p, err := m.patcher.Apply(acc, space, id)
	switch {
	case errors.Is(err, guest.ErrAlreadyPatched):
		m.log.Debug("guest already patched", "site", p.Site)
	case err != nil:
		m.log.Error("guest patch", "build", int(id.Build()), "err", err)
	default:
		m.log.Info("guest patched",
			"site", p.Site,
			"old", uint64(p.Old),
			"new", uint64(p.New),
			"fallback", p.Fallback)
	}
}

// Patched reports whether the guest patch has been applied.
func (m *Monitor) Patched() bool {
	return m.patcher != nil && m.patcher.Applied()
}
