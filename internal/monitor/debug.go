package monitor

import (
	"fmt"

	"github.com/tinyrange/partmon/internal/esr"
	"github.com/tinyrange/partmon/internal/sysreg"
	"github.com/tinyrange/partmon/internal/trap"
)

// handleSysReg performs a trapped debug register access on the guest's
// behalf. Only the op0=2 debug registers are passed through.
func (m *Monitor) handleSysReg(acc sysreg.Accessor, a esr.SysRegAccess, f *trap.Frame) error {
	if !a.IsRegisterAccess() {
		return fmt.Errorf("monitor: %s: %w", a, ErrSystemInstruction)
	}
	r, ok := sysreg.Lookup(a.Encoding, a.Read)
	switch {
	case !r.IsDebug():
		return fmt.Errorf("monitor: %s: %w", a, ErrUnknownRegister)
	case !ok && a.Read:
		return fmt.Errorf("monitor: read of write-only %s: %w", r, ErrUnknownRegister)
	case !ok:
		return fmt.Errorf("monitor: write of read-only %s: %w", r, ErrUnknownRegister)
	}

	if a.Read {
		f.SetReg(a.Rt, acc.Read(r))
	} else {
		acc.Write(r, f.Reg(a.Rt))
	}
	return nil
}
