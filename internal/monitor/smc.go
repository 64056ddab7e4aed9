package monitor

import (
	"github.com/tinyrange/partmon/internal/psci"
	"github.com/tinyrange/partmon/internal/sysreg"
	"github.com/tinyrange/partmon/internal/trap"
)

// handleSMC services a trapped SMC. Power management calls with immediate
// zero are intercepted; everything else goes to secure firmware unchanged.
func (m *Monitor) handleSMC(acc sysreg.Accessor, imm uint16, f *trap.Frame) error {
	var args psci.Args
	copy(args[:], f.X[:len(args)])

	if imm == 0 {
		switch psci.FunctionID(args[0]) {
		case psci.CPUOff:
			// The monitor cannot give up a core it manages.
			m.log.Warn("denied CPU_OFF", "mpidr", acc.Read(sysreg.MPIDR_EL1))
			f.X[0] = psci.Denied.Register()
			return nil
		case psci.CPUOn64:
			st := m.BringUp(acc, args[1], args[2], args[3])
			f.X[0] = st.Register()
			return nil
		}
	}

	res := m.fw.Call(args)
	copy(f.X[:len(res)], res[:])
	return nil
}
