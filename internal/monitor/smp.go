package monitor

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/partmon/internal/alloc"
	"github.com/tinyrange/partmon/internal/psci"
	"github.com/tinyrange/partmon/internal/state"
	"github.com/tinyrange/partmon/internal/sysreg"
)

// BringUpRecord is handed to a starting secondary core in the first bytes of
// a page. The rest of the page is the core's exception stack.
//
// Records are never reclaimed. The pool is sized for one per core.
type BringUpRecord struct {
	// Stack is the top of the secondary's EL2 stack.
	Stack uint64
	// Entry and Arg are where the kernel asked the core to start.
	Entry uint64
	Arg   uint64
	State state.Captured
}

const bringUpHeaderSize = 3 * 8

// BringUpRecordSize is the encoded size of a BringUpRecord.
const BringUpRecordSize = bringUpHeaderSize + state.EncodedSize

// MarshalBinary encodes the record little-endian.
func (r BringUpRecord) MarshalBinary() ([]byte, error) {
	st, err := r.State.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, bringUpHeaderSize, BringUpRecordSize)
	binary.LittleEndian.PutUint64(buf[0:], r.Stack)
	binary.LittleEndian.PutUint64(buf[8:], r.Entry)
	binary.LittleEndian.PutUint64(buf[16:], r.Arg)
	return append(buf, st...), nil
}

// UnmarshalBinary decodes the form produced by MarshalBinary.
func (r *BringUpRecord) UnmarshalBinary(data []byte) error {
	if len(data) < BringUpRecordSize {
		return fmt.Errorf("monitor: bring-up record is %d bytes, want %d", len(data), BringUpRecordSize)
	}
	r.Stack = binary.LittleEndian.Uint64(data[0:])
	r.Entry = binary.LittleEndian.Uint64(data[8:])
	r.Arg = binary.LittleEndian.Uint64(data[16:])
	return r.State.UnmarshalBinary(data[bringUpHeaderSize:])
}

// BringUp starts the core with affinity target at the kernel entry point
// entry with X0 = arg. The new core inherits the calling core's EL2
// configuration.
//
// Only one CPU_ON is in flight at a time. bringUpLock is taken before the
// call and released by the new core once it has restored its configuration;
// BringUp waits for that. A secondary that never gets there leaves every
// later BringUp spinning.
func (m *Monitor) BringUp(acc sysreg.Accessor, target, entry, arg uint64) psci.Status {
	page, err := m.pool.Allocate(1)
	if err != nil {
		m.log.Error("bring-up record", "target", target, "err", err)
		return psci.InternalFailure
	}
	rec := BringUpRecord{
		Stack: page + alloc.PageSize,
		Entry: entry,
		Arg:   arg,
		State: state.Capture(acc),
	}
	buf, err := rec.MarshalBinary()
	if err == nil {
		_, err = m.mem.WriteAt(buf, int64(page))
	}
	if err != nil {
		m.log.Error("bring-up record", "target", target, "page", page, "err", err)
		return psci.InternalFailure
	}
	// The new core starts with its caches off.
	acc.CleanDataCache(page, uint64(len(buf)))
	acc.DSB()

	m.bringUpLock.Lock()
	res := m.fw.Call(psci.CPUOnArgs(target, m.cfg.SecondaryEntry, page))
	st := psci.StatusFromRegister(res[0])
	if st != psci.Success {
		m.bringUpLock.Unlock()
		m.log.Warn("CPU_ON failed", "target", target, "status", st.String())
		return st
	}
	m.bringUpLock.Rendezvous()

	m.log.Info("core started", "target", target, "entry", entry)
	return psci.Success
}

// SecondaryStart runs on a new core at the secondary entry point, at EL2
// with X0 = recordPA. It replays the EL2 configuration, releases the
// bring-up lock, and enters the kernel at EL1 with translation off.
func (m *Monitor) SecondaryStart(acc sysreg.Accessor, recordPA uint64) error {
	acc.Write(sysreg.DAIF, sysreg.PSRDAIF)

	buf := make([]byte, BringUpRecordSize)
	if _, err := m.mem.ReadAt(buf, int64(recordPA)); err != nil {
		return fmt.Errorf("monitor: read bring-up record at %#x: %w", recordPA, err)
	}
	var rec BringUpRecord
	if err := rec.UnmarshalBinary(buf); err != nil {
		return err
	}

	state.RestoreSubset(acc, rec.State)
	acc.Write(sysreg.TPIDR_EL2, rec.Stack)

	m.bringUpLock.Unlock()

	acc.Write(sysreg.SCTLR_EL1, sysreg.SCTLREL1RES1)
	acc.ISB()
	acc.Write(sysreg.ELR_EL2, rec.Entry)
	acc.Write(sysreg.SPSR_EL2, spsrKernelEntry)
	acc.ExceptionReturn(rec.Arg)
	return nil
}
