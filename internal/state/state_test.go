package state

import (
	"testing"

	"github.com/tinyrange/partmon/internal/sim"
	"github.com/tinyrange/partmon/internal/sysreg"
)

func bootCore() *sim.CPU {
	cpu := sim.NewCPU(0, sim.CoreConfig{MIDR: 0x410FD034, MPIDR: 0x8000_0000})
	for i, r := range capturedRegs[:len(capturedRegs)-2] {
		cpu.Preset(r, 0x1000+uint64(i))
	}
	return cpu
}

func TestCaptureIsReadOnly(t *testing.T) {
	cpu := bootCore()
	c := Capture(cpu)
	if len(cpu.Ops()) != 0 {
		t.Fatalf("Capture performed %v", cpu.Ops())
	}
	if c.TTBR0 != 0x1000 || c.CNTVOFF != 0x100a || c.MPIDR != 0x8000_0000 || c.MIDR != 0x410FD034 {
		t.Fatalf("unexpected capture %+v", c)
	}
}

func TestRestoreSubsetUsesOwnIdentity(t *testing.T) {
	c := Capture(bootCore())
	secondary := sim.NewCPU(1, sim.CoreConfig{MIDR: 0x410FD083, MPIDR: 0x8000_0102})
	RestoreSubset(secondary, c)

	for _, r := range restored {
		want, _ := c.Value(r)
		if got := secondary.Read(r); got != want {
			t.Fatalf("%s = %#x, want %#x", r, got, want)
		}
	}
	if got := secondary.Read(sysreg.VPIDR_EL2); got != 0x410FD083 {
		t.Fatalf("VPIDR_EL2 = %#x, want the secondary's MIDR", got)
	}
	if got := secondary.Read(sysreg.VMPIDR_EL2); got != 0x8000_0102 {
		t.Fatalf("VMPIDR_EL2 = %#x, want the secondary's MPIDR", got)
	}

	ops := secondary.Ops()
	tail := ops[len(ops)-5:]
	want := []sim.Op{
		{Kind: sim.OpDSB},
		{Kind: sim.OpTLBI, TLB: sysreg.TLBIVMAllS12E1},
		{Kind: sim.OpTLBI, TLB: sysreg.TLBIAllE2},
		{Kind: sim.OpDSB},
		{Kind: sim.OpISB},
	}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("barrier %d = %s, want %s", i, tail[i], want[i])
		}
	}
	// Every register write precedes the invalidation.
	for _, op := range ops[:len(ops)-5] {
		if op.Kind != sim.OpWrite {
			t.Fatalf("unexpected %s before invalidation", op)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	c := Capture(bootCore())
	data, err := c.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var got Captured
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != c {
		t.Fatalf("round trip %+v != %+v", got, c)
	}
	if err := got.UnmarshalBinary(data[:8]); err == nil {
		t.Fatalf("short record accepted")
	}
}
