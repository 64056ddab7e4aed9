package trap

import (
	"strings"
	"testing"
)

func TestVectorOffsets(t *testing.T) {
	tests := []struct {
		v    Vector
		want uint64
	}{
		{Vector{CurrentELSP0, Synchronous}, 0x000},
		{Vector{CurrentELSPx, IRQ}, 0x280},
		{Vector{LowerELAArch64, Synchronous}, 0x400},
		{Vector{LowerELAArch32, SError}, 0x780},
	}
	for _, tt := range tests {
		if got := tt.v.Offset(); got != tt.want {
			t.Fatalf("%s: offset %#x, want %#x", tt.v, got, tt.want)
		}
	}
}

func TestZeroRegister(t *testing.T) {
	var f Frame
	f.SetReg(31, 5)
	if f.Reg(31) != 0 {
		t.Fatalf("xzr read back %d", f.Reg(31))
	}
	f.SetReg(30, 7)
	if f.X[30] != 7 {
		t.Fatalf("x30 = %d", f.X[30])
	}
}

func TestDump(t *testing.T) {
	var f Frame
	f.X[3] = 0xabc
	f.ESR = 0x5e000000
	out := f.Dump()
	if !strings.Contains(out, "x3 =0000000000000abc") {
		t.Fatalf("missing x3 in dump:\n%s", out)
	}
	if !strings.Contains(out, "esr=000000005e000000") {
		t.Fatalf("missing esr in dump:\n%s", out)
	}
}
