package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.Version != 1 {
		t.Errorf("Version = %d, want 1", c.Version)
	}
	if c.RAMSize() != DefaultRAMSizeMB<<20 {
		t.Errorf("RAMSize() = %#x", c.RAMSize())
	}
	if c.Monitor.PoolBase != DefaultImageBase+DefaultImageSize {
		t.Errorf("PoolBase = %#x, want the page after the image", c.Monitor.PoolBase)
	}
	if len(c.Cores) != DefaultCores || c.Cores[3].MPIDR != 0x80000003 || c.Cores[3].MIDR != DefaultMIDR {
		t.Errorf("Cores = %+v", c.Cores)
	}
	if c.GuestOptions() != nil {
		t.Errorf("guest options enabled by default")
	}
	if _, err := c.Layout(); err != nil {
		t.Fatalf("Layout: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlContent := `version: 1
platform:
  ramBase: 0x40000000
  ramSizeMB: 64
  registerWindowBase: 0xfc000000
  registerWindowEnd: 0x100000000
  uartBase: 0xfe201000
monitor:
  imageBase: 0x40000000
  imageSize: 0x200000
  poolPages: 16
  vectorOffset: 0x800
cores:
  - mpidr: 0x80000000
  - mpidr: 0x80000001
    midr: 0x410fd034
guest:
  scanStart: 0xfffff80000000000
  scanEnd: 0xfffff80010000000
  builds:
    22621: 0x1020
    22631: 0x1040
  sequence: [0x54000201, 0x94000000]
  mask: [0xff00001f, 0xfc000000]
  siteIndex: 0
  searchSize: 0x800000
`
	path := filepath.Join(dir, DefaultFilename)
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Platform.RAMBase != 0x40000000 || c.RAMSize() != 64<<20 {
		t.Errorf("Platform = %+v", c.Platform)
	}
	if c.VectorBase() != 0x40000800 {
		t.Errorf("VectorBase() = %#x", c.VectorBase())
	}
	if c.SecondaryEntry() != 0x40001000 {
		t.Errorf("SecondaryEntry() = %#x", c.SecondaryEntry())
	}
	if c.Monitor.PoolBase != 0x40200000 || c.Monitor.PoolPages != 16 {
		t.Errorf("Monitor = %+v", c.Monitor)
	}
	if len(c.Cores) != 2 || c.Cores[0].MIDR != DefaultMIDR || c.Cores[1].MIDR != 0x410fd034 {
		t.Errorf("Cores = %+v", c.Cores)
	}

	g := c.GuestOptions()
	if g == nil {
		t.Fatalf("guest options missing")
	}
	if g.Patch.Offsets[22621] != 0x1020 || g.Patch.Offsets[22631] != 0x1040 {
		t.Errorf("Offsets = %v", g.Patch.Offsets)
	}
	if len(g.Patch.Sequence) != 2 || g.Patch.Mask[0] != 0xff00001f {
		t.Errorf("Sequence = %#x, Mask = %#x", g.Patch.Sequence, g.Patch.Mask)
	}
	if g.Scan.Start != 0xfffff80000000000 || g.Scan.End != 0xfffff80010000000 {
		t.Errorf("Scan = %+v", g.Scan)
	}

	l, err := c.Layout()
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if r, ok := l.FixedRegion("uart"); !ok || r.Base != 0xfe201000 {
		t.Errorf("uart region = %+v, %v", r, ok)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}

	path := filepath.Join(dir, DefaultFilename)
	if err := os.WriteFile(path, []byte("platform: [1, 2"), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLayoutRejectsOverlap(t *testing.T) {
	c, err := Parse([]byte("platform:\n  ramBase: 0xf0000000\n  ramSizeMB: 512\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := c.Layout(); err == nil {
		t.Fatalf("expected RAM overlapping the register window to be rejected")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)
	in := Default()
	in.Guest = &GuestConfig{Builds: map[uint32]uint64{19041: 0x2000}}
	if err := Write(path, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Guest == nil || out.Guest.Builds[19041] != 0x2000 || len(out.Cores) != len(in.Cores) {
		t.Fatalf("round trip lost data: %+v", out)
	}
}
