package platform

import "testing"

func TestNewLayoutValidation(t *testing.T) {
	tests := []struct {
		name                  string
		ramBase, ramSize      uint64
		windowBase, windowEnd uint64
		wantErr               bool
	}{
		{"rpi4", 0, 0xFC00_0000, 0xFC00_0000, 0x1_0000_0000, false},
		{"zero ram", 0, 0, 0xFC00_0000, 0x1_0000_0000, true},
		{"empty window", 0, 0x1000_0000, 0xFC00_0000, 0xFC00_0000, true},
		{"unaligned window", 0, 0x1000_0000, 0xFC01_0000, 0x1_0000_0000, true},
		{"ram overlaps window", 0, 0xFD00_0000, 0xFC00_0000, 0x1_0000_0000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLayout(tt.ramBase, tt.ramSize, tt.windowBase, tt.windowEnd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewLayout error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterFixed(t *testing.T) {
	l, err := NewLayout(0, 0x4000_0000, 0xFC00_0000, 0x1_0000_0000)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	if err := l.RegisterFixed("uart", 0xFE20_1000, 0x1000); err != nil {
		t.Fatalf("RegisterFixed uart: %v", err)
	}
	if err := l.RegisterFixed("overlap", 0xFE20_1800, 0x1000); err == nil {
		t.Fatalf("expected overlapping region to fail")
	}
	if err := l.RegisterFixed("ram", 0x1000_0000, 0x1000); err == nil {
		t.Fatalf("expected region outside window to fail")
	}

	r, ok := l.FixedRegion("uart")
	if !ok || r.Base != 0xFE20_1000 {
		t.Fatalf("FixedRegion(uart) = %+v, %v", r, ok)
	}
	if !l.IsDevice(0xFE20_1000) || l.IsDevice(0xFBFF_FFFF) {
		t.Fatalf("IsDevice misclassifies window boundaries")
	}
}

func TestSetImage(t *testing.T) {
	l, err := NewLayout(0, 0x4000_0000, 0xFC00_0000, 0x1_0000_0000)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	if err := l.SetImage(0x3000_0000, 0x20_0000); err != nil {
		t.Fatalf("SetImage: %v", err)
	}
	if err := l.SetImage(0x3FFF_0000, 0x20_0000); err == nil {
		t.Fatalf("expected image crossing the end of RAM to fail")
	}
	if l.Image().Base != 0x3000_0000 {
		t.Fatalf("image not retained after failed update: %+v", l.Image())
	}
}
