// Package serial drives the PL011 UART the monitor logs through, and models
// one for the simulated SoC.
package serial

import "runtime"

const (
	pl011RegDR   = 0x00
	pl011RegRSR  = 0x04
	pl011RegFR   = 0x18
	pl011RegILPR = 0x20
	pl011RegIBRD = 0x24
	pl011RegFBRD = 0x28
	pl011RegLCRH = 0x2c
	pl011RegCR   = 0x30
	pl011RegIFLS = 0x34
	pl011RegIMSC = 0x38
	pl011RegRIS  = 0x3c
	pl011RegMIS  = 0x40
	pl011RegICR  = 0x44
	pl011RegDMAC = 0x48

	pl011FlagTxEmpty = 1 << 7
	pl011FlagTxFull  = 1 << 5
	pl011FlagRxEmpty = 1 << 4
	pl011FlagBusy    = 1 << 3

	// RegionSize is the size of the PL011 register block.
	RegionSize = 0x1000
)

// Bus performs 32-bit device register accesses.
type Bus interface {
	Read32(addr uint64) uint32
	Write32(addr uint64, value uint32)
}

// PL011 is a polled transmit-only PL011 driver. It is not synchronized;
// callers serialize output themselves.
type PL011 struct {
	bus  Bus
	base uint64
}

// NewPL011 returns a driver for the UART whose registers start at base.
func NewPL011(bus Bus, base uint64) *PL011 {
	return &PL011{bus: bus, base: base}
}

// WriteByte waits for room in the transmit FIFO and queues b.
func (p *PL011) WriteByte(b byte) error {
	for p.bus.Read32(p.base+pl011RegFR)&pl011FlagTxFull != 0 {
		runtime.Gosched()
	}
	p.bus.Write32(p.base+pl011RegDR, uint32(b))
	return nil
}

// Write implements io.Writer. Line feeds are sent as CR LF.
func (p *PL011) Write(data []byte) (int, error) {
	for _, b := range data {
		if b == '\n' {
			if err := p.WriteByte('\r'); err != nil {
				return 0, err
			}
		}
		if err := p.WriteByte(b); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

// Flush waits until the UART has drained its transmit FIFO.
func (p *PL011) Flush() {
	for p.bus.Read32(p.base+pl011RegFR)&pl011FlagBusy != 0 {
		runtime.Gosched()
	}
}
