package monitor

import (
	"bytes"
	"errors"

	"github.com/tinyrange/partmon/internal/guest"
	"github.com/tinyrange/partmon/internal/sysreg"
	"github.com/tinyrange/partmon/internal/trap"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// HVC immediates of the debug log interface. The low byte selects what to
// print; HVCNewline additionally ends the line.
const (
	HVCNibbleFirst = 0x00
	HVCNibbleLast  = 0x0F
	HVCCharFirst   = 0x20
	HVCCharLast    = 0x7D
	HVCString      = 0x80
	HVCHex         = 0x81
	HVCUnsigned    = 0x82
	HVCSigned      = 0x83

	HVCNewline = 0x100

	hvcKindMask  = 0xFF
	hvcKnownMask = hvcKindMask | HVCNewline
)

// maxGuestString bounds a string printed with HVCString.
const maxGuestString = 1024

var errUnterminated = errors.New("monitor: guest string not terminated")

// handleHVC prints one item for the guest. Malformed requests are logged and
// otherwise ignored.
func (m *Monitor) handleHVC(acc sysreg.Accessor, imm uint16, f *trap.Frame) {
	if imm&^hvcKnownMask != 0 {
		m.log.Error("unknown hvc immediate", "imm", uint64(imm))
		return
	}
	kind := imm & hvcKindMask
	x0 := f.Reg(0)

	switch {
	case kind <= HVCNibbleLast:
		m.con.PutNibble(uint8(kind))
	case kind >= HVCCharFirst && kind <= HVCCharLast:
		m.con.Putc(byte(kind))
	case kind == HVCString:
		s, err := m.readGuestString(acc, x0)
		if err != nil {
			m.log.Error("hvc string", "va", x0, "err", err)
			return
		}
		m.con.Puts(s)
	case kind == HVCHex:
		m.con.PutHex(x0)
	case kind == HVCUnsigned:
		m.con.PutUnsigned(x0)
	case kind == HVCSigned:
		m.con.PutSigned(int64(x0))
	default:
		m.log.Error("unknown hvc immediate", "imm", uint64(imm))
		return
	}
	if imm&HVCNewline != 0 {
		m.con.Newline()
	}
}

// readGuestString reads a NUL-terminated string at guest virtual address va
// on the trapped core.
func (m *Monitor) readGuestString(acc sysreg.Accessor, va uint64) (string, error) {
	space := &guest.Space{Translator: guest.ATTranslator{Acc: acc}, Memory: m.mem}

	var out []byte
	for len(out) < maxGuestString {
		n := int(hostarch.PageSize - hostarch.Addr(va).PageOffset())
		if rest := maxGuestString - len(out); n > rest {
			n = rest
		}
		chunk := make([]byte, n)
		if err := space.ReadAt(chunk, va); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk...)
		va += uint64(n)
	}
	return "", errUnterminated
}
