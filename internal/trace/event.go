package trace

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tinyrange/partmon/internal/esr"
)

// EventSize is the encoded size of an Event.
const EventSize = 11 * 8

// Event is one trap as the monitor saw it and left it.
type Event struct {
	ESR  uint64
	ELR  uint64
	SPSR uint64
	// Args are X0..X3 on entry and Results X0..X3 on return.
	Args    [4]uint64
	Results [4]uint64
}

func (e Event) encode() []byte {
	b := make([]byte, 0, EventSize)
	b = binary.LittleEndian.AppendUint64(b, e.ESR)
	b = binary.LittleEndian.AppendUint64(b, e.ELR)
	b = binary.LittleEndian.AppendUint64(b, e.SPSR)
	for _, v := range e.Args {
		b = binary.LittleEndian.AppendUint64(b, v)
	}
	for _, v := range e.Results {
		b = binary.LittleEndian.AppendUint64(b, v)
	}
	return b
}

// DecodeEvent parses the data of a KindTrap entry.
func DecodeEvent(b []byte) (Event, error) {
	if len(b) != EventSize {
		return Event{}, fmt.Errorf("trace: trap entry is %d bytes, want %d", len(b), EventSize)
	}
	word := func(i int) uint64 { return binary.LittleEndian.Uint64(b[8*i:]) }
	e := Event{ESR: word(0), ELR: word(1), SPSR: word(2)}
	for i := range e.Args {
		e.Args[i] = word(3 + i)
		e.Results[i] = word(7 + i)
	}
	return e, nil
}

func (e Event) String() string {
	syn := esr.Decode(e.ESR)
	var b strings.Builder
	switch syn.Class {
	case esr.ClassHVC64, esr.ClassSMC64:
		fmt.Fprintf(&b, "%s #%#x", syn.Class, syn.Immediate())
	case esr.ClassMsrAccess:
		fmt.Fprintf(&b, "%s", esr.DecodeSysReg(syn.ISS))
	default:
		fmt.Fprintf(&b, "%s", syn)
	}
	fmt.Fprintf(&b, " elr=%#x x0=%#x x1=%#x x2=%#x x3=%#x", e.ELR, e.Args[0], e.Args[1], e.Args[2], e.Args[3])
	if e.Results != e.Args {
		fmt.Fprintf(&b, " -> x0=%#x x1=%#x x2=%#x x3=%#x", e.Results[0], e.Results[1], e.Results[2], e.Results[3])
	}
	return b.String()
}
