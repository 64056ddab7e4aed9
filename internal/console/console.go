// Package console is the monitor's serial logger. Every write is serialized
// by a spinlock so lines from different cores never interleave.
package console

import (
	"io"
	"os"
	"strconv"

	"github.com/tinyrange/partmon/internal/spinlock"
	"golang.org/x/term"
)

const hexDigits = "0123456789abcdef"

// Console writes raw characters and numbers to a serial sink.
//
// A core that faults while holding the console lock leaves every other core
// spinning in its next log call.
type Console struct {
	lock  *spinlock.Lock
	w     io.Writer
	color bool
}

// New returns a console writing to w. The lock is shared by every core; pass
// nil to let the console own one.
func New(w io.Writer, lock *spinlock.Lock, color bool) *Console {
	if lock == nil {
		lock = new(spinlock.Lock)
	}
	if w == nil {
		w = io.Discard
	}
	return &Console{lock: lock, w: w, color: color}
}

// Color reports whether output is colorized.
func (c *Console) Color() bool { return c.color }

func (c *Console) write(p []byte) {
	c.lock.Lock()
	defer c.lock.Unlock()

	// A serial console has nowhere to report its own failures.
	_, _ = c.w.Write(p)
}

// Putc writes a single character.
func (c *Console) Putc(b byte) {
	c.write([]byte{b})
}

// Puts writes s verbatim.
func (c *Console) Puts(s string) {
	c.write([]byte(s))
}

// Newline ends the current line.
func (c *Console) Newline() {
	c.Putc('\n')
}

// PutNibble writes the hex digit for the low four bits of v.
func (c *Console) PutNibble(v uint8) {
	c.Putc(hexDigits[v&0xF])
}

// PutHex writes v as 0x-prefixed hex.
func (c *Console) PutHex(v uint64) {
	c.Puts("0x" + strconv.FormatUint(v, 16))
}

// PutUnsigned writes v in decimal.
func (c *Console) PutUnsigned(v uint64) {
	c.Puts(strconv.FormatUint(v, 10))
}

// PutSigned writes v in decimal with a sign.
func (c *Console) PutSigned(v int64) {
	c.Puts(strconv.FormatInt(v, 10))
}

// IsTerminal reports whether w is a terminal and should get colors.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
