// Package trace is an append-only binary log of the traps the monitor
// handles. Every core appends to the same log without taking a lock: an
// entry's position is reserved by atomically advancing the write offset.
//
// Each entry is:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes data length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - data bytes
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

// Kind is the type of an entry's data.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindText
	KindTrap
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindTrap:
		return "trap"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Writer is the storage a log appends to.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Log appends entries to a Writer. A nil *Log discards everything, so
// callers record unconditionally.
type Log struct {
	w      Writer
	offset atomic.Uint64
	now    func() time.Time

	mu  sync.Mutex
	err error
}

// New returns a log writing to w from offset zero.
func New(w Writer) *Log {
	return &Log{w: w, now: time.Now}
}

// Create truncates path and returns a log writing to it.
func Create(path string) (*Log, error) {
	// Truncate so a shorter run leaves no stale trailing entries.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return New(f), nil
}

// Close closes the underlying writer and reports the first write error.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	err := l.w.Close()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	return err
}

func (l *Log) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = fmt.Errorf("trace: %w", err)
	}
}

func encodeHeader(kind Kind, source string, data []byte, ts int64) []byte {
	b := make([]byte, headerSize, headerSize+len(source)+len(data))
	binary.LittleEndian.PutUint16(b[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(b[8:16], uint64(ts))
	return b
}

func decodeHeader(h [headerSize]byte) (kind Kind, sourceLen uint16, dataLen uint32, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(h[0:2]))
	sourceLen = binary.LittleEndian.Uint16(h[2:4])
	dataLen = binary.LittleEndian.Uint32(h[4:8])
	ts = int64(binary.LittleEndian.Uint64(h[8:16]))
	return
}

func (l *Log) append(kind Kind, source string, data []byte) {
	if l == nil {
		return
	}
	if len(source) > 0xFFFF {
		source = source[:0xFFFF]
	}
	entry := encodeHeader(kind, source, data, l.now().UnixNano())
	entry = append(entry, source...)
	entry = append(entry, data...)

	size := uint64(len(entry))
	off := l.offset.Add(size) - size
	if _, err := l.w.WriteAt(entry, int64(off)); err != nil {
		l.fail(err)
	}
}

// Text records a message.
func (l *Log) Text(source, msg string) {
	l.append(KindText, source, []byte(msg))
}

// Textf records a formatted message.
func (l *Log) Textf(source, format string, args ...any) {
	if l == nil {
		return
	}
	l.append(KindText, source, fmt.Appendf(nil, format, args...))
}

// Trap records a handled trap.
func (l *Log) Trap(source string, e Event) {
	if l == nil {
		return
	}
	l.append(KindTrap, source, e.encode())
}

type write struct {
	off  int64
	data []byte
}

// Buffer is an in-memory Writer. Writes may arrive out of order; Bytes
// assembles them.
type Buffer struct {
	data    sync.Map
	maxSize atomic.Int64
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.data.Store(off, write{off: off, data: append([]byte(nil), p...)})
	end := off + int64(len(p))
	for {
		cur := b.maxSize.Load()
		if cur >= end || b.maxSize.CompareAndSwap(cur, end) {
			break
		}
	}
	return len(p), nil
}

func (b *Buffer) Close() error { return nil }

// Bytes returns the log contents.
func (b *Buffer) Bytes() []byte {
	data := make([]byte, b.maxSize.Load())
	b.data.Range(func(_, value any) bool {
		w := value.(write)
		copy(data[w.off:], w.data)
		return true
	})
	return data
}
