package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// Entry is one decoded log entry.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Message renders the entry's data.
func (e Entry) Message() string {
	if e.Kind != KindTrap {
		return string(e.Data)
	}
	ev, err := DecodeEvent(e.Data)
	if err != nil {
		return err.Error()
	}
	return ev.String()
}

func (e Entry) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Time.Format(time.RFC3339Nano), e.Source, e.Message())
}

// SearchOptions filters the entries Search returns.
type SearchOptions struct {
	Start, End time.Time

	// LimitStart keeps the first N matches and LimitEnd the last N. Setting
	// both is an error.
	LimitStart int
	LimitEnd   int

	// Sources restricts the search to the named sources.
	Sources []string
	// Kinds restricts the search to the given kinds.
	Kinds []Kind
}

type indexEntry struct {
	offset int64
	ts     int64
}

// Reader is an indexed, read-only view of a log.
type Reader struct {
	r io.ReaderAt

	sources []string
	index   map[string][]indexEntry

	earliest, latest int64
}

// NewReader indexes the log read sequentially from index; entry data is
// later fetched from r.
func NewReader(r io.ReaderAt, index io.Reader) (*Reader, error) {
	rd := &Reader{r: r, index: make(map[string][]indexEntry)}
	if err := rd.indexAll(index); err != nil {
		return nil, fmt.Errorf("trace: index: %w", err)
	}
	return rd, nil
}

// Open indexes the log at path. The returned closer releases the file.
func Open(path string) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: %w", err)
	}
	r, err := NewReader(f, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

func (r *Reader) indexAll(in io.Reader) error {
	br := bufio.NewReaderSize(in, 1<<20)
	var (
		h   [headerSize]byte
		off int64
	)
	for {
		if _, err := io.ReadFull(br, h[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("header at %d: %w", off, err)
		}
		kind, sourceLen, dataLen, ts := decodeHeader(h)
		if kind == KindInvalid {
			return fmt.Errorf("invalid entry at %d", off)
		}
		source := make([]byte, sourceLen)
		if _, err := io.ReadFull(br, source); err != nil {
			return fmt.Errorf("source at %d: %w", off, err)
		}
		if _, err := br.Discard(int(dataLen)); err != nil {
			return fmt.Errorf("data at %d: %w", off, err)
		}

		if r.earliest == 0 || ts < r.earliest {
			r.earliest = ts
		}
		if ts > r.latest {
			r.latest = ts
		}
		s := string(source)
		if _, ok := r.index[s]; !ok {
			r.sources = append(r.sources, s)
		}
		r.index[s] = append(r.index[s], indexEntry{offset: off, ts: ts})
		off += headerSize + int64(sourceLen) + int64(dataLen)
	}
}

// Sources returns every source in the order it first appears.
func (r *Reader) Sources() []string {
	return append([]string(nil), r.sources...)
}

// TimeRange returns the earliest and latest timestamps.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

func (r *Reader) read(ie indexEntry, source string) (Entry, error) {
	var h [headerSize]byte
	if _, err := r.r.ReadAt(h[:], ie.offset); err != nil {
		return Entry{}, err
	}
	kind, sourceLen, dataLen, _ := decodeHeader(h)
	data := make([]byte, dataLen)
	if _, err := r.r.ReadAt(data, ie.offset+headerSize+int64(sourceLen)); err != nil {
		return Entry{}, err
	}
	return Entry{Time: time.Unix(0, ie.ts), Kind: kind, Source: source, Data: data}, nil
}

// Search calls fn for every matching entry in timestamp order. Entries with
// the same timestamp keep their log order.
func (r *Reader) Search(opts SearchOptions, fn func(Entry) error) error {
	if opts.LimitStart > 0 && opts.LimitEnd > 0 {
		return fmt.Errorf("trace: cannot set both LimitStart and LimitEnd")
	}
	sources := opts.Sources
	if len(sources) == 0 {
		sources = r.sources
	}

	type match struct {
		source string
		ie     indexEntry
	}
	var matches []match
	for _, s := range sources {
		for _, ie := range r.index[s] {
			ts := time.Unix(0, ie.ts)
			if !opts.Start.IsZero() && ts.Before(opts.Start) {
				continue
			}
			if !opts.End.IsZero() && ts.After(opts.End) {
				continue
			}
			matches = append(matches, match{source: s, ie: ie})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i].ie, matches[j].ie
		if a.ts != b.ts {
			return a.ts < b.ts
		}
		return a.offset < b.offset
	})

	var out []Entry
	for _, m := range matches {
		e, err := r.read(m.ie, m.source)
		if err != nil {
			return fmt.Errorf("trace: read entry at %d: %w", m.ie.offset, err)
		}
		if len(opts.Kinds) > 0 && !hasKind(opts.Kinds, e.Kind) {
			continue
		}
		out = append(out, e)
	}
	if opts.LimitStart > 0 && len(out) > opts.LimitStart {
		out = out[:opts.LimitStart]
	}
	if opts.LimitEnd > 0 && len(out) > opts.LimitEnd {
		out = out[len(out)-opts.LimitEnd:]
	}
	for _, e := range out {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func hasKind(kinds []Kind, k Kind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

// Each calls fn for every entry.
func (r *Reader) Each(fn func(Entry) error) error {
	return r.Search(SearchOptions{}, fn)
}

// Count returns the number of entries matching opts.
func (r *Reader) Count(opts SearchOptions) (int, error) {
	n := 0
	err := r.Search(opts, func(Entry) error { n++; return nil })
	return n, err
}
