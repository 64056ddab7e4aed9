package guest

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Signature is the owner tag of the kernel debugger data block.
const Signature = "KDBG"

// kernBaseOffset is the distance from the tag to the kernel base field.
const kernBaseOffset = 8

// Accepted version record values.
const (
	MajorVersionFree    = 0xF
	MajorVersionChecked = 0xC
	MachineTypeARM64    = 0xAA64
)

// VersionRecordSize is the encoded size of a VersionRecord.
const VersionRecordSize = 40

// VersionRecord is the debugger version block the kernel publishes next to
// its debugger data block.
type VersionRecord struct {
	MajorVersion       uint16
	MinorVersion       uint16
	ProtocolVersion    uint8
	KdSecondaryVersion uint8
	Flags              uint16
	MachineType        uint16
	MaxPacketType      uint8
	MaxStateChange     uint8
	MaxManipulate      uint8
	Simulation         uint8
	KernBase           uint64
	PsLoadedModuleList uint64
	DebuggerDataList   uint64
}

// ParseVersionRecord decodes the little-endian on-memory form.
func ParseVersionRecord(b []byte) (VersionRecord, error) {
	if len(b) < VersionRecordSize {
		return VersionRecord{}, fmt.Errorf("guest: version record is %d bytes, want %d", len(b), VersionRecordSize)
	}
	le := binary.LittleEndian
	return VersionRecord{
		MajorVersion:       le.Uint16(b[0:]),
		MinorVersion:       le.Uint16(b[2:]),
		ProtocolVersion:    b[4],
		KdSecondaryVersion: b[5],
		Flags:              le.Uint16(b[6:]),
		MachineType:        le.Uint16(b[8:]),
		MaxPacketType:      b[10],
		MaxStateChange:     b[11],
		MaxManipulate:      b[12],
		Simulation:         b[13],
		KernBase:           le.Uint64(b[16:]),
		PsLoadedModuleList: le.Uint64(b[24:]),
		DebuggerDataList:   le.Uint64(b[32:]),
	}, nil
}

// Encode returns the on-memory form of r.
func (r VersionRecord) Encode() []byte {
	b := make([]byte, VersionRecordSize)
	le := binary.LittleEndian
	le.PutUint16(b[0:], r.MajorVersion)
	le.PutUint16(b[2:], r.MinorVersion)
	b[4] = r.ProtocolVersion
	b[5] = r.KdSecondaryVersion
	le.PutUint16(b[6:], r.Flags)
	le.PutUint16(b[8:], r.MachineType)
	b[10] = r.MaxPacketType
	b[11] = r.MaxStateChange
	b[12] = r.MaxManipulate
	b[13] = r.Simulation
	le.PutUint64(b[16:], r.KernBase)
	le.PutUint64(b[24:], r.PsLoadedModuleList)
	le.PutUint64(b[32:], r.DebuggerDataList)
	return b
}

// Plausible reports whether r describes an arm64 kernel loaded at kernBase.
func (r VersionRecord) Plausible(kernBase uint64) bool {
	if r.MajorVersion != MajorVersionFree && r.MajorVersion != MajorVersionChecked {
		return false
	}
	return r.MachineType == MachineTypeARM64 && r.KernBase == kernBase
}

// ErrNotIdentified is returned when the scan finds no plausible guest.
var ErrNotIdentified = errors.New("guest: kernel not identified")

// Identification is the result of a successful scan.
type Identification struct {
	// DebuggerData is the address of the signature.
	DebuggerData uint64
	KernBase     uint64
	// Version is the address of the version record.
	Version uint64
	Record  VersionRecord
}

// Build returns the kernel build number.
func (id Identification) Build() uint32 { return uint32(id.Record.MinorVersion) }

// ScanConfig bounds a scan.
type ScanConfig struct {
	// Start and End bound the signature search. Zero means the loader
	// mapping.
	Start, End uint64
	// Align is the signature alignment. Zero means 8.
	Align uint64
	// VersionWindow is how far on either side of the signature the version
	// record is looked for. Zero means 64 KB.
	VersionWindow uint64
}

func (c ScanConfig) normalize() ScanConfig {
	if c.Start == 0 && c.End == 0 {
		c.Start, c.End = LoaderMappingStart, LoaderMappingEnd
	}
	if c.Align == 0 {
		c.Align = 8
	}
	if c.VersionWindow == 0 {
		c.VersionWindow = 64 << 10
	}
	return c
}

// Identify searches s for the debugger data signature, checks the kernel
// base that follows it, then looks for a matching version record nearby.
// Signatures with an implausible kernel base are skipped.
func Identify(s *Space, cfg ScanConfig, progress Progress) (Identification, error) {
	cfg = cfg.normalize()
	sig := Pattern(Signature)

	for va := cfg.Start; va < cfg.End; {
		var sub Progress
		if progress != nil {
			from := va
			sub = func(done, _ uint64) { progress(from-cfg.Start+done, cfg.End-cfg.Start) }
		}
		tag, err := s.Search(va, cfg.End, sig, cfg.Align, sub)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				break
			}
			return Identification{}, err
		}
		va = tag + cfg.Align

		kernBase, err := s.Read64(tag + kernBaseOffset)
		if err != nil || !InLoaderMapping(kernBase) {
			continue
		}

		lo := tag - min(cfg.VersionWindow, tag)
		hi := tag + cfg.VersionWindow
		if hi < tag {
			hi = ^uint64(0)
		}
		match := Predicate{Size: VersionRecordSize, Fn: func(w []byte) bool {
			r, err := ParseVersionRecord(w)
			return err == nil && r.Plausible(kernBase)
		}}
		rva, err := s.Search(lo, hi, match, 8, nil)
		if err != nil {
			continue
		}
		var raw [VersionRecordSize]byte
		if err := s.ReadAt(raw[:], rva); err != nil {
			continue
		}
		rec, _ := ParseVersionRecord(raw[:])
		return Identification{
			DebuggerData: tag,
			KernBase:     kernBase,
			Version:      rva,
			Record:       rec,
		}, nil
	}
	return Identification{}, fmt.Errorf("guest: scan [%#x, %#x): %w", cfg.Start, cfg.End, ErrNotIdentified)
}
