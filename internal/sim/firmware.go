package sim

import (
	"sync"
	"time"

	"github.com/tinyrange/partmon/internal/psci"
)

// affinityMask selects Aff3..Aff0 of an MPIDR value.
const affinityMask = 0xFF_00FF_FFFF

// Service implements one secure firmware function outside PSCI.
type Service func(args psci.Args) psci.Results

// Firmware models the secure firmware at EL3. It implements PSCI with
// CPU_ON starting simulated cores as goroutines, and lets tests install
// additional services.
type Firmware struct {
	m *Machine

	// Latency is added to every call to widen race windows in tests.
	Latency time.Duration
	// OnCall, when set, runs at the start of every call.
	OnCall func(args psci.Args)

	mu          sync.Mutex
	services    map[psci.FunctionID]Service
	calls       []psci.Args
	maxInFlight map[psci.FunctionID]int
	active      map[psci.FunctionID]int
}

func newFirmware(m *Machine) *Firmware {
	return &Firmware{
		m:           m,
		services:    make(map[psci.FunctionID]Service),
		maxInFlight: make(map[psci.FunctionID]int),
		active:      make(map[psci.FunctionID]int),
	}
}

// RegisterService routes calls with function ID fid to fn.
func (fw *Firmware) RegisterService(fid psci.FunctionID, fn Service) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.services[fid] = fn
}

// Calls returns every call received so far, in arrival order.
func (fw *Firmware) Calls() []psci.Args {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return append([]psci.Args(nil), fw.calls...)
}

// CallsTo returns how many calls with function ID fid were received.
func (fw *Firmware) CallsTo(fid psci.FunctionID) int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	n := 0
	for _, args := range fw.calls {
		if psci.FunctionID(args[0]) == fid {
			n++
		}
	}
	return n
}

// MaxInFlight returns the largest number of simultaneous calls with
// function ID fid observed.
func (fw *Firmware) MaxInFlight(fid psci.FunctionID) int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.maxInFlight[fid]
}

func (fw *Firmware) Call(args psci.Args) psci.Results {
	fid := psci.FunctionID(args[0])

	fw.mu.Lock()
	fw.calls = append(fw.calls, args)
	fw.active[fid]++
	if fw.active[fid] > fw.maxInFlight[fid] {
		fw.maxInFlight[fid] = fw.active[fid]
	}
	svc, custom := fw.services[fid]
	onCall := fw.OnCall
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		fw.active[fid]--
		fw.mu.Unlock()
	}()

	if onCall != nil {
		onCall(args)
	}
	if fw.Latency > 0 {
		time.Sleep(fw.Latency)
	}
	if custom {
		return svc(args)
	}

	switch fid {
	case psci.Version:
		// PSCI 1.1
		return psci.Results{0x0001_0001, args[1], args[2], args[3]}
	case psci.CPUOn, psci.CPUOn64:
		st := fw.cpuOn(args[1], args[2], args[3])
		return psci.Results{st.Register(), args[1], args[2], args[3]}
	case psci.AffinityInfo, psci.AffinityInfo64:
		cpu, ok := fw.m.cpuByAffinity(args[1])
		if !ok {
			return psci.Results{psci.InvalidParameters.Register(), args[1], args[2], args[3]}
		}
		state := uint64(1) // OFF
		if cpu.powered() {
			state = 0
		}
		return psci.Results{state, args[1], args[2], args[3]}
	case psci.Features:
		switch psci.FunctionID(args[1]) {
		case psci.Version, psci.CPUOn, psci.CPUOn64, psci.AffinityInfo, psci.AffinityInfo64, psci.Features:
			return psci.Results{psci.Success.Register(), args[1], args[2], args[3]}
		}
	}
	return psci.Results{psci.NotSupported.Register(), args[1], args[2], args[3]}
}

func (fw *Firmware) cpuOn(target, entry, contextID uint64) psci.Status {
	cpu, ok := fw.m.cpuByAffinity(target)
	if !ok {
		return psci.InvalidParameters
	}
	fn, ok := fw.m.entry(entry)
	if !ok {
		return psci.InvalidAddress
	}
	if !cpu.powerOn(entry) {
		return psci.AlreadyOn
	}
	fw.m.start(cpu, fn, contextID)
	return psci.Success
}

var _ psci.Firmware = (*Firmware)(nil)
