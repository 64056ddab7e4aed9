// Package psci defines the power state coordination interface call
// convention used between the monitor, the guest kernel and secure firmware.
package psci

import "fmt"

// FunctionID is the value passed in X0 of a PSCI call.
type FunctionID uint64

const (
	Version         FunctionID = 0x84000000
	CPUSuspend      FunctionID = 0x84000001
	CPUOff          FunctionID = 0x84000002
	CPUOn           FunctionID = 0x84000003
	AffinityInfo    FunctionID = 0x84000004
	MigrateInfoType FunctionID = 0x84000006
	SystemOff       FunctionID = 0x84000008
	SystemReset     FunctionID = 0x84000009
	Features        FunctionID = 0x8400000A

	// SMC64 variants.
	CPUSuspend64   FunctionID = 0xC4000001
	CPUOn64        FunctionID = 0xC4000003
	AffinityInfo64 FunctionID = 0xC4000004
)

func (fid FunctionID) String() string {
	switch fid {
	case Version:
		return "PSCI_VERSION"
	case CPUSuspend:
		return "PSCI_CPU_SUSPEND"
	case CPUOff:
		return "PSCI_CPU_OFF"
	case CPUOn:
		return "PSCI_CPU_ON"
	case AffinityInfo:
		return "PSCI_AFFINITY_INFO"
	case MigrateInfoType:
		return "PSCI_MIGRATE_INFO_TYPE"
	case SystemOff:
		return "PSCI_SYSTEM_OFF"
	case SystemReset:
		return "PSCI_SYSTEM_RESET"
	case Features:
		return "PSCI_FEATURES"
	case CPUSuspend64:
		return "PSCI_CPU_SUSPEND64"
	case CPUOn64:
		return "PSCI_CPU_ON64"
	case AffinityInfo64:
		return "PSCI_AFFINITY_INFO64"
	default:
		return fmt.Sprintf("smc(%#x)", uint64(fid))
	}
}

// Status is the signed result a PSCI call leaves in X0.
type Status int32

const (
	Success           Status = 0
	NotSupported      Status = -1
	InvalidParameters Status = -2
	Denied            Status = -3
	AlreadyOn         Status = -4
	OnPending         Status = -5
	InternalFailure   Status = -6
	NotPresent        Status = -7
	Disabled          Status = -8
	InvalidAddress    Status = -9
)

// StatusFromRegister interprets the low 32 bits of X0 as a PSCI status.
func StatusFromRegister(x0 uint64) Status {
	return Status(int32(uint32(x0)))
}

// Register returns the sign-extended X0 value for s.
func (s Status) Register() uint64 {
	return uint64(int64(s))
}

func (s Status) String() string {
	switch s {
	case Success:
		return "PSCI_SUCCESS"
	case NotSupported:
		return "PSCI_NOT_SUPPORTED"
	case InvalidParameters:
		return "PSCI_INVALID_PARAMETERS"
	case Denied:
		return "PSCI_DENIED"
	case AlreadyOn:
		return "PSCI_ALREADY_ON"
	case OnPending:
		return "PSCI_ON_PENDING"
	case InternalFailure:
		return "PSCI_INTERNAL_FAILURE"
	case NotPresent:
		return "PSCI_NOT_PRESENT"
	case Disabled:
		return "PSCI_DISABLED"
	case InvalidAddress:
		return "PSCI_INVALID_ADDRESS"
	default:
		return fmt.Sprintf("psci status %d", int32(s))
	}
}

// Error implements error so that a non-success status can be returned and
// matched with errors.Is.
func (s Status) Error() string { return "psci: " + s.String() }

// Err returns nil for Success and s otherwise.
func (s Status) Err() error {
	if s == Success {
		return nil
	}
	return s
}

// Args are the four argument registers of an SMC, X0 through X3.
type Args [4]uint64

// Results are the four result registers of an SMC, X0 through X3.
type Results [4]uint64

// Firmware is the secure firmware below the monitor. Call issues an SMC with
// the given arguments and returns X0..X3 as the firmware left them. Calls
// are synchronous and cannot be cancelled.
type Firmware interface {
	Call(args Args) Results
}

// CPUOnArgs builds the argument registers for CPU_ON64.
func CPUOnArgs(target, entry, contextID uint64) Args {
	return Args{uint64(CPUOn64), target, entry, contextID}
}
