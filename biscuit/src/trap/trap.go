// Package trap names the CPU trap vectors this core recognizes and the
// record shape used to reflect a user-mode trap onto an installed handler.
package trap

// Vector is a CPU interrupt/exception number.
type Vector int

// Standard x86-64 exception vectors.
const (
	DivideError Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRange
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackFault
	GeneralProtection
	PageFault
	_reserved15
	FloatingPoint
	AlignmentCheck
	MachineCheck
	SIMDFloatingPoint
	Virtualization
	ControlProtection
)

// PICBase is the vector the legacy 8259 PIC's IRQ 0 is remapped to; IRQs
// occupy PICBase..PICBase+15.
const PICBase Vector = 0x20

const (
	Pit Vector = PICBase + iota
	Keyboard
	PICCascade
	COM2
	COM1
	LPT2
	Floppy
	LPT1
	RTCIRQ
	Free9
	Free10
	Mouse
	FPUIRQ
	ATA1
	ATA2
)

// APIC-delivered vectors live at the top of the usable range.
const (
	APICTimer   Vector = 0xfe
	APICSpurious Vector = 0xff
)

// IsNonFatalInUserMode reports whether v is one of the two vectors
// (Breakpoint, Overflow) that are merely logged, with execution resuming,
// when no handler takes them; every other vector is reflected or torn down.
func (v Vector) IsNonFatalInUserMode() bool {
	return v == Breakpoint || v == Overflow
}

// HasErrorCode reports whether the CPU pushes an error code for v, which
// the trampoline must account for when it builds the trapped frame.
func (v Vector) HasErrorCode() bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackFault, GeneralProtection, PageFault, AlignmentCheck, ControlProtection:
		return true
	default:
		return false
	}
}

// UserRegisters is the interrupted user-mode register file, saved by the
// trampoline before the kernel does anything else.
type UserRegisters struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RBP         uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RSP, RFLAGS      uint64
}

// Info is pushed onto the user trap stack when a trap is reflected to an
// installed handler: the interrupted registers, the trap vector, and
// whatever error code the CPU supplied (0 if Vector.HasErrorCode is false).
type Info struct {
	Regs      UserRegisters
	Vector    Vector
	ErrorCode uint64
}
