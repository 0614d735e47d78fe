package proc

import (
	"testing"

	"addr"
	"kerrors"
	"mapping"
	"trap"
)

func TestReflectDeliversToInstalledHandler(t *testing.T) {
	table := NewTable()
	p := newTestProcess(t, table)

	handlerStack := addr.PageFromIndex(700)
	if err := p.AS.MapPage(handlerStack, mapping.PRESENT|mapping.WRITABLE|mapping.USER); err != kerrors.Ok {
		t.Fatalf("MapPage handler stack: %v", err)
	}
	const handlerRIP = 0x3000
	regs := &p.Regs
	regs.RAX = uint64(SetTrapHandler)
	regs.RDI = 0
	regs.RSI = handlerRIP
	regs.RDX = handlerStack.Virt().Uint64()
	regs.R10 = uint64(addr.PageSize)
	Dispatch(table, NewScheduler(nil), p)
	if kerrors.Err_t(regs.RAX) != kerrors.Ok {
		t.Fatalf("SetTrapHandler: %v", kerrors.Err_t(regs.RAX))
	}

	info := trap.Info{Vector: trap.GeneralProtection, Regs: trap.UserRegisters{RIP: 0x1234}}
	terminated := Reflect(p, info)

	if terminated {
		t.Fatalf("Reflect terminated p, expected delivery to the installed handler")
	}
	if p.Regs.RIP != handlerRIP {
		t.Fatalf("p.Regs.RIP = %#x, want %#x", p.Regs.RIP, uint64(handlerRIP))
	}
	if p.Regs.RSP != p.Regs.RDI {
		t.Fatalf("p.Regs.RSP = %#x, want to match RDI (%#x), both pointing at the pushed frame", p.Regs.RSP, p.Regs.RDI)
	}
	if p.State == Dead {
		t.Fatalf("p should not be torn down once its trap was reflected")
	}
}

func TestReflectWarnsOnNonFatalWithoutHandler(t *testing.T) {
	table := NewTable()
	p := newTestProcess(t, table)

	info := trap.Info{Vector: trap.Breakpoint, Regs: trap.UserRegisters{RIP: 0x1234}}
	terminated := Reflect(p, info)

	if terminated {
		t.Fatalf("Reflect terminated p on a non-fatal vector with no handler installed")
	}
	if p.State == Dead {
		t.Fatalf("p should survive an unhandled non-fatal trap")
	}
}

func TestReflectTerminatesOnFatalWithoutHandler(t *testing.T) {
	table := NewTable()
	p := newTestProcess(t, table)

	info := trap.Info{Vector: trap.GeneralProtection, Regs: trap.UserRegisters{RIP: 0x1234}}
	terminated := Reflect(p, info)

	if !terminated {
		t.Fatalf("Reflect did not terminate p on a fatal vector with no handler installed")
	}
	if p.State != Dead {
		t.Fatalf("p.State = %v, want Dead", p.State)
	}
}

func TestReflectFallsThroughWhenHandlerStackUnmapped(t *testing.T) {
	table := NewTable()
	p := newTestProcess(t, table)
	p.Trap = TrapHandler{
		Installed: true,
		RIP:       0x3000,
		Stack:     addr.Block[addr.Page]{Start: addr.PageFromIndex(999), End: addr.PageFromIndex(1000)},
	}

	info := trap.Info{Vector: trap.GeneralProtection, Regs: trap.UserRegisters{RIP: 0x1234}}
	terminated := Reflect(p, info)

	if !terminated {
		t.Fatalf("Reflect should terminate p when the installed handler's stack is unusable")
	}
}
