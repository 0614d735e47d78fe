// Package smp coordinates bringing up application processors (APs) from
// the bootstrap processor (BSP).
//
// original_source/kernel/src/smp/ap_init.rs drives this with bare-metal
// machinery this simulation has no use for: a relocated real-mode
// trampoline, a SavedMemory guard that restores clobbered low memory, and
// a BootStack struct handed to the AP in assembly. None of that has a Go
// equivalent worth keeping (there is no real mode to switch out of, no
// physical memory to clobber and restore). What does carry over is the
// shape of the handshake: boot_ap sends INIT, then waits up to one second
// (chrono::Duration::seconds(1)) for the AP to signal readiness, turning a
// failure to do so into a logged error rather than a panic. That handshake
// is what this package keeps, modeled as one errgroup.Go goroutine per AP.
package smp

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// BringUpTimeout is the original's Duration::seconds(1): how long the BSP
// waits for one AP's init handshake before giving up on it.
const BringUpTimeout = 1 * time.Second

// CPU is one application processor's bring-up state: an id the way the
// APIC enumerates processors, and the single readiness slot the BSP polls
// (original_source calls this Cpu::initialized / Cpu::signal_initialized).
type CPU struct {
	ID uint32

	ready chan struct{}
}

// NewCPU builds an AP bring-up record for id, not yet signaled ready.
func NewCPU(id uint32) *CPU {
	return &CPU{ID: id, ready: make(chan struct{})}
}

// SignalInitialized marks cpu ready; the AP's own init path calls this
// once, mirroring ap_kernel_main's cpu.signal_initialized() right before
// it enters its scheduler loop. Safe to call more than once.
func (c *CPU) SignalInitialized() {
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

// Initialized reports whether cpu has signaled readiness.
func (c *CPU) Initialized() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// Launcher sends the real bring-up signal to cpu (an INIT/SIPI sequence
// on real hardware; in this simulation, whatever spins up cpu's goroutine
// and has it eventually call SignalInitialized). Launcher returning an
// error aborts that CPU's bring-up before the wait even starts.
type Launcher func(cpu *CPU) error

// TimeoutError reports that a CPU never signaled readiness within the
// bring-up window: boot_ap's error! log line turned into a typed error
// instead, so the caller decides whether that is fatal to the whole boot.
type TimeoutError struct {
	CPUID  uint32
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cpu %d: did not signal initialized within %s", e.CPUID, e.Waited)
}

// BootOne runs launch against cpu and waits up to timeout for it to call
// SignalInitialized, returning *TimeoutError if it never does. ctx
// cancellation (e.g. another CPU's bring-up failing under BootAll) ends
// the wait early with ctx.Err().
func BootOne(ctx context.Context, cpu *CPU, timeout time.Duration, launch Launcher) error {
	if err := launch(cpu); err != nil {
		return fmt.Errorf("cpu %d: launch: %w", cpu.ID, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-cpu.ready:
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{CPUID: cpu.ID, Waited: timeout}
	}
}

// BootAll boots every cpu concurrently, one errgroup goroutine apiece, and
// waits for all of them with a single g.Wait(): the first bring-up failure
// (launch error or timeout) cancels the shared context so the remaining
// in-flight waits give up immediately instead of each running out its own
// full timeout, and its error is what BootAll returns.
func BootAll(ctx context.Context, cpus []*CPU, timeout time.Duration, launch Launcher) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cpu := range cpus {
		cpu := cpu
		g.Go(func() error {
			return BootOne(gctx, cpu, timeout, launch)
		})
	}
	return g.Wait()
}
