// Package interrupt models the kernel's 256-entry interrupt descriptor
// table and the dispatcher behind it. There is no real CPU ring here; a
// "software interrupt" is an ordinary call into Table.Raise, which plays
// the role int $vector plays for the syscall gate (vector 0x80) and what
// the CPU itself does for exceptions and remapped PIC IRQs.
package interrupt

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	NumVectors = 256

	// Exception vectors occupy 0-31; IRQs are remapped to 32-47.
	ExceptionVectorMax = 31
	IRQVectorBase      = 32
	IRQVectorMax       = 47

	// SyscallVector is the software interrupt the syscall gate answers.
	SyscallVector = 0x80

	// kernel code selector and gate type byte, per spec.md §3.
	codeSelector = 0x08
	gateType     = 0x8E
)

// Frame mirrors the saved register state a handler receives, matching the
// System V AMD64-ish ABI spec.md §6 describes for the syscall gate and
// generalized here to every vector (exceptions additionally populate
// ErrorCode and RIP).
type Frame struct {
	Vector    int
	ErrorCode uint64
	RIP       uint64

	RAX, RBX, RCX, RDX uint64
	RSI, RDI           uint64
	R8, R9, R10        uint64
}

// Handler is a registered high-level interrupt handler. Raise runs it with
// dispatch "disabled" (single-threaded, non-reentrant) per spec.md §5; a
// handler has no way to re-enable nested delivery.
type Handler func(f *Frame)

// descriptor is the 16-byte IDT entry spec.md §3 describes split across
// low/mid/high offset words. Present is derived from handlerAddr != 0.
type descriptor struct {
	handlerAddr uint64
	selector    uint16
	ist         uint8
	typeAttr    uint8
}

func (d descriptor) present() bool {
	return d.handlerAddr != 0 && d.selector == codeSelector && d.typeAttr == gateType
}

// PIC models the legacy 8259 pair remapped to vectors 0x20/0x28, per
// original_source/src/kernel/i8259.c.
type PIC struct {
	MasterOffset uint8
	SlaveOffset  uint8
	masterMask   uint8
	slaveMask    uint8

	masterEOISent uint64
	slaveEOISent  uint64
}

func newPIC() *PIC {
	return &PIC{MasterOffset: 0x20, SlaveOffset: 0x28}
}

// EOI sends end-of-interrupt, hitting the slave first when vector >= 40
// (i.e. IRQ >= 8), exactly as the IRQ dispatcher in spec.md §4.2 requires.
func (p *PIC) EOI(vector int) {
	if vector >= 40 {
		p.slaveEOISent++
	}
	p.masterEOISent++
}

// EOICounts reports how many EOIs have been sent to each controller. The
// counters record totals only, not the order in which EOIs went out.
func (p *PIC) EOICounts() (master, slave uint64) {
	return p.masterEOISent, p.slaveEOISent
}

// Table is the 256-entry IDT plus the parallel handler dispatch table.
// register_handler updates only the dispatch table, never the IDT
// descriptors themselves, matching spec.md §3's lifecycle invariant.
type Table struct {
	descriptors [NumVectors]descriptor
	handlers    [NumVectors]Handler
	pic         *PIC
	dispatching bool
	log         *logrus.Entry
}

// New installs all 256 entries (none present yet, i.e. handlerAddr==0)
// and prepares the PIC remap state, matching Initialize().
func New() *Table {
	return &Table{
		pic: newPIC(),
		log: logrus.WithField("component", "interrupt"),
	}
}

// PIC exposes the simulated 8259 state for tests/diagnostics.
func (t *Table) PIC() *PIC { return t.pic }

// RegisterHandler installs fn as the handler for vector, and marks the
// corresponding IDT descriptor present (non-zero handler address, selector
// 0x08, type byte 0x8E) so Table.Present reflects reality for tooling.
func (t *Table) RegisterHandler(vector int, fn Handler) error {
	if vector < 0 || vector >= NumVectors {
		return fmt.Errorf("interrupt: vector %d out of range", vector)
	}
	t.handlers[vector] = fn
	t.descriptors[vector] = descriptor{
		handlerAddr: uint64(vector) + 1, // any non-zero placeholder address
		selector:    codeSelector,
		typeAttr:    gateType,
	}
	return nil
}

// Present reports whether vector has an installed, spec-valid descriptor.
func (t *Table) Present(vector int) bool {
	if vector < 0 || vector >= NumVectors {
		return false
	}
	return t.descriptors[vector].present()
}

// HaltSignal is returned by Raise when an unhandled CPU exception occurs;
// per spec.md §7 this is deliberately fatal because CPU state is assumed
// unrecoverable. The caller (cmd/kernelsim) decides what "halt" means in a
// hosted process.
type HaltSignal struct {
	Vector    int
	ErrorCode uint64
	RIP       uint64
}

func (h *HaltSignal) Error() string {
	return fmt.Sprintf("unhandled exception %d (error=0x%x rip=0x%x) — halting",
		h.Vector, h.ErrorCode, h.RIP)
}

// Raise is the hosted analogue of the CPU delivering vector (or of
// "int $vector" for the syscall gate). Dispatch is single-threaded: a
// nested Raise while one is already in flight is rejected, mirroring
// "interrupts disabled during a handler unless it re-enables them" — this
// simulation does not offer re-enabling, since nothing in this kernel's
// scope needs nested interrupt delivery.
func (t *Table) Raise(f *Frame) error {
	if t.dispatching {
		return fmt.Errorf("interrupt: nested dispatch of vector %d while vector busy", f.Vector)
	}
	t.dispatching = true
	defer func() { t.dispatching = false }()

	h := t.handlers[f.Vector]

	switch {
	case f.Vector <= ExceptionVectorMax:
		if h == nil {
			return &HaltSignal{Vector: f.Vector, ErrorCode: f.ErrorCode, RIP: f.RIP}
		}
		h(f)

	case f.Vector >= IRQVectorBase && f.Vector <= IRQVectorMax:
		if h != nil {
			h(f)
		}
		t.pic.EOI(f.Vector)

	default:
		if h != nil {
			h(f)
		} else {
			t.log.WithField("vector", f.Vector).Debug("no handler registered")
		}
	}
	return nil
}
