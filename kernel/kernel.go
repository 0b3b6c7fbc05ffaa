// Package kernel is the composition root: it owns every singleton spec.md
// §2 and §9 describe (heap, interrupt table, ELF loaders, VFS, device
// manager, devfs, module manager, syscall gate) and wires them together in
// the order their cross-dependencies require. Grounded on the teacher's
// state/container.go + containerDB.go pattern of a single locked registry
// struct threaded through every service's Setup(...) call, and on
// cmd/sysbox-fs/main.go's service-construction sequence.
package kernel

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nbos-project/kernelcore/devmgr"
	"github.com/nbos-project/kernelcore/devmgr/devfs"
	"github.com/nbos-project/kernelcore/elfloader"
	"github.com/nbos-project/kernelcore/heap"
	"github.com/nbos-project/kernelcore/interrupt"
	"github.com/nbos-project/kernelcore/kmodule"
	"github.com/nbos-project/kernelcore/syscallgate"
	"github.com/nbos-project/kernelcore/vfs"
)

const (
	// HeapSize is the default arena size for Kernel.Init; callers embedding
	// kernelcore in a test harness may prefer NewWithHeapSize for a smaller
	// arena.
	HeapSize = 16 * 1024 * 1024

	// execBase and moduleBase partition the address space the two
	// elfloader.Loader instances reserve from, keeping ordinary executables
	// and kernel modules from ever colliding, matching the original's
	// separate static load addresses for the kernel image versus modules.
	execBase   = 0x00400000
	moduleBase = 0x10000000
)

// Kernel owns every process-wide singleton. Lock order across its
// sub-resources, when a future multi-threaded extension needs one, must
// follow spec.md §9's chain: interrupt-handler-array < syscall tables <
// device/driver registries < VFS < heap. Kernel itself only guards its own
// lifecycle state (initialized/shutdown), not the sub-resources. The VFS,
// device manager, devfs, module manager and syscall gate each own a lock;
// the heap, interrupt table and ELF loader have none.
type Kernel struct {
	mu          sync.Mutex
	initialized bool

	Heap        *heap.Heap
	Interrupts  *interrupt.Table
	ExecLoader  *elfloader.Loader
	ModLoader   *elfloader.Loader
	VFS         *vfs.VFS
	Devices     *devmgr.Manager
	Devfs       *devfs.FS
	Modules     *kmodule.Manager
	Syscalls    *syscallgate.Gate

	log *logrus.Entry
}

// New constructs a Kernel with the default heap size. Init must be called
// before use.
func New() *Kernel {
	return NewWithHeapSize(HeapSize)
}

// NewWithHeapSize lets callers (notably tests) pick a smaller arena.
func NewWithHeapSize(heapSize int) *Kernel {
	return &Kernel{
		Heap: heap.New(heapSize),
		log:  logrus.WithField("component", "kernel"),
	}
}

// Init wires every subsystem together: interrupt table first (nothing else
// depends on it being populated yet), then the syscall gate bound to the
// heap, then the two ELF loaders, then the VFS/devmgr/devfs triple, then
// the module manager, and finally registers the syscall gate against the
// interrupt table's software interrupt vector. This mirrors
// cmd/sysbox-fs/main.go's "construct every service, then Setup them against
// each other" sequence.
func (k *Kernel) Init() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.initialized {
		return fmt.Errorf("kernel: already initialized")
	}

	k.Interrupts = interrupt.New()
	k.Syscalls = syscallgate.New(k.Heap)
	k.ExecLoader = elfloader.NewLoader(execBase)
	k.ModLoader = elfloader.NewLoader(moduleBase)

	k.VFS = vfs.New()
	k.Devices = devmgr.New()
	k.Devfs = devfs.New(k.Devices)
	if err := k.VFS.RegisterFilesystem(k.Devfs); err != nil {
		return fmt.Errorf("kernel: registering devfs: %w", err)
	}
	if err := k.VFS.Mkdir("/dev", 0755); err != nil {
		return fmt.Errorf("kernel: creating /dev: %w", err)
	}
	if err := k.VFS.Mount("none", "/dev", "devfs", 0, ""); err != nil {
		return fmt.Errorf("kernel: mounting devfs: %w", err)
	}

	k.Modules = kmodule.New(k.ModLoader)
	k.registerBuiltinSymbols()

	if err := k.Interrupts.RegisterHandler(interrupt.SyscallVector, func(f *interrupt.Frame) {
		k.Syscalls.Dispatch(f)
	}); err != nil {
		return fmt.Errorf("kernel: registering syscall vector: %w", err)
	}

	k.initialized = true
	k.log.Info("kernel initialized")
	return nil
}

// registerBuiltinSymbols exposes the handful of kernel entry points a
// module is expected to be able to call, matching module.c's static
// builtin_symbols[] table — here populated with the heap primitives, since
// those are the only kernel services with a stable Go-callable address
// analogue (an EntryFunc registered against the module loader's address
// space rather than an exported symbol of this package).
func (k *Kernel) registerBuiltinSymbols() {
	// Real module code cannot call back into Go directly; a hosted module
	// wanting kmalloc/kfree registers its own EntryFunc at these synthetic
	// addresses and the loader's relocations point at them. The addresses
	// here are placeholders reserved in the module loader's address space,
	// analogous to how a linker script fixes builtin symbol addresses.
	const (
		kmallocAddr = moduleBase - 0x1000
		kfreeAddr   = moduleBase - 0x0ff0
	)
	k.Modules.RegisterBuiltinSymbol("kmalloc", kmallocAddr)
	k.Modules.RegisterBuiltinSymbol("kfree", kfreeAddr)
}

// Shutdown tears the kernel down, releasing heap-owned module images so a
// fresh Init can run cleanly. Order is the reverse of Init's dependency
// chain.
func (k *Kernel) Shutdown() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.initialized {
		return fmt.Errorf("kernel: not initialized")
	}
	for _, mod := range k.Modules.Modules() {
		if err := k.Modules.Unload(mod.Name); err != nil {
			k.log.WithError(err).WithField("module", mod.Name).Warn("shutdown: module did not unload cleanly")
		}
	}
	k.initialized = false
	k.log.Info("kernel shut down")
	return nil
}
