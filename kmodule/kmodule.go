// Package kmodule loads, initializes, and unloads kernel modules: ELF
// relocatable objects exporting module_init/module_cleanup, grounded on
// original_source/src/kernel/module.c/module.h. Symbol resolution order
// (built-in table -> late-registered table -> running modules) is
// implemented via an immutable radix tree for the first two tiers, the
// same tree go-immutable-radix gives devfs's name index.
package kmodule

import (
	"errors"
	"fmt"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/nbos-project/kernelcore/elfloader"
)

// State mirrors MODULE_STATE_*.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "unloaded"
	}
}

// Flags mirror MODULE_FLAG_*.
const (
	FlagBuiltin   = 0x01
	FlagEssential = 0x02
	FlagAutoload  = 0x04
)

const maxModuleDeps = 16

var (
	ErrAlreadyLoaded = errors.New("kmodule: already loaded")
	ErrNotFound      = errors.New("kmodule: module not found")
	ErrEssential     = errors.New("kmodule: cannot unload essential module")
	ErrInUse         = errors.New("kmodule: module in use")
	ErrHasDependents = errors.New("kmodule: other modules depend on this one")
	ErrInitFailed    = errors.New("kmodule: module init failed")
	ErrTooManyDeps   = errors.New("kmodule: too many dependencies")
)

// Info is a module's self-description, analogous to ModuleInfo — found by
// looking up the "module_info" symbol (Go modules register it explicitly
// via Manager.Load's info parameter instead of reading it out of static
// data, since there is no literal struct layout to reinterpret-cast).
type Info struct {
	Name        string
	Description string
	Author      string
	Version     string
	License     string
	Depends     []string
}

// Module is one loaded kernel module.
type Module struct {
	Name  string
	State State
	Flags uint32

	Image *elfloader.Image
	Info  *Info

	RefCount int

	Deps  []*Module
	Users []*Module
}

// Manager owns the loaded-module list and the kernel symbol table,
// matching the global state in module.c.
type Manager struct {
	mu sync.Mutex

	modules []*Module

	builtin *iradix.Tree // name -> uint64 address
	late    *iradix.Tree // name -> uint64 address
	loader  *elfloader.Loader

	log *logrus.Entry
}

// New constructs a module manager. loader is the elfloader.Loader used to
// load each module's ELF image; it should own an address range distinct
// from whatever loader handles ordinary executables.
func New(loader *elfloader.Loader) *Manager {
	return &Manager{
		builtin: iradix.New(),
		late:    iradix.New(),
		loader:  loader,
		log:     logrus.WithField("component", "kmodule"),
	}
}

// RegisterBuiltinSymbol exports a kernel function for modules to call,
// matching the static builtin_symbols[] table.
func (m *Manager) RegisterBuiltinSymbol(name string, addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builtin, _, _ = m.builtin.Insert([]byte(name), addr)
}

// RegisterSymbols adds a batch of late-bound symbols, matching
// module_register_symbols.
func (m *Manager) RegisterSymbols(symbols map[string]uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, addr := range symbols {
		m.late, _, _ = m.late.Insert([]byte(name), addr)
	}
}

// ResolveSymbol implements elfloader.SymbolResolver: built-in table, then
// the late table, then every running module's own symbol table, matching
// kernel_symbol_lookup's three-tier search order.
func (m *Manager) ResolveSymbol(name string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(name)
}

func (m *Manager) resolveLocked(name string) (uint64, bool) {
	if v, ok := m.builtin.Get([]byte(name)); ok {
		return v.(uint64), true
	}
	if v, ok := m.late.Get([]byte(name)); ok {
		return v.(uint64), true
	}
	for _, mod := range m.modules {
		if mod.State != StateRunning {
			continue
		}
		if addr, ok := mod.Image.FindSymbol(name); ok {
			return addr, true
		}
	}
	return 0, false
}

// FindSymbol is module_find_symbol's Go name.
func (m *Manager) FindSymbol(name string) (uint64, bool) {
	return m.ResolveSymbol(name)
}

// Symbols returns every built-in and late-registered symbol as a map from
// name to address; the map carries no order, so callers that list it sort
// the names themselves. Built-in entries win on name collision since
// resolution checks the built-in table first.
func (m *Manager) Symbols() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64)
	m.builtin.Root().Walk(func(k []byte, v interface{}) bool {
		out[string(k)] = v.(uint64)
		return false
	})
	m.late.Root().Walk(func(k []byte, v interface{}) bool {
		if _, ok := out[string(k)]; !ok {
			out[string(k)] = v.(uint64)
		}
		return false
	})
	return out
}

// Find matches module_find.
func (m *Manager) Find(name string) *Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mod := range m.modules {
		if mod.Name == name {
			return mod
		}
	}
	return nil
}

// Modules returns a snapshot of the loaded-module list.
func (m *Manager) Modules() []*Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Module, len(m.modules))
	copy(out, m.modules)
	return out
}

// Load validates, relocates, and initializes a module from an ELF
// relocatable object, matching module_load. depNames names modules this
// one depends on (already-loaded modules, looked up by name); info
// carries the module's self-description (see Info's doc comment for why
// Go modules pass this explicitly rather than the symbol-table trick the
// original uses).
func (m *Manager) Load(name string, data []byte, info *Info, depNames []string) (*Module, error) {
	m.mu.Lock()
	for _, mod := range m.modules {
		if mod.Name == name {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrAlreadyLoaded, name)
		}
	}
	if len(depNames) > maxModuleDeps {
		m.mu.Unlock()
		return nil, ErrTooManyDeps
	}

	var deps []*Module
	for _, dn := range depNames {
		var dep *Module
		for _, mod := range m.modules {
			if mod.Name == dn {
				dep = mod
				break
			}
		}
		if dep == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("kmodule: %w: dependency %q not loaded", ErrNotFound, dn)
		}
		deps = append(deps, dep)
	}
	m.mu.Unlock()

	if status, err := elfloader.Validate(data); err != nil || status != elfloader.StatusOK {
		return nil, fmt.Errorf("kmodule: invalid module %q: %w", name, err)
	}

	mod := &Module{Name: name, State: StateLoading, Flags: 0, RefCount: 1, Info: info}

	img, err := m.loader.LoadModule(name, data, m)
	if err != nil {
		return nil, fmt.Errorf("kmodule: %w", err)
	}
	mod.Image = img
	mod.Deps = deps

	m.mu.Lock()
	m.modules = append([]*Module{mod}, m.modules...)
	m.mu.Unlock()

	if img.HasInit {
		rc, err := m.loader.ExecuteAt(img, img.InitAddr)
		if err != nil {
			// No callable registered for module_init: treat the module as
			// loaded-but-passive rather than failing the load outright.
			m.log.WithError(err).WithField("module", name).Debug("module_init not callable")
		} else if rc != 0 {
			mod.State = StateError
			return mod, fmt.Errorf("%w: %q", ErrInitFailed, name)
		}
	}

	mod.State = StateRunning
	for _, dep := range deps {
		dep.Users = append(dep.Users, mod)
	}

	m.log.WithField("module", name).Info("module loaded")
	return mod, nil
}

// Unload tears down a running module, matching module_unload's ordered
// checks: essential flag, refcount, dependents, then cleanup + dependency
// bookkeeping.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	mod := (*Module)(nil)
	idx := -1
	for i, mm := range m.modules {
		if mm.Name == name {
			mod = mm
			idx = i
			break
		}
	}
	if mod == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if mod.Flags&FlagEssential != 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrEssential, name)
	}
	if mod.RefCount > 1 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrInUse, name)
	}
	if len(mod.Users) > 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrHasDependents, name)
	}
	m.mu.Unlock()

	if mod.Image.HasCleanup {
		if _, err := m.loader.ExecuteAt(mod.Image, mod.Image.CleanupAddr); err != nil {
			m.log.WithError(err).WithField("module", name).Debug("module_cleanup not callable")
		}
	}

	for _, dep := range mod.Deps {
		for i, u := range dep.Users {
			if u == mod {
				dep.Users = append(dep.Users[:i], dep.Users[i+1:]...)
				break
			}
		}
		if dep.RefCount > 0 {
			dep.RefCount--
		}
	}

	m.mu.Lock()
	m.modules = append(m.modules[:idx], m.modules[idx+1:]...)
	m.mu.Unlock()

	m.loader.Unload(mod.Image)
	m.log.WithField("module", name).Info("module unloaded")
	return nil
}

// Ref/Unref match module_ref/module_unref.
func (mod *Module) Ref() {
	mod.RefCount++
}

func (mod *Module) Unref() {
	if mod.RefCount > 0 {
		mod.RefCount--
	}
}
