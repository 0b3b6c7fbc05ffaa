// Package bootfs stands in for the out-of-scope stage-2 FAT12 boot-disk
// reader: a source of ELF bytes for executables and kernel modules, backed
// by afero.Fs so the same code path serves a real on-disk boot image and
// an in-memory fixture built by tests. Grounded on sysio/ionodeFile.go's
// ioFileService, which picks afero.NewOsFs or afero.NewMemMapFs behind one
// interface.
package bootfs

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// BootFS reads named images (kernel, shell, modules) out of a backing
// afero.Fs, keyed by a flat name the way the original's FAT12 root
// directory exposes only a flat 8.3 filename space.
type BootFS struct {
	fs   afero.Fs
	root string
}

// NewOS opens a BootFS rooted at a real directory on the host, standing in
// for the boot disk's root directory.
func NewOS(root string) *BootFS {
	return &BootFS{fs: afero.NewOsFs(), root: root}
}

// NewMem builds an in-memory BootFS, used by tests and by callers that
// stage images programmatically instead of reading a real disk.
func NewMem() *BootFS {
	return &BootFS{fs: afero.NewMemMapFs(), root: "/"}
}

func (b *BootFS) path(name string) string {
	if b.root == "" || b.root == "/" {
		return "/" + name
	}
	return b.root + "/" + name
}

// Stage writes image bytes under name, used by tests (and, on a real boot
// disk, by whatever external tool built the image) to populate a BootFS.
func (b *BootFS) Stage(name string, data []byte) error {
	return afero.WriteFile(b.fs, b.path(name), data, 0644)
}

// Load reads the named image's full contents, matching the original's
// "read a whole file by cluster chain into a fixed buffer" contract
// collapsed onto an ordinary byte slice.
func (b *BootFS) Load(name string) ([]byte, error) {
	data, err := afero.ReadFile(b.fs, b.path(name))
	if err != nil {
		return nil, fmt.Errorf("bootfs: %w", err)
	}
	return data, nil
}

// Exists reports whether name is present, matching a directory-entry
// lookup that doesn't read the file's data.
func (b *BootFS) Exists(name string) bool {
	_, err := b.fs.Stat(b.path(name))
	return err == nil
}

// List enumerates every staged image name, analogous to walking the FAT12
// root directory's entries.
func (b *BootFS) List() ([]string, error) {
	entries, err := afero.ReadDir(b.fs, b.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bootfs: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
