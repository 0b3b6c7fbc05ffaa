package vfs

import "errors"

var (
	ErrNotFound      = errors.New("vfs: no such file or directory")
	ErrAlreadyExists = errors.New("vfs: file exists")
	ErrNotDir        = errors.New("vfs: not a directory")
	ErrIsDir         = errors.New("vfs: is a directory")
	ErrNotSupported  = errors.New("vfs: operation not supported")
	ErrNotEmpty      = errors.New("vfs: directory not empty")
	ErrBusy          = errors.New("vfs: mount point busy")
	ErrInvalidPath   = errors.New("vfs: invalid path")
	ErrTooManyOpen   = errors.New("vfs: too many open files")
	ErrBadFD         = errors.New("vfs: bad file descriptor")
	ErrNoFilesystem  = errors.New("vfs: unknown filesystem type")
)
