package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"syscall"
)

var (
	// ErrNotFound is returned when an entry is absent from a container.
	ErrNotFound = errors.New("entry not found")

	// ErrCorruptArchive is returned when a container cannot be parsed or an
	// entry fails to decompress.
	ErrCorruptArchive = errors.New("corrupt archive")

	// ErrIO wraps operating-system failures reading a container.
	ErrIO = errors.New("archive i/o error")

	// ErrUnsupportedFormat is returned for paths that are not a known container.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrLockFailure is returned when an operation panicked while holding an
	// internal lock. Only that operation fails.
	ErrLockFailure = errors.New("internal lock failure")
)

// EntryError names the container and entry an error refers to.
type EntryError struct {
	Container string
	Entry     string
	Err       error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s: %q in %s", e.Err, e.Entry, e.Container)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

func notFound(container, entry string) error {
	return &EntryError{Container: container, Entry: entry, Err: ErrNotFound}
}

// classify maps a raw error from a format reader onto the package taxonomy.
// Context errors pass through untouched so callers can tell cancellation apart.
func classify(container string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCorruptArchive), errors.Is(err, ErrIO):
		return err
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %w", ErrIO, container, err)
	}

	var pathErr *fs.PathError
	var errno syscall.Errno
	if errors.As(err, &pathErr) || errors.As(err, &errno) {
		return fmt.Errorf("%w: %s: %w", ErrIO, container, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: truncated: %w", ErrCorruptArchive, container, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrCorruptArchive, container, err)
}

// guard converts a panic inside fn into ErrLockFailure.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrLockFailure, op, r)
		}
	}()
	return fn()
}
