// Package shm implements the named POSIX shared-memory segment handle
// that every arquebus role maps its queue header and ring onto. Linux's
// shm_open objects live on a tmpfs mounted at /dev/shm — glibc's own
// shm_open is implemented exactly this way — so this package talks to
// that path directly with golang.org/x/sys/unix rather than depending on
// a shm_open cgo binding.
package shm

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/dl/arquebus-go/errs"
)

// Prefix namespaces every shared-memory object this library creates,
// matching the on-disk layout contract in the spec.
const Prefix = "/arquebus_"

// nameMax mirrors NAME_MAX on Linux. golang.org/x/sys/unix does not
// export the constant, so it is pinned here as the standard value.
const nameMax = 255

const shmDir = "/dev/shm"

// Segment is a mapped, named shared-memory object. The process that
// called Create is the unlink owner: its Close removes the name from
// /dev/shm once unmapped. A Segment obtained via Attach only unmaps.
type Segment struct {
	name  string
	size  int
	data  []byte
	owner bool
}

func objectName(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("shm: %w", errs.ErrInvalidName)
	}
	full := Prefix + name
	if len(full) > nameMax {
		return "", fmt.Errorf("shm: %w", errs.ErrInvalidName)
	}
	return full, nil
}

func shmPath(name string) (string, error) {
	full, err := objectName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(shmDir, strings.TrimPrefix(full, "/")), nil
}

// Create opens a new named segment with create-exclusive semantics,
// truncates it to size bytes, and maps it read-write shared. The caller
// becomes the unlink owner.
func Create(name string, size int) (*Segment, error) {
	path, err := shmPath(name)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		if err == unix.EEXIST {
			return nil, fmt.Errorf("shm: create %q: %w", name, errs.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("shm: create %q: %w", name, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, fmt.Errorf("shm: ftruncate %q: %w", name, err)
	}

	data, err := mapAndClose(fd, size, name)
	if err != nil {
		unix.Unlink(path)
		return nil, err
	}

	return &Segment{name: name, size: size, data: data, owner: true}, nil
}

// Attach opens an existing named segment for read-write and maps it at
// size bytes. It fails with ErrNotFound if the segment does not exist.
// The returned Segment is not an unlink owner.
func Attach(name string, size int) (*Segment, error) {
	path, err := shmPath(name)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, fmt.Errorf("shm: attach %q: %w", name, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("shm: attach %q: %w", name, err)
	}

	data, err := mapAndClose(fd, size, name)
	if err != nil {
		return nil, err
	}

	return &Segment{name: name, size: size, data: data}, nil
}

// mapAndClose maps fd read-write shared at size bytes, then closes fd —
// the mapping survives the descriptor close, so the fd need not be kept
// open for the mapping's lifetime.
func mapAndClose(fd int, size int, name string) ([]byte, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	unix.Close(fd)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %q: %w", name, errs.ErrMapFailed)
	}
	return data, nil
}

// DeleteExisting unconditionally unlinks name, ignoring a not-found
// result. Used only by the host's explicit recreate path.
func DeleteExisting(name string) error {
	path, err := shmPath(name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return fmt.Errorf("shm: unlink %q: %w", name, err)
	}
	return nil
}

// Data returns the mapped segment bytes.
func (s *Segment) Data() []byte { return s.data }

// Close unmaps the segment and, if this handle is the unlink owner,
// removes the name from /dev/shm. Idempotent; never fails observably.
func (s *Segment) Close() error {
	if s.data != nil {
		unix.Munmap(s.data)
		s.data = nil
	}
	if s.owner {
		path, err := shmPath(s.name)
		if err == nil {
			unix.Unlink(path)
		}
		s.owner = false
	}
	return nil
}
