// Package header lays out the fixed common + queue header at the front
// of an arquebus segment and implements the init/validate handshake that
// lets a host, producer, and consumer agree the segment is ready without
// a rendezvous primitive.
//
// The layout is accessed by casting unsafe.Pointer at fixed byte offsets
// into the mapped segment, the same technique commonly used to lay
// io_uring's kernel-shared SQ/CQ ring structures over mmap'd memory: no
// Go struct is ever placed in the mapping itself, only raw offsets and
// pointer casts, so the layout is identical no matter what the Go
// compiler would otherwise choose for struct padding.
package header

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dl/arquebus-go/errs"
)

// CacheLineSize is the padding unit separating the header, write index,
// read index, and ring data. It is part of the on-disk layout and must be
// identical across every role built from this module.
const CacheLineSize = 64

// Field offsets within the common header (offset 0 of the segment).
const (
	offMagic          = 0  // uint64
	offQueueType      = 8  // atomic uint32
	offVersionMajor   = 12 // uint16
	offVersionMinor   = 14 // uint16
	offVersionPatch   = 16 // uint16
	offMsgSizeBytes   = 24 // uint64 (8-byte aligned after the version fields)
	offMaxProducers   = 32 // uint64
	offMaxConsumers   = 40 // uint64
	offRingSizeBytes  = 48 // uint64
	offMaxMessageSize = 56 // uint64

	commonHeaderSize = CacheLineSize // header occupies exactly one cache line
)

// Offsets of the two shared indices and the ring, each on its own cache
// line so producer and consumer traffic on one never invalidates the
// other's cache line.
const (
	offWriteIndex = CacheLineSize * 1
	offReadIndex  = CacheLineSize * 2
	offRingData   = CacheLineSize * 3
)

// HeaderSize is the number of bytes occupied by the header before ring
// data begins; callers size their segment as HeaderSize + ring bytes +
// Params.MaxMessageSize headroom.
const HeaderSize = offRingData

// Magic identifies this layout family. Arbitrary but fixed: the ASCII
// bytes "ARQB" followed by a layout-format byte, left-padded into a uint64.
const Magic uint64 = 0x4152514200000001

// Library semantic version recorded in the header at creation time.
const (
	VersionMajor uint16 = 0
	VersionMinor uint16 = 1
	VersionPatch uint16 = 0
)

// QueueType identifies the coordination protocol a segment was
// initialized for. Only SPSCVariableMessageLength is implemented; the
// other two values are reserved by the wire format for future
// multi-producer/multi-consumer variants (see spec.md non-goals).
type QueueType uint32

const (
	QueueTypeNone QueueType = iota
	QueueTypeSPSCVariableMessageLength
	QueueTypeSPMCVariableMessageLength // reserved, not implemented
	QueueTypeMPSCVariableMessageLength // reserved, not implemented
)

// Params are the compile-time-equivalent parameters every role must agree
// on before use. The host writes them at Initialize; producers and
// consumers check them at WaitAndValidate.
type Params struct {
	MessageSizeBytes uint64 // S: bytes per size prefix, one of {1,2,4,8}
	MaxProducers     uint64
	MaxConsumers     uint64
	RingSizeBytes    uint64 // 2^N

	// MaxMessageSize is the headroom, in bytes, mapped past the logical
	// 2^N ring. A frame's offset is always taken modulo the ring size,
	// but its payload slice is not re-wrapped at the ring boundary, so a
	// frame beginning near the end of the ring can run past it; the
	// mapped segment is physically RingSizeBytes+MaxMessageSize long so
	// that slice never exceeds the segment's capacity. It must be at
	// least as large as the largest single message any producer using
	// this segment will ever allocate.
	MaxMessageSize uint64
}

// Layout is a view over a mapped segment's bytes, providing typed access
// to the header fields and the two shared atomics.
type Layout struct {
	data []byte
}

// New wraps data, which must be at least HeaderSize+ringBytes long, as a
// Layout.
func New(data []byte) *Layout {
	return &Layout{data: data}
}

// Ring returns the ring data region following the header.
func (l *Layout) Ring() []byte { return l.data[offRingData:] }

func (l *Layout) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&l.data[off]))
}

func (l *Layout) u16(off int) *uint16 {
	return (*uint16)(unsafe.Pointer(&l.data[off]))
}

func (l *Layout) queueType() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&l.data[offQueueType]))
}

// WriteIndex returns the shared, cache-line-isolated write index atomic.
func (l *Layout) WriteIndex() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&l.data[offWriteIndex]))
}

// ReadIndex returns the shared, cache-line-isolated read index atomic.
func (l *Layout) ReadIndex() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&l.data[offReadIndex]))
}

// Initialize populates every header field, zeroes both indices, then
// stores the queue-type tag as SPSCVariableMessageLength with release
// ordering. That final store is the commit point: every field written
// before it is visible to any role that observes the new tag with an
// acquire load in WaitAndValidate. Initialize must be called exactly
// once, by the host, before any producer or consumer attaches.
func (l *Layout) Initialize(p Params) error {
	if got := l.queueType().Load(); got != uint32(QueueTypeNone) {
		return fmt.Errorf("header: initialize: already initialized (type=%d)", got)
	}

	*l.u64(offMagic) = Magic
	*l.u16(offVersionMajor) = VersionMajor
	*l.u16(offVersionMinor) = VersionMinor
	*l.u16(offVersionPatch) = VersionPatch
	*l.u64(offMsgSizeBytes) = p.MessageSizeBytes
	*l.u64(offMaxProducers) = p.MaxProducers
	*l.u64(offMaxConsumers) = p.MaxConsumers
	*l.u64(offRingSizeBytes) = p.RingSizeBytes
	*l.u64(offMaxMessageSize) = p.MaxMessageSize

	l.WriteIndex().Store(0)
	l.ReadIndex().Store(0)
	l.queueType().Store(uint32(QueueTypeSPSCVariableMessageLength))
	return nil
}

// WaitAndValidate acquire-loads the queue-type tag, sleeping pollInterval
// between retries while it is still QueueTypeNone, then verifies every
// field the host wrote matches want. Returns errs.ErrMismatchedLayout on
// any mismatch.
func WaitAndValidate(l *Layout, want Params, pollInterval time.Duration) error {
	for {
		if QueueType(l.queueType().Load()) != QueueTypeNone {
			break
		}
		time.Sleep(pollInterval)
	}

	qt := QueueType(l.queueType().Load())
	switch {
	case *l.u64(offMagic) != Magic:
		return fmt.Errorf("header: bad magic number: %w", errs.ErrMismatchedLayout)
	case qt != QueueTypeSPSCVariableMessageLength:
		return fmt.Errorf("header: unexpected queue type %d: %w", qt, errs.ErrMismatchedLayout)
	case *l.u64(offMsgSizeBytes) != want.MessageSizeBytes:
		return fmt.Errorf("header: message size prefix mismatch (have %d, want %d): %w",
			*l.u64(offMsgSizeBytes), want.MessageSizeBytes, errs.ErrMismatchedLayout)
	case *l.u64(offMaxProducers) != want.MaxProducers:
		return fmt.Errorf("header: max producers mismatch (have %d, want %d): %w",
			*l.u64(offMaxProducers), want.MaxProducers, errs.ErrMismatchedLayout)
	case *l.u64(offMaxConsumers) != want.MaxConsumers:
		return fmt.Errorf("header: max consumers mismatch (have %d, want %d): %w",
			*l.u64(offMaxConsumers), want.MaxConsumers, errs.ErrMismatchedLayout)
	case *l.u64(offRingSizeBytes) != want.RingSizeBytes:
		return fmt.Errorf("header: ring size mismatch (have %d, want %d): %w",
			*l.u64(offRingSizeBytes), want.RingSizeBytes, errs.ErrMismatchedLayout)
	case *l.u64(offMaxMessageSize) != want.MaxMessageSize:
		return fmt.Errorf("header: max message size mismatch (have %d, want %d): %w",
			*l.u64(offMaxMessageSize), want.MaxMessageSize, errs.ErrMismatchedLayout)
	}
	return nil
}
