// Package producer implements the write side of an arquebus SPSC
// variable-length queue: batched write-space reservation, frame
// assembly, skip-marker wrap handling, and the write-index/read-index
// publish protocol described in spec.md §4.E.
package producer

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dl/arquebus-go/bufsize"
	"github.com/dl/arquebus-go/errs"
	"github.com/dl/arquebus-go/internal/header"
	"github.com/dl/arquebus-go/internal/shm"
)

// handshakePollInterval is how long attach sleeps between polls of the
// queue-type tag while waiting for the host to finish initializing.
const handshakePollInterval = time.Millisecond

// Config describes one producer's view of a queue. Name, Size, and
// MessageSizeBytes must match what the host initialized the segment
// with, or Attach fails with errs.ErrMismatchedLayout.
type Config struct {
	Name string
	Size bufsize.Size

	// MessageSizeBytes is S, the width of each frame's size prefix.
	// Must be one of 1, 2, 4, 8.
	MessageSizeBytes uint64

	// BatchReserve is the number of bytes this producer grabs from the
	// shared write index per round trip, amortizing the atomic store
	// and cross-core cache-line invalidation across many small messages.
	// Must be strictly less than the ring size minus one size prefix, so
	// a single reservation can never exceed the ring's capacity.
	BatchReserve uint64

	// MaxMessageSize is the largest single message payload this producer
	// will ever pass to AllocateWrite. A frame can begin near the end of
	// the logical ring and its payload slice is not re-wrapped at the
	// boundary, so the segment is physically mapped with MaxMessageSize
	// bytes of headroom past the ring to absorb that straddle; every
	// role attaching to the queue must agree on this value (checked at
	// Attach against the host's header, like MessageSizeBytes).
	MaxMessageSize uint64

	Logger *log.Logger
}

// Validate checks Config for internal consistency.
//
// AllocateWrite's own precondition (the payload size n must be strictly
// less than BatchReserve, matching the original implementation's
// documented restriction) bounds the worst-case straddle past the ring
// boundary to under BatchReserve bytes. Validate requires MaxMessageSize
// to be at least that large so the segment's mapped headroom always
// covers it.
//
// spec.md §9 additionally recommends, as a documented restriction rather
// than an enforced one, that callers keep BatchReserve + MaxMessageSize + S
// at or below the ring size: the consumer's overrun
// check compares generations before offsets, which only stays correct if
// the producer cannot advance more than one generation between two
// consumer polls.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("producer: %w: name is empty", errs.ErrInvalidConfig)
	}
	switch c.MessageSizeBytes {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("producer: %w: MessageSizeBytes must be 1, 2, 4, or 8, got %d",
			errs.ErrInvalidConfig, c.MessageSizeBytes)
	}
	if c.BatchReserve == 0 {
		return fmt.Errorf("producer: %w: BatchReserve must be > 0", errs.ErrInvalidConfig)
	}
	if c.BatchReserve >= c.Size.Bytes()-c.MessageSizeBytes {
		return fmt.Errorf("producer: %w: BatchReserve(%d) must be less than ring size(%d) minus S(%d)",
			errs.ErrInvalidConfig, c.BatchReserve, c.Size.Bytes(), c.MessageSizeBytes)
	}
	if c.MaxMessageSize < c.BatchReserve {
		return fmt.Errorf("producer: %w: MaxMessageSize(%d) must be >= BatchReserve(%d)",
			errs.ErrInvalidConfig, c.MaxMessageSize, c.BatchReserve)
	}
	return nil
}

func (c Config) params() header.Params {
	return header.Params{
		MessageSizeBytes: c.MessageSizeBytes,
		MaxProducers:     1,
		MaxConsumers:     1,
		RingSizeBytes:    c.Size.Bytes(),
		MaxMessageSize:   c.MaxMessageSize,
	}
}

func (c Config) segmentSize() int {
	return header.HeaderSize + int(c.Size.Bytes()) + int(c.MaxMessageSize)
}

// Producer is the write side of a queue. A Producer is not safe for
// concurrent use by more than one goroutine, matching the spec's single-
// producer contract.
type Producer struct {
	cfg    Config
	logger *log.Logger

	seg    *shm.Segment
	layout *header.Layout
	ring   []byte

	// cachedWriteIndex is the value most recently published to the
	// shared write index. Starts at S, reserving the first prefix slot.
	cachedWriteIndex uint64

	// allocatedIndex is this producer's private cursor of bytes already
	// framed locally but not yet committed via flush. Starts at S.
	allocatedIndex uint64
}

// New validates cfg and returns an unattached Producer.
func New(cfg Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := cfg.MessageSizeBytes
	return &Producer{
		cfg:              cfg,
		logger:           logger,
		cachedWriteIndex: s,
		allocatedIndex:   s,
	}, nil
}

// Attach maps the segment, waits for and validates the host's header,
// then publishes this producer's initial write-index reservation.
func (p *Producer) Attach() error {
	seg, err := shm.Attach(p.cfg.Name, p.cfg.segmentSize())
	if err != nil {
		return fmt.Errorf("producer: attach: %w", err)
	}

	layout := header.New(seg.Data())
	if err := header.WaitAndValidate(layout, p.cfg.params(), handshakePollInterval); err != nil {
		seg.Close()
		return fmt.Errorf("producer: attach: %w", err)
	}

	p.seg = seg
	p.layout = layout
	p.ring = layout.Ring()
	p.layout.WriteIndex().Store(p.cachedWriteIndex)

	p.logger.Debug("producer attached", "name", p.cfg.Name, "ring_bytes", p.cfg.Size.Bytes())
	return nil
}

// Close unmaps the producer's view of the segment. It does not unlink the
// name — only the host owns that.
func (p *Producer) Close() error {
	if p.seg == nil {
		return nil
	}
	return p.seg.Close()
}

// AllocateWrite returns a writable region of exactly n bytes for the
// caller to fill with one message's payload.
//
// Precondition: 0 < n < BatchReserve. Violating this is a programming
// contract error (spec.md §7 class 3, undefined behavior); AllocateWrite
// does not check it on this hot path.
func (p *Producer) AllocateWrite(n uint64) []byte {
	s := p.cfg.MessageSizeBytes
	need := n + s

	if p.cachedWriteIndex-p.allocatedIndex < need {
		p.reserve(need)
	}

	off := p.cfg.Size.Offset(p.allocatedIndex)
	p.writePrefix(off-s, n)
	p.allocatedIndex += need

	return p.ring[off : off+n]
}

// reserve grows the committed window so the next allocation fits,
// inserting a skip marker and jumping to ring offset 0 if the next frame
// would otherwise straddle the ring's end.
func (p *Producer) reserve(need uint64) {
	s := p.cfg.MessageSizeBytes
	p.cachedWriteIndex += p.cfg.BatchReserve + s

	offAllocated := p.cfg.Size.Offset(p.allocatedIndex - s)
	offNext := p.cfg.Size.Offset(p.allocatedIndex + need)

	if offNext < offAllocated {
		// The next allocation would wrap mid-frame. Mark the remainder of
		// the ring as skippable and jump the cursor to offset 0, leaving
		// room for the next frame's prefix there.
		p.writePrefix(offAllocated, 0)

		wrapCount := p.cfg.Size.DistanceToWrap(p.allocatedIndex) + s
		p.allocatedIndex += wrapCount
		p.cachedWriteIndex += wrapCount
	}

	p.layout.WriteIndex().Store(p.cachedWriteIndex)
}

// Flush publishes every message framed since the last flush to the
// consumer by release-storing the release frontier (the read index) up
// to, but excluding, the pre-reserved next size-prefix slot. Flush is
// wait-free, cannot fail, and does not block. Calling it twice with no
// intervening allocation is a no-op.
func (p *Producer) Flush() {
	p.layout.ReadIndex().Store(p.allocatedIndex - p.cfg.MessageSizeBytes)
}

func (p *Producer) writePrefix(off uint64, n uint64) {
	buf := p.ring[off : off+p.cfg.MessageSizeBytes]
	switch p.cfg.MessageSizeBytes {
	case 1:
		buf[0] = byte(n)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(n))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(n))
	case 8:
		binary.LittleEndian.PutUint64(buf, n)
	}
}
