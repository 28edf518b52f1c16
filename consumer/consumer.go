// Package consumer implements the read side of an arquebus SPSC
// variable-length queue: read-index tracking, frame decode, skip-marker
// wrap handling, and overrun detection, per spec.md §4.F.
package consumer

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

const handshakePollInterval = time.Millisecond

// Config describes one consumer's view of a queue. Name, Size, and
// MessageSizeBytes must match what the host initialized the segment
// with, or Attach fails with errs.ErrMismatchedLayout.
type Config struct {
	Name             string
	Size             bufsize.Size
	MessageSizeBytes uint64

	// MaxMessageSize must match the value the producer and host for this
	// queue were configured with: it sizes the headroom mapped past the
	// logical ring that absorbs a frame straddling the ring boundary.
	// See producer.Config.MaxMessageSize.
	MaxMessageSize uint64

	Logger *log.Logger
}

// Validate checks Config for internal consistency.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("consumer: %w: name is empty", errs.ErrInvalidConfig)
	}
	switch c.MessageSizeBytes {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("consumer: %w: MessageSizeBytes must be 1, 2, 4, or 8, got %d",
			errs.ErrInvalidConfig, c.MessageSizeBytes)
	}
	if c.MaxMessageSize == 0 {
		return fmt.Errorf("consumer: %w: MaxMessageSize must be > 0", errs.ErrInvalidConfig)
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

// Consumer is the read side of a queue. A Consumer is not safe for
// concurrent use by more than one goroutine, matching the spec's single-
// consumer contract. After Read returns errs.ErrOverrun the Consumer is
// unusable and must be rebuilt.
type Consumer struct {
	cfg    Config
	logger *log.Logger

	seg    *shm.Segment
	layout *header.Layout
	ring   []byte

	// cachedWriteIndex is a snapshot of the producer's reservation
	// frontier, used only for overrun detection.
	cachedWriteIndex uint64
	// cachedReadIndex is a snapshot of the producer's release frontier.
	cachedReadIndex uint64
	// readIndex is this consumer's private cursor of bytes already
	// delivered to callers.
	readIndex uint64

	overrun bool
}

// New validates cfg and returns an unattached Consumer.
func New(cfg Config) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Consumer{cfg: cfg, logger: logger}, nil
}

// Attach maps the segment, waits for and validates the host's header,
// then snapshots both shared indices. This lets a consumer join a queue
// already in flight: it begins reading from wherever the producer has
// currently released, not from byte 0 (spec.md §4.F, scenario 5).
func (c *Consumer) Attach() error {
	seg, err := shm.Attach(c.cfg.Name, c.cfg.segmentSize())
	if err != nil {
		return fmt.Errorf("consumer: attach: %w", err)
	}

	layout := header.New(seg.Data())
	if err := header.WaitAndValidate(layout, c.cfg.params(), handshakePollInterval); err != nil {
		seg.Close()
		return fmt.Errorf("consumer: attach: %w", err)
	}

	c.seg = seg
	c.layout = layout
	c.ring = layout.Ring()
	c.cachedWriteIndex = layout.WriteIndex().Load()
	c.cachedReadIndex = layout.ReadIndex().Load()
	c.readIndex = c.cachedReadIndex

	c.logger.Debug("consumer attached", "name", c.cfg.Name, "start_index", c.readIndex)
	return nil
}

// Close unmaps the consumer's view of the segment. It does not unlink the
// name — only the host owns that.
func (c *Consumer) Close() error {
	if c.seg == nil {
		return nil
	}
	return c.seg.Close()
}

// Read is non-blocking. It returns the next message's payload bytes and
// ok=true, or ok=false if no message is currently available. The returned
// slice is a view into the ring and is valid only until the next call to
// Read on the same Consumer; callers that need to retain it must copy.
//
// Read fails with errs.ErrOverrun if the producer has lapped this
// consumer's read cursor. After that, the Consumer must be discarded.
func (c *Consumer) Read() (msg []byte, ok bool, err error) {
	if c.overrun {
		return nil, false, fmt.Errorf("consumer: %w", errs.ErrOverrun)
	}

	if c.readIndex >= c.cachedReadIndex {
		if err := c.refresh(); err != nil {
			c.overrun = true
			return nil, false, err
		}
		if c.readIndex >= c.cachedReadIndex {
			return nil, false, nil
		}
	}

	return c.decode(), true, nil
}

// decode reads one frame starting at readIndex, following a skip marker
// if present, and advances readIndex past it.
func (c *Consumer) decode() []byte {
	s := c.cfg.MessageSizeBytes
	off := c.cfg.Size.Offset(c.readIndex)
	size := c.readPrefix(off)

	if size == 0 {
		// Skip marker: jump to the next generation at offset 0. The
		// prefix there is guaranteed valid because the producer only
		// emits a skip marker after publishing a write index that covers
		// the wrap and at least the next real frame's prefix.
		c.readIndex += c.cfg.Size.DistanceToWrap(c.readIndex)
		off = c.cfg.Size.Offset(c.readIndex)
		size = c.readPrefix(off)
	}

	payloadOff := off + s
	c.readIndex += size + s
	return c.ring[payloadOff : payloadOff+size]
}

// refresh acquire-loads the shared write index, checks for overrun, then
// acquire-loads the shared read index.
func (c *Consumer) refresh() error {
	c.cachedWriteIndex = c.layout.WriteIndex().Load()

	readGen := c.cfg.Size.Generation(c.readIndex)
	writeGen := c.cfg.Size.Generation(c.cachedWriteIndex)

	// Generation-first check is deliberate: during the first lap,
	// generations are equal and this cheap comparison short-circuits
	// without needing the offset comparison at all.
	if writeGen > readGen {
		writeOff := c.cfg.Size.Offset(c.cachedWriteIndex)
		readOff := c.cfg.Size.Offset(c.readIndex)
		if writeOff > readOff {
			c.logger.Warn("overrun detected", "name", c.cfg.Name,
				"read_index", c.readIndex, "write_index", c.cachedWriteIndex)
			return fmt.Errorf("consumer: %w", errs.ErrOverrun)
		}
	}

	c.cachedReadIndex = c.layout.ReadIndex().Load()
	return nil
}

func (c *Consumer) readPrefix(off uint64) uint64 {
	buf := c.ring[off : off+c.cfg.MessageSizeBytes]
	switch c.cfg.MessageSizeBytes {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	}
	panic("consumer: unreachable: invalid MessageSizeBytes")
}
