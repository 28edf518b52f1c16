// Package host implements the segment lifecycle owner of an arquebus
// queue: it creates and sizes the shared-memory segment, constructs the
// header, and publishes the queue-type tag that lets producers and
// consumers proceed. Per spec.md §4.D, the host never reads or writes the
// ring or the indices after initialization — it only holds the segment
// alive until Close.
package host

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/dl/arquebus-go/bufsize"
	"github.com/dl/arquebus-go/errs"
	"github.com/dl/arquebus-go/internal/header"
	"github.com/dl/arquebus-go/internal/shm"
)

// Config describes the queue a host creates.
type Config struct {
	Name string
	Size bufsize.Size

	// MessageSizeBytes is S, the width of each frame's size prefix.
	// Must be one of 1, 2, 4, 8.
	MessageSizeBytes uint64

	// MaxMessageSize is the largest single message payload any producer
	// will ever allocate on this queue. It is mapped as headroom past the
	// logical ring (see header.Params.MaxMessageSize) so that a frame
	// beginning near the end of the ring can never slice past the
	// segment's physical capacity. Every role attaching to this queue
	// must agree on the same value, or Attach fails with
	// errs.ErrMismatchedLayout.
	MaxMessageSize uint64

	Logger *log.Logger
}

// Validate checks Config for internal consistency.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("host: %w: name is empty", errs.ErrInvalidConfig)
	}
	switch c.MessageSizeBytes {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("host: %w: MessageSizeBytes must be 1, 2, 4, or 8, got %d",
			errs.ErrInvalidConfig, c.MessageSizeBytes)
	}
	if c.MaxMessageSize == 0 {
		return fmt.Errorf("host: %w: MaxMessageSize must be > 0", errs.ErrInvalidConfig)
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

// Host owns a queue's shared-memory segment for the duration of its
// lifetime. Exactly one host at a time may exist for a given name; a
// second Create for the same name fails with errs.ErrAlreadyExists.
type Host struct {
	cfg    Config
	logger *log.Logger

	seg    *shm.Segment
	layout *header.Layout
}

// New validates cfg and returns an unopened Host.
func New(cfg Config) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Host{cfg: cfg, logger: logger}, nil
}

// Create creates the segment, fails with errs.ErrAlreadyExists if a
// segment of that name already exists, and initializes the header.
func (h *Host) Create() error {
	seg, err := shm.Create(h.cfg.Name, h.cfg.segmentSize())
	if err != nil {
		return fmt.Errorf("host: create: %w", err)
	}

	layout := header.New(seg.Data())
	if err := layout.Initialize(h.cfg.params()); err != nil {
		seg.Close()
		return fmt.Errorf("host: create: %w", err)
	}

	h.seg = seg
	h.layout = layout
	h.logger.Info("queue created", "name", h.cfg.Name, "ring_bytes", h.cfg.Size.Bytes())
	return nil
}

// Recreate unconditionally unlinks any pre-existing segment with this
// name, then creates a fresh one.
//
// This is dangerous: any process with an existing mapping of the old
// segment continues to address it, while new attaches see the new
// segment. Only call this when the caller can guarantee no stale
// producer or consumer from a previous run is still alive.
func (h *Host) Recreate() error {
	if h.seg != nil {
		h.seg.Close()
		h.seg = nil
		h.layout = nil
	}
	if err := shm.DeleteExisting(h.cfg.Name); err != nil {
		return fmt.Errorf("host: recreate: %w", err)
	}
	h.logger.Warn("recreating queue segment; stale mappings from prior processes will not see this generation",
		"name", h.cfg.Name)
	return h.Create()
}

// Close holds no resources beyond the segment's own lifetime; it unmaps
// and unlinks the segment this host owns. Idempotent.
func (h *Host) Close() error {
	if h.seg == nil {
		return nil
	}
	return h.seg.Close()
}
