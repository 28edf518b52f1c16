// Package arquebus is the single import point for the three role facades
// of a single-producer single-consumer, variable-length, shared-memory
// message queue: Host creates and owns the segment, Producer writes
// framed messages, Consumer reads them. See SPEC_FULL.md for the full
// design.
package arquebus

import (
	"github.com/dl/arquebus-go/bufsize"
	"github.com/dl/arquebus-go/consumer"
	"github.com/dl/arquebus-go/errs"
	"github.com/dl/arquebus-go/host"
	"github.com/dl/arquebus-go/producer"
)

// Size carries a queue's power-of-two ring geometry. Construct one with
// NewSize and pass the same value to the Host, Producer, and Consumer for
// a given queue name.
type Size = bufsize.Size

// NewSize returns the Size for a ring of 2^n bytes.
var NewSize = bufsize.New

type (
	// Host creates, sizes, and owns the lifetime of a queue's segment.
	Host = host.Host
	// HostConfig configures a Host.
	HostConfig = host.Config

	// Producer is the write side of a queue.
	Producer = producer.Producer
	// ProducerConfig configures a Producer.
	ProducerConfig = producer.Config

	// Consumer is the read side of a queue.
	Consumer = consumer.Consumer
	// ConsumerConfig configures a Consumer.
	ConsumerConfig = consumer.Config
)

// NewHost, NewProducer, and NewConsumer validate the given config and
// return an unattached role facade.
var (
	NewHost     = host.New
	NewProducer = producer.New
	NewConsumer = consumer.New
)

// Error kinds, checked with errors.Is against any error returned by a
// Host, Producer, or Consumer method.
var (
	ErrInvalidName      = errs.ErrInvalidName
	ErrAlreadyExists    = errs.ErrAlreadyExists
	ErrNotFound         = errs.ErrNotFound
	ErrMapFailed        = errs.ErrMapFailed
	ErrMismatchedLayout = errs.ErrMismatchedLayout
	ErrOverrun          = errs.ErrOverrun
	ErrInvalidConfig    = errs.ErrInvalidConfig
)
