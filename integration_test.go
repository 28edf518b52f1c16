package arquebus

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func uniqueQueueName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("itest_%d_%s", os.Getpid(), t.Name())
}

// TestEndToEndConcurrentRoundTrip drives a Host, Producer, and Consumer
// concurrently from separate goroutines standing in for separate
// processes, matching the spec's three-role contract: the host only
// owns segment lifetime, the producer only writes, the consumer polls.
func TestEndToEndConcurrentRoundTrip(t *testing.T) {
	name := uniqueQueueName(t)
	size := NewSize(6)

	h, err := NewHost(HostConfig{Name: name, Size: size, MessageSizeBytes: 4, MaxMessageSize: 20})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	if err := h.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	p, err := NewProducer(ProducerConfig{Name: name, Size: size, MessageSizeBytes: 4, BatchReserve: 20, MaxMessageSize: 20})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	if err := p.Attach(); err != nil {
		t.Fatalf("producer Attach: %v", err)
	}
	defer p.Close()

	c, err := NewConsumer(ConsumerConfig{Name: name, Size: size, MessageSizeBytes: 4, MaxMessageSize: 20})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	if err := c.Attach(); err != nil {
		t.Fatalf("consumer Attach: %v", err)
	}
	defer c.Close()

	const n = 200
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			w := p.AllocateWrite(5)
			for j := range w {
				w[j] = byte(i)
			}
			p.Flush()
		}
	}()

	received := 0
	deadline := time.After(5 * time.Second)
	for received < n {
		got, ok, err := c.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !ok {
			select {
			case <-deadline:
				t.Fatalf("timed out after receiving %d/%d messages", received, n)
			default:
				continue
			}
		}
		want := bytes.Repeat([]byte{byte(received)}, 5)
		if !bytes.Equal(got, want) {
			t.Fatalf("message %d = %v, want %v", received, got, want)
		}
		received++
	}

	<-done
}

// TestEndToEndHostRecreateThenFreshAttach exercises scenario 6: a host
// creates a queue, closes it (unlinking the name), recreates it, and a
// fresh producer/consumer pair attaching afterward see the new, empty
// generation rather than any backlog from before the recreate.
func TestEndToEndHostRecreateThenFreshAttach(t *testing.T) {
	name := uniqueQueueName(t)
	size := NewSize(6)

	h, err := NewHost(HostConfig{Name: name, Size: size, MessageSizeBytes: 4, MaxMessageSize: 20})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	if err := h.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	p1, err := NewProducer(ProducerConfig{Name: name, Size: size, MessageSizeBytes: 4, BatchReserve: 20, MaxMessageSize: 20})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	if err := p1.Attach(); err != nil {
		t.Fatalf("producer Attach: %v", err)
	}
	w := p1.AllocateWrite(5)
	copy(w, "hello")
	p1.Flush()
	p1.Close()

	if err := h.Recreate(); err != nil {
		t.Fatalf("Recreate: %v", err)
	}
	defer h.Close()

	p2, err := NewProducer(ProducerConfig{Name: name, Size: size, MessageSizeBytes: 4, BatchReserve: 20, MaxMessageSize: 20})
	if err != nil {
		t.Fatalf("NewProducer after recreate: %v", err)
	}
	if err := p2.Attach(); err != nil {
		t.Fatalf("producer Attach after recreate: %v", err)
	}
	defer p2.Close()

	c, err := NewConsumer(ConsumerConfig{Name: name, Size: size, MessageSizeBytes: 4, MaxMessageSize: 20})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	if err := c.Attach(); err != nil {
		t.Fatalf("consumer Attach: %v", err)
	}
	defer c.Close()

	if _, ok, err := c.Read(); err != nil || ok {
		t.Fatalf("Read immediately after recreate: ok=%v err=%v, want ok=false", ok, err)
	}

	w2 := p2.AllocateWrite(5)
	copy(w2, "world")
	p2.Flush()

	got, ok, err := c.Read()
	if err != nil || !ok {
		t.Fatalf("Read after recreate: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, []byte("world")) {
		t.Fatalf("Read = %q, want %q", got, "world")
	}
}

// TestEndToEndOverrunIsolatedToOneConsumer confirms that a consumer which
// falls behind reports ErrOverrun while the producer and segment remain
// otherwise usable.
func TestEndToEndOverrunIsolatedToOneConsumer(t *testing.T) {
	name := uniqueQueueName(t)
	size := NewSize(6)

	h, err := NewHost(HostConfig{Name: name, Size: size, MessageSizeBytes: 4, MaxMessageSize: 20})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	if err := h.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	p, err := NewProducer(ProducerConfig{Name: name, Size: size, MessageSizeBytes: 4, BatchReserve: 20, MaxMessageSize: 20})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	if err := p.Attach(); err != nil {
		t.Fatalf("producer Attach: %v", err)
	}
	defer p.Close()

	c, err := NewConsumer(ConsumerConfig{Name: name, Size: size, MessageSizeBytes: 4, MaxMessageSize: 20})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	if err := c.Attach(); err != nil {
		t.Fatalf("consumer Attach: %v", err)
	}
	defer c.Close()

	overran := false
	for i := 0; i < 50 && !overran; i++ {
		p.AllocateWrite(10)
		p.AllocateWrite(10)
		p.Flush()

		if _, _, err := c.Read(); err != nil {
			if !errors.Is(err, ErrOverrun) {
				t.Fatalf("Read returned unexpected error: %v", err)
			}
			overran = true
		}
	}
	if !overran {
		t.Fatal("producer never overran the consumer")
	}

	// The producer keeps working even though this consumer is dead.
	w := p.AllocateWrite(10)
	if len(w) != 10 {
		t.Fatalf("AllocateWrite after consumer overrun: len = %d, want 10", len(w))
	}
	p.Flush()
}
