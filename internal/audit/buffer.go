package audit

import (
	"log"
	"sync"
)

// defaultQueueSize is the buffer's queue capacity when none is configured.
const defaultQueueSize = 1024

// Buffer decouples audit producers from the durable sink. Append never
// blocks: when the queue is full the oldest queued record is dropped with a
// logged warning. A single background goroutine drains the queue into the
// wrapped sink; sink failures are logged and never propagated, because shell
// traffic must not stall when audit storage is down.
type Buffer struct {
	sink Sink
	size int

	mu      sync.Mutex
	queue   []Record
	closed  bool
	dropped uint64

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewBuffer wraps sink with a bounded asynchronous queue and starts the
// writer goroutine. size <= 0 selects defaultQueueSize.
func NewBuffer(sink Sink, size int) *Buffer {
	if size <= 0 {
		size = defaultQueueSize
	}
	b := &Buffer{
		sink:   sink,
		size:   size,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Append enqueues a record without blocking. After Close the record is
// silently discarded.
func (b *Buffer) Append(rec Record) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if len(b.queue) >= b.size {
		b.queue = b.queue[1:]
		b.dropped++
		log.Printf("[audit] WARNING: queue full, dropped oldest record (total dropped: %d)", b.dropped)
	}
	b.queue = append(b.queue, rec)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dropped returns how many records have been discarded due to overflow.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops accepting records, drains the queue into the sink, and waits
// for the writer goroutine to exit. Idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	<-b.done
}

func (b *Buffer) run() {
	defer close(b.done)
	for {
		b.flush()
		select {
		case <-b.notify:
		case <-b.stop:
			b.flush()
			return
		}
	}
}

func (b *Buffer) flush() {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, rec := range pending {
		if err := b.sink.Append(rec); err != nil {
			log.Printf("[audit] ERROR: sink unavailable, record %s dropped: %v", rec.ID, err)
		}
	}
}
