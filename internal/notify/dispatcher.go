package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher is the outbound alert queue. Enqueue never blocks the caller;
// a single goroutine drains the queue into the sink.
type Dispatcher struct {
	sink    Notifier
	queue   chan Alert
	done    chan struct{}
	timeout time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewDispatcher starts the delivery loop. size bounds the queue.
func NewDispatcher(sink Notifier, size int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan Alert, size),
		done:    make(chan struct{}),
		timeout: 10 * time.Second,
		logger:  logger,
	}
	go d.deliverLoop()
	return d
}

// Enqueue schedules an alert. A full queue drops the alert with a warning.
func (d *Dispatcher) Enqueue(a Alert) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("alert dispatcher closed, dropping alert", "type", a.Type, "tool", a.RelatedTool)
		return
	}
	select {
	case d.queue <- a:
	default:
		d.logger.Warn("alert queue full, dropping alert", "type", a.Type, "tool", a.RelatedTool)
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	<-d.done
}

func (d *Dispatcher) deliverLoop() {
	defer close(d.done)
	for a := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Notify(ctx, a); err != nil {
			d.logger.Warn("alert delivery failed", "type", a.Type, "tool", a.RelatedTool, "error", err)
		}
		cancel()
	}
}
