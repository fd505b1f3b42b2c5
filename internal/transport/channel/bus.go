// Package channel is the in-process hand-off between the state engine and the
// webhook notifier.
package channel

import (
	"sync"

	"github.com/exospherehost/runtime/internal/domain"
)

type BusMetrics interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	NotificationDropped()
}

// NotificationBus is a bounded queue. Publish never blocks: when the buffer is
// full the notification is dropped, which keeps webhook delivery off the
// caller's critical path.
type NotificationBus struct {
	mu      sync.RWMutex
	ch      chan domain.Notification
	closed  bool
	metrics BusMetrics
}

func NewNotificationBus(buffer int) *NotificationBus {
	if buffer < 1 {
		buffer = 1
	}
	return &NotificationBus{ch: make(chan domain.Notification, buffer)}
}

func (b *NotificationBus) WithMetrics(m BusMetrics) *NotificationBus {
	b.metrics = m
	if m != nil {
		m.BufferCapacitySet(cap(b.ch))
	}
	return b
}

func (b *NotificationBus) Publish(n domain.Notification) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped()
		return false
	}

	select {
	case b.ch <- n:
		if b.metrics != nil {
			b.metrics.BufferSizeUpdate(len(b.ch))
		}
		return true
	default:
		b.dropped()
		return false
	}
}

func (b *NotificationBus) dropped() {
	if b.metrics != nil {
		b.metrics.NotificationDropped()
	}
}

// Close stops accepting notifications. Buffered ones stay readable from Channel.
func (b *NotificationBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

func (b *NotificationBus) Channel() <-chan domain.Notification {
	return b.ch
}

func (b *NotificationBus) Len() int {
	return len(b.ch)
}
