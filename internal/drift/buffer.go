package drift

import (
	"sync"
	"time"
)

// DefaultBufferSize capacidad por defecto del ring buffer.
const DefaultBufferSize = 512

// Buffer es un ring buffer acotado y thread-safe de alertas recientes.
// Al llenarse descarta la más vieja.
type Buffer struct {
	mu    sync.RWMutex
	items []Alert
	next  int
	full  bool
	total uint64
}

// NewBuffer crea un buffer con la capacidad dada (DefaultBufferSize si <= 0).
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{items: make([]Alert, capacity)}
}

// Emit implementa Sink.
func (b *Buffer) Emit(a Alert) {
	b.mu.Lock()
	b.items[b.next] = a
	b.next = (b.next + 1) % len(b.items)
	if b.next == 0 {
		b.full = true
	}
	b.total++
	b.mu.Unlock()
}

// Len cantidad de alertas retenidas.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lenLocked()
}

func (b *Buffer) lenLocked() int {
	if b.full {
		return len(b.items)
	}
	return b.next
}

// Capacity capacidad del buffer.
func (b *Buffer) Capacity() int { return len(b.items) }

// Total cantidad de alertas emitidas desde el arranque (incluye descartadas).
func (b *Buffer) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// Recent devuelve hasta limit alertas, la más nueva primero. limit <= 0 = todas.
func (b *Buffer) Recent(limit int) []Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.lenLocked()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Alert, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (b.next - i + len(b.items)) % len(b.items)
		out = append(out, b.items[idx])
	}
	return out
}

// Since devuelve las alertas con Timestamp >= t, en orden cronológico.
func (b *Buffer) Since(t time.Time) []Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.lenLocked()
	start := 0
	if b.full {
		start = b.next
	}
	var out []Alert
	for i := 0; i < n; i++ {
		a := b.items[(start+i)%len(b.items)]
		if !a.Timestamp.Before(t) {
			out = append(out, a)
		}
	}
	return out
}
