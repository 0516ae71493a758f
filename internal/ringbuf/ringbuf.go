// Package ringbuf provides the bounded output sequence shared by live
// terminal sessions and the persisted replay log.
package ringbuf

import "sync"

// Buffer is a FIFO of byte chunks bounded by chunk count and total size.
// When a bound is exceeded the oldest bytes are dropped first; the oldest
// chunk is trimmed from the front if dropping it whole would overshoot the
// byte bound. A bound of zero disables it.
type Buffer struct {
	mu        sync.Mutex
	chunks    [][]byte
	size      int
	maxChunks int
	maxBytes  int
}

// New creates an empty buffer.
func New(maxChunks, maxBytes int) *Buffer {
	return &Buffer{maxChunks: maxChunks, maxBytes: maxBytes}
}

// FromChunks rebuilds a buffer from previously stored chunks, oldest first,
// applying the same bounds as a live buffer.
func FromChunks(maxChunks, maxBytes int, chunks [][]byte) *Buffer {
	b := New(maxChunks, maxBytes)
	for _, c := range chunks {
		b.Push(c)
	}
	return b
}

// Push appends a copy of p.
func (b *Buffer) Push(p []byte) {
	if len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	b.evict()
}

func (b *Buffer) evict() {
	for b.maxChunks > 0 && len(b.chunks) > b.maxChunks {
		b.dropFront()
	}
	for b.maxBytes > 0 && b.size > b.maxBytes {
		excess := b.size - b.maxBytes
		if len(b.chunks[0]) <= excess {
			b.dropFront()
			continue
		}
		b.chunks[0] = b.chunks[0][excess:]
		b.size -= excess
	}
}

func (b *Buffer) dropFront() {
	b.size -= len(b.chunks[0])
	b.chunks[0] = nil
	b.chunks = b.chunks[1:]
}

// Bytes returns the buffered output concatenated oldest-first.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Tail returns at most the last n buffered bytes.
func (b *Buffer) Tail(n int) []byte {
	all := b.Bytes()
	if n <= 0 || len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// Chunks returns copies of the buffered chunks, oldest first.
func (b *Buffer) Chunks() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, len(b.chunks))
	for i, c := range b.chunks {
		out[i] = append([]byte(nil), c...)
	}
	return out
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Count returns the number of buffered chunks.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// MaxChunks returns the chunk bound.
func (b *Buffer) MaxChunks() int {
	return b.maxChunks
}
