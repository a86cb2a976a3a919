package relay

import "sync"

// Buffer is a bounded FIFO of encoder output. When a push would exceed the
// maximum size the oldest bytes are evicted first: for a live feed a stale
// frame is worth less than a fresh one.
//
// Buffer is safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	chunks  [][]byte
	size    int
	max     int
	dropped int64
}

// NewBuffer returns an empty buffer holding at most max bytes.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = 1
	}
	return &Buffer{max: max}
}

// Push appends a copy of chunk and returns how many buffered bytes were
// evicted to make room. A chunk larger than the whole buffer keeps only its
// newest max bytes.
func (b *Buffer) Push(chunk []byte) int {
	if len(chunk) == 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	if len(chunk) > b.max {
		evicted += len(chunk) - b.max
		chunk = chunk[len(chunk)-b.max:]
	}

	for b.size+len(chunk) > b.max && len(b.chunks) > 0 {
		over := b.size + len(chunk) - b.max
		head := b.chunks[0]
		if len(head) <= over {
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
			b.size -= len(head)
			evicted += len(head)
			continue
		}
		b.chunks[0] = head[over:]
		b.size -= over
		evicted += over
	}

	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	b.chunks = append(b.chunks, cp)
	b.size += len(cp)
	b.dropped += int64(evicted)

	return evicted
}

// Take removes and returns up to n bytes from the front of the buffer,
// splitting a chunk when the budget ends inside it. It returns nil when the
// buffer is empty.
func (b *Buffer) Take(n int) []byte {
	if n <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}
	if n > b.size {
		n = b.size
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		head := b.chunks[0]
		want := n - len(out)
		if len(head) <= want {
			out = append(out, head...)
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
			continue
		}
		out = append(out, head[:want]...)
		b.chunks[0] = head[want:]
	}
	b.size -= n

	return out
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns the total number of bytes evicted since creation.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
}
