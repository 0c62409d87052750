package logging

import (
	"os"
	"strings"
	"sync"
)

// RingBuffer keeps the most recent log output in memory.
// It implements io.Writer and overwrites the oldest bytes once full.
type RingBuffer struct {
	mu    sync.Mutex
	data  []byte
	next  int
	wraps bool
}

// NewRingBuffer creates a ring buffer holding size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1024 * 1024
	}
	return &RingBuffer{data: make([]byte, size)}
}

func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	size := len(rb.data)
	if n >= size {
		copy(rb.data, p[n-size:])
		rb.next = 0
		rb.wraps = true
		return n, nil
	}

	written := copy(rb.data[rb.next:], p)
	if written < n {
		copy(rb.data, p[written:])
		rb.wraps = true
	}
	rb.next = (rb.next + n) % size
	if rb.next == 0 && n > 0 {
		rb.wraps = true
	}
	return n, nil
}

// Bytes returns the buffer contents oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.wraps {
		return append([]byte(nil), rb.data[:rb.next]...)
	}
	out := make([]byte, 0, len(rb.data))
	out = append(out, rb.data[rb.next:]...)
	return append(out, rb.data[:rb.next]...)
}

// Tail returns the last n complete lines. A line cut by wrap-around is dropped.
func (rb *RingBuffer) Tail(n int) []string {
	if n <= 0 {
		return nil
	}
	raw := string(rb.Bytes())
	rb.mu.Lock()
	wrapped := rb.wraps
	rb.mu.Unlock()
	if wrapped {
		if i := strings.IndexByte(raw, '\n'); i >= 0 {
			raw = raw[i+1:]
		}
	}
	raw = strings.TrimRight(raw, "\n")
	if raw == "" {
		return nil
	}
	lines := strings.Split(raw, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// DumpToFile writes the buffer contents to path.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
