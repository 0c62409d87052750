package logging

import (
	"testing"
)

func TestRingBufferWriteWithinCapacity(t *testing.T) {
	rb := NewRingBuffer(64)
	n, err := rb.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := string(rb.Bytes()); got != "hello" {
		t.Errorf("Bytes = %q", got)
	}
}

func TestRingBufferWrapKeepsNewest(t *testing.T) {
	rb := NewRingBuffer(10)
	_, _ = rb.Write([]byte("abcdefgh"))
	_, _ = rb.Write([]byte("xyz"))
	if got := string(rb.Bytes()); got != "bcdefghxyz" {
		t.Errorf("Bytes = %q, want bcdefghxyz", got)
	}
}

func TestRingBufferOversizedWrite(t *testing.T) {
	rb := NewRingBuffer(4)
	_, _ = rb.Write([]byte("0123456789"))
	if got := string(rb.Bytes()); got != "6789" {
		t.Errorf("Bytes = %q, want 6789", got)
	}
	_, _ = rb.Write([]byte("ab"))
	if got := string(rb.Bytes()); got != "89ab" {
		t.Errorf("Bytes = %q, want 89ab", got)
	}
}

func TestRingBufferTail(t *testing.T) {
	rb := NewRingBuffer(1024)
	_, _ = rb.Write([]byte("one\ntwo\nthree\n"))

	got := rb.Tail(2)
	if len(got) != 2 || got[0] != "two" || got[1] != "three" {
		t.Errorf("Tail(2) = %v", got)
	}
	if got := rb.Tail(10); len(got) != 3 {
		t.Errorf("Tail(10) = %v", got)
	}
	if got := rb.Tail(0); got != nil {
		t.Errorf("Tail(0) = %v", got)
	}
}

func TestRingBufferTailDropsCutLine(t *testing.T) {
	rb := NewRingBuffer(12)
	_, _ = rb.Write([]byte("aaaaaa\nbbbb\ncc\n"))
	// only "aaa\nbbbb\ncc\n" survives; the cut "aaa" line is dropped
	got := rb.Tail(5)
	if len(got) != 2 || got[0] != "bbbb" || got[1] != "cc" {
		t.Errorf("Tail = %v", got)
	}
}
