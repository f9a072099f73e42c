package socket

import (
	"bytes"
	"testing"
)

func TestFramedBuffer_RoundTrip(t *testing.T) {
	b := NewFramedBuffer(1000, 3000, 10)

	if n := b.PutMessage([]byte("hello, world!")); n != 13 {
		t.Fatalf("PutMessage(hello) = %d, want 13", n)
	}
	if n := b.PutMessage([]byte("1234567890")); n != 10 {
		t.Fatalf("PutMessage(1234567890) = %d, want 10", n)
	}
	if u := b.SpaceUsed(); u != 23 {
		t.Fatalf("SpaceUsed() = %d, want 23", u)
	}

	out := make([]byte, 100)
	n := b.GetData(out)
	want := append(append([]byte{0, 13}, "hello, world!"...), append([]byte{0, 10}, "1234567890"...)...)
	if n != len(want) {
		t.Fatalf("GetData() = %d bytes, want %d", n, len(want))
	}
	if !bytes.Equal(out[:n], want) {
		t.Fatalf("GetData() = %q, want %q", out[:n], want)
	}

	fresh := NewFramedBuffer(1000, 3000, 10)
	if c := fresh.PutData(out[:n]); c != n {
		t.Fatalf("PutData() consumed %d, want %d", c, n)
	}
	if fresh.MessageCount() != 2 {
		t.Fatalf("MessageCount() = %d, want 2", fresh.MessageCount())
	}

	msg := make([]byte, 100)
	if l := fresh.GetMessage(msg); l != 13 || string(msg[:l]) != "hello, world!" {
		t.Fatalf("first message = %q (%d), want %q", msg[:l], l, "hello, world!")
	}
	if l := fresh.GetMessage(msg); l != 10 || string(msg[:l]) != "1234567890" {
		t.Fatalf("second message = %q (%d), want %q", msg[:l], l, "1234567890")
	}
}

func TestFramedBuffer_DripFeed(t *testing.T) {
	b := NewFramedBuffer(10, 20, 5)

	if n := b.PutMessage([]byte("1234567890")); n != 10 {
		t.Fatalf("PutMessage(10 bytes) = %d, want 10", n)
	}
	if n := b.PutMessage(nil); n != 0 {
		t.Fatalf("PutMessage(empty) = %d, want 0", n)
	}
	if n := b.PutMessage([]byte("1234567890-")); n != -1 {
		t.Fatalf("PutMessage(oversized) = %d, want -1", n)
	}
	if u := b.SpaceUsed(); u != 10 {
		t.Fatalf("SpaceUsed() = %d, want 10", u)
	}
}

func TestFramedBuffer_PutDataByteAtATime(t *testing.T) {
	src := NewFramedBuffer(1000, 3000, 10)
	src.PutMessage([]byte("hi"))
	src.PutMessage([]byte(""))
	src.PutMessage([]byte("there"))

	wire := make([]byte, 100)
	n := src.GetData(wire)
	wire = wire[:n]

	dst := NewFramedBuffer(1000, 3000, 10)
	total := 0
	for _, by := range wire {
		total += dst.PutData([]byte{by})
	}
	if total != len(wire) {
		t.Fatalf("drip-fed %d bytes, want %d", total, len(wire))
	}
	if dst.MessageCount() != 3 {
		t.Fatalf("MessageCount() = %d, want 3", dst.MessageCount())
	}

	out := make([]byte, 100)
	if l := dst.GetMessage(out); l != 2 || string(out[:l]) != "hi" {
		t.Fatalf("first message = %q (%d)", out[:l], l)
	}
	if l := dst.GetMessage(out); l != 0 {
		t.Fatalf("second (keepalive) message length = %d, want 0", l)
	}
	if l := dst.GetMessage(out); l != 5 || string(out[:l]) != "there" {
		t.Fatalf("third message = %q (%d)", out[:l], l)
	}
}

func TestFramedBuffer_OversizedIncomingIsSkipped(t *testing.T) {
	b := NewFramedBuffer(4, 100, 10)

	wire := append([]byte{0, 10}, []byte("0123456789")...)
	wire = append(wire, 0, 2)
	wire = append(wire, []byte("ok")...)

	n := b.PutData(wire)
	if n != len(wire) {
		t.Fatalf("PutData consumed %d, want %d", n, len(wire))
	}
	if b.MessageCount() != 1 {
		t.Fatalf("MessageCount() = %d, want 1", b.MessageCount())
	}
	out := make([]byte, 10)
	if l := b.GetMessage(out); l != 2 || string(out[:l]) != "ok" {
		t.Fatalf("surviving message = %q (%d)", out[:l], l)
	}
}

func TestFramedBuffer_ChunkingIndependence(t *testing.T) {
	src := NewFramedBuffer(1000, 3000, 10)
	src.PutMessage([]byte("alpha"))
	src.PutMessage([]byte("beta"))
	src.PutMessage([]byte("gamma"))
	wire := make([]byte, 100)
	n := src.GetData(wire)
	wire = wire[:n]

	chunkSizes := []int{1, 2, 3, 7, len(wire)}
	for _, cs := range chunkSizes {
		dst := NewFramedBuffer(1000, 3000, 10)
		for off := 0; off < len(wire); {
			end := off + cs
			if end > len(wire) {
				end = len(wire)
			}
			dst.PutData(wire[off:end])
			off = end
		}
		if dst.MessageCount() != 3 {
			t.Fatalf("chunk size %d: MessageCount() = %d, want 3", cs, dst.MessageCount())
		}
	}
}
