package socket

import "testing"

func TestBlock_ReadWrite(t *testing.T) {
	b := NewBlockSize(8)
	n := b.Write([]byte("hello"))
	if n != 5 {
		t.Fatalf("Write() = %d, want 5", n)
	}
	if b.Pos() != 5 {
		t.Fatalf("Pos() = %d, want 5", b.Pos())
	}
	if b.Left() != 3 {
		t.Fatalf("Left() = %d, want 3", b.Left())
	}

	b.Seek(0)
	if b.EOF() {
		t.Fatal("EOF() true right after Seek")
	}
	out := make([]byte, 5)
	if n = b.Read(out); n != 5 || string(out) != "hello" {
		t.Fatalf("Read() = %q (%d), want %q", out, n, "hello")
	}
}

func TestBlock_WriteTruncatesAndSetsEOF(t *testing.T) {
	b := NewBlockSize(3)
	n := b.Write([]byte("hello"))
	if n != 3 {
		t.Fatalf("Write() = %d, want 3", n)
	}
	if !b.EOF() {
		t.Fatal("EOF() false after truncated write")
	}
}

func TestBlock_ReadAtEndSetsEOF(t *testing.T) {
	b := NewBlock([]byte("ab"))
	out := make([]byte, 2)
	b.Read(out)
	if b.EOF() {
		t.Fatal("EOF() true after exact read")
	}
	if n := b.Read(out); n != 0 {
		t.Fatalf("Read() past end = %d, want 0", n)
	}
	if !b.EOF() {
		t.Fatal("EOF() false after reading past end")
	}
}

func TestBlock_AppendAndExtract(t *testing.T) {
	src := NewBlock([]byte("payload"))
	dst := NewBlockSize(7)
	if n := dst.Append(src); n != 7 {
		t.Fatalf("Append() = %d, want 7", n)
	}
	if string(dst.Begin()) != "payload" {
		t.Fatalf("dst = %q, want %q", dst.Begin(), "payload")
	}

	small := NewBlockSize(3)
	src.Seek(0)
	src.Extract(small)
	if !src.EOF() {
		t.Fatal("EOF() false after truncated Extract")
	}
	if string(small.Begin()) != "pay" {
		t.Fatalf("small = %q, want %q", small.Begin(), "pay")
	}
}
