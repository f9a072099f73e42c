package socket

// Block is a fixed-capacity cursor over a byte range. It is the wire
// buffer the marshalling engine reads and writes through; Read/Write
// never grow the underlying slice, they just track how much of it has
// been consumed.
//
// Ported from etwork::Block (original_source/src/lib/block.cpp):
// same four pieces of state (base, size, cursor, eof), same semantics for
// a truncated Append setting eof.
type Block struct {
	buf []byte
	pos int
	eof bool
}

// NewBlock wraps an existing slice; Block never reallocates it.
func NewBlock(buf []byte) *Block {
	return &Block{buf: buf}
}

// NewBlockSize allocates a fresh zeroed buffer of the given size.
func NewBlockSize(size int) *Block {
	return &Block{buf: make([]byte, size)}
}

// Cur returns the slice from the current position to the end of the buffer.
func (b *Block) Cur() []byte {
	return b.buf[b.pos:]
}

// Left reports how many bytes remain between the cursor and the end.
func (b *Block) Left() int {
	return len(b.buf) - b.pos
}

// Pos reports the current cursor offset.
func (b *Block) Pos() int {
	return b.pos
}

// Seek repositions the cursor and clears the EOF flag.
func (b *Block) Seek(pos int) {
	b.pos = pos
	b.eof = false
}

// Read copies up to len(out) bytes from the buffer into out, advancing the
// cursor, and returns how many bytes were actually copied. EOF is set when
// the cursor was already at the end.
func (b *Block) Read(out []byte) int {
	n := len(out)
	if b.Left() < n {
		n = b.Left()
		if n == 0 {
			b.eof = true
		}
	}
	copy(out, b.buf[b.pos:b.pos+n])
	b.pos += n
	return n
}

// Write copies up to len(in) bytes from in into the buffer, advancing the
// cursor, and returns how many bytes were actually copied. EOF is set on
// truncation.
func (b *Block) Write(in []byte) int {
	n := len(in)
	if b.Left() < n {
		n = b.Left()
		b.eof = true
	}
	copy(b.buf[b.pos:b.pos+n], in[:n])
	b.pos += n
	return n
}

// Begin returns the whole underlying buffer, ignoring the cursor.
func (b *Block) Begin() []byte {
	return b.buf
}

// End returns the zero-length slice just past the buffer's last byte,
// the Go analogue of etwork::Block::end()'s one-past-the-end pointer.
func (b *Block) End() []byte {
	return b.buf[len(b.buf):]
}

// Size returns the capacity of the buffer.
func (b *Block) Size() int {
	return len(b.buf)
}

// Append transfers o's entire content into this block, starting at the
// current cursor. It is the Go analogue of etwork::Block::operator<<.
func (b *Block) Append(o *Block) int {
	return b.Write(o.Begin())
}

// Extract writes this block's entire content into dst, starting at dst's
// current cursor, and marks this block EOF if dst could not hold it all.
// It is the Go analogue of etwork::Block::operator>>.
func (b *Block) Extract(dst *Block) {
	if dst.Write(b.buf) < len(b.buf) {
		b.eof = true
	}
}

// EOF reports whether a Read, Write, Append or Extract has run off the
// end since the last Seek. Cleared only by Seek.
func (b *Block) EOF() bool {
	return b.eof
}
