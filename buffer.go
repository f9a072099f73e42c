package socket

// FramedBuffer is a bounded FIFO of whole packets. It drives the wire
// framing protocol used on reliable transports: every packet is preceded
// by a big-endian 16-bit length, and partial headers/bodies spanning
// multiple reads are tolerated across calls.
//
// Ported from etwork::Buffer / its Impl (original_source/src/lib/buffer.cpp).
// The packet queue, the "currently being assembled" target, and the
// skip-oversized-packet substate are carried over in spirit; the
// pointer-cast length-prefixed Message records become a queue of plain
// []byte slices since Go doesn't need the single-allocation trick the
// original used to avoid a second heap allocation per message. Per the
// REDESIGN FLAG in spec §9, the high-byte-only pending state is tracked
// with its own explicit field rather than folded into one "tmpSize"
// sentinel relying on an arithmetic identity.
type FramedBuffer struct {
	maxMsgSize  int
	queueSize   int
	maxMessages int

	queue   [][]byte
	written int // space_used(): sum of queued payload bytes, excluding framing

	haveHigh    bool // waiting for the low byte of a 2-byte length header
	highByte    byte
	havePending bool // pendingLen is known, but not yet bound to a target
	pendingLen  int

	filling bool // currently filling target (may legitimately be zero length)
	target  []byte
	filled  int

	toSkip int // bytes remaining to discard for an oversized packet

	// per-packet cursor for GetData, so partial drains resume correctly
	headWritten bool
	headSent    int
}

// NewFramedBuffer creates a buffer capped at maxMsgSize bytes per packet,
// queueSize total queued payload bytes, and maxMessages whole packets.
// queueSize should be at least twice maxMsgSize.
func NewFramedBuffer(maxMsgSize, queueSize, maxMessages int) *FramedBuffer {
	return &FramedBuffer{
		maxMsgSize:  maxMsgSize,
		queueSize:   queueSize,
		maxMessages: maxMessages,
	}
}

// SpaceUsed returns the number of queued payload bytes, excluding framing
// and excluding any in-progress (not yet fully received) packet.
func (b *FramedBuffer) SpaceUsed() int {
	return b.written
}

// MessageCount returns the number of whole packets queued, not counting
// any partial packet still being assembled.
func (b *FramedBuffer) MessageCount() int {
	return len(b.queue)
}

func (b *FramedBuffer) newMessage(size int) ([]byte, bool) {
	if size > b.maxMsgSize {
		return nil, false
	}
	if len(b.queue) >= b.maxMessages {
		return nil, false
	}
	if b.written+size > b.queueSize {
		return nil, false
	}
	return make([]byte, size), true
}

// PutMessage enqueues one whole packet. Returns the number of bytes
// queued (len(msg)) on success, or -1 if it exceeds maxMsgSize, would
// exceed queueSize, or would exceed maxMessages.
func (b *FramedBuffer) PutMessage(msg []byte) int {
	w, ok := b.newMessage(len(msg))
	if !ok {
		return -1
	}
	copy(w, msg)
	b.queue = append(b.queue, w)
	b.written += len(msg)
	return len(msg)
}

// PutData feeds a raw byte run received from the transport, driving the
// incremental length-prefixed parser described in spec §4.1:
//
//	NEED_HEADER_HIGH -> NEED_HEADER_LOW -> FILLING(n,k) -> NEED_HEADER_HIGH
//	                                    -> SKIPPING(n)  -> NEED_HEADER_HIGH
//
// It always consumes all of data and returns len(data); this mirrors
// put_data()'s "total bytes consumed" contract, which in the original
// never actually fails (framing violations degrade to skipping bytes, not
// to dropping the connection).
func (b *FramedBuffer) PutData(data []byte) int {
	total := 0
	for {
		if len(data) == 0 {
			return total
		}

		switch {
		case b.haveHigh:
			b.pendingLen = int(b.highByte)<<8 | int(data[0])
			b.haveHigh = false
			b.havePending = true
			data = data[1:]
			total++
		case !b.havePending && !b.filling && b.toSkip == 0:
			if len(data) == 1 {
				b.highByte = data[0]
				b.haveHigh = true
				return total + 1
			}
			b.pendingLen = int(data[0])<<8 | int(data[1])
			b.havePending = true
			data = data[2:]
			total += 2
		}

		if b.havePending {
			b.havePending = false
			if b.pendingLen <= b.maxMsgSize {
				b.target = make([]byte, b.pendingLen)
				b.filled = 0
				b.filling = true
			} else {
				b.toSkip = b.pendingLen
			}
		}

		if b.toSkip > 0 {
			skip := b.toSkip
			if skip > len(data) {
				skip = len(data)
			}
			b.toSkip -= skip
			data = data[skip:]
			total += skip
			continue
		}

		if b.filling {
			toRead := len(b.target) - b.filled
			if toRead > len(data) {
				toRead = len(data)
			}
			copy(b.target[b.filled:], data[:toRead])
			data = data[toRead:]
			total += toRead
			b.filled += toRead
			if b.filled == len(b.target) {
				// Admit the finished packet only if it still fits the
				// queue; otherwise it is silently dropped, matching
				// new_message()'s checks in the original.
				if len(b.queue) < b.maxMessages && b.written+len(b.target) <= b.queueSize {
					b.queue = append(b.queue, b.target)
					b.written += len(b.target)
				}
				b.filling = false
				b.target = nil
				b.filled = 0
			}
			continue
		}
	}
}

// PutRaw enqueues data as one whole packet without parsing any framing,
// for transports where the datagram boundary already is the packet
// boundary. It is identical to PutMessage; the Manager's unreliable
// driver calls PutMessage directly.
func (b *FramedBuffer) PutRaw(data []byte) int {
	return b.PutMessage(data)
}

// GetMessage dequeues the next whole packet into out. Returns -1 if the
// queue is empty, or -1 without consuming the packet if it is larger than
// len(out).
func (b *FramedBuffer) GetMessage(out []byte) int {
	if len(b.queue) == 0 {
		return -1
	}
	msg := b.queue[0]
	if len(msg) > len(out) {
		return -1
	}
	copy(out, msg)
	b.queue = b.queue[1:]
	b.written -= len(msg)
	return len(msg)
}

// GetData serializes the queue back into wire form (2-byte big-endian
// length prefix + payload, repeated) into out. len(out) must be at least
// 3 to guarantee at least one header byte and one payload byte of forward
// progress. Partial progress persists across calls via a per-packet
// cursor, so draining a buffer across many small GetData calls is safe.
func (b *FramedBuffer) GetData(out []byte) int {
	if len(out) < 3 {
		return -1
	}
	total := 0
	for len(b.queue) > 0 && len(out) >= 3 {
		msg := b.queue[0]
		if !b.headWritten {
			out[0] = byte(len(msg) >> 8)
			out[1] = byte(len(msg))
			out = out[2:]
			total += 2
			b.headWritten = true
		}
		toWrite := len(msg) - b.headSent
		if toWrite > len(out) {
			toWrite = len(out)
		}
		copy(out, msg[b.headSent:b.headSent+toWrite])
		out = out[toWrite:]
		total += toWrite
		b.headSent += toWrite
		if b.headSent == len(msg) {
			b.queue = b.queue[1:]
			b.written -= len(msg)
			b.headSent = 0
			b.headWritten = false
		}
	}
	return total
}
