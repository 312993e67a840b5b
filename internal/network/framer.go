package network

import (
	"fmt"
	"time"

	"github.com/energizer-project/frostbite/internal/protocol"
)

// receiveBuffer accumulates stream bytes. Consumed bytes are skipped with
// an offset cursor; the live tail is moved to the front only when an
// append would otherwise have to grow the backing array.
type receiveBuffer struct {
	data []byte
	off  int
}

// Write appends p to the buffer.
func (b *receiveBuffer) Write(p []byte) {
	if b.off > 0 && len(b.data)+len(p) > cap(b.data) {
		n := copy(b.data, b.data[b.off:])
		b.data = b.data[:n]
		b.off = 0
	}
	b.data = append(b.data, p...)
}

// Bytes returns the unconsumed bytes. The slice is only valid until the
// next Write or Consume.
func (b *receiveBuffer) Bytes() []byte {
	return b.data[b.off:]
}

// Consume drops n bytes from the front.
func (b *receiveBuffer) Consume(n int) {
	b.off += n
	if b.off >= len(b.data) {
		b.data = b.data[:0]
		b.off = 0
	}
}

// Len returns the number of unconsumed bytes.
func (b *receiveBuffer) Len() int {
	return len(b.data) - b.off
}

// Framer turns an arbitrarily chunked byte stream into whole packets using
// each packet's self-declared total size.
type Framer struct {
	buf receiveBuffer
}

// NewFramer creates an empty framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends a chunk read from the stream and returns every packet that
// is now complete, in stream order. After a successful Feed the buffer
// holds only the prefix of the next packet. A decode error is returned
// together with the packets decoded before it; the framer must not be fed
// again after an error. A declared size above protocol.MaxPacketSize is an
// error as soon as the header arrives.
func (f *Framer) Feed(chunk []byte) ([]*protocol.Packet, error) {
	f.buf.Write(chunk)

	var packets []*protocol.Packet
	for {
		data := f.buf.Bytes()
		size := protocol.ReadPacketSize(data)
		if size > protocol.MaxPacketSize {
			return packets, fmt.Errorf("%w: declared size %d", protocol.ErrPacketTooLarge, size)
		}

		// Need the whole declared packet and more than a bare header.
		if uint64(len(data)) < uint64(size) || len(data) <= protocol.PacketHeaderSize {
			return packets, nil
		}

		pkt, err := protocol.Decode(data[:size])
		if err != nil {
			return packets, err
		}
		pkt.Stamp = time.Now()

		f.buf.Consume(int(size))
		packets = append(packets, pkt)
	}
}

// Buffered returns the number of bytes held for an incomplete packet.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}
