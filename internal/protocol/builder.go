package protocol

import (
	"bytes"
	"encoding/binary"
)

// PacketBuilder writes little-endian packet fields into a growing buffer.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a builder with room for size bytes.
func NewPacketBuilder(size int) *PacketBuilder {
	b := &PacketBuilder{}
	b.buf.Grow(size)
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteWord writes an already encoded word.
// Format: [length:4][bytes...][0x00]
func (b *PacketBuilder) WriteWord(word []byte) *PacketBuilder {
	b.WriteUint32(uint32(len(word)))
	b.buf.Write(word)
	b.buf.WriteByte(0)
	return b
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}
