// Package protocoltest reads packets off a byte stream one at a time, for
// tests that play the server end of a connection.
package protocoltest

import (
	"fmt"
	"io"

	"github.com/energizer-project/frostbite/internal/protocol"
)

// ReadPacket reads one complete packet from r.
func ReadPacket(r io.Reader) (*protocol.Packet, error) {
	header := make([]byte, protocol.PacketHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read packet header: %w", err)
	}

	size := protocol.ReadPacketSize(header)
	if size < protocol.PacketHeaderSize {
		return nil, fmt.Errorf("%w: declared size %d", protocol.ErrShortPacket, size)
	}
	if size > protocol.MaxPacketSize {
		return nil, fmt.Errorf("%w: declared size %d", protocol.ErrPacketTooLarge, size)
	}

	data := make([]byte, size)
	copy(data, header)
	if _, err := io.ReadFull(r, data[protocol.PacketHeaderSize:]); err != nil {
		return nil, fmt.Errorf("failed to read packet body (%d bytes): %w", size, err)
	}

	return protocol.Decode(data)
}
