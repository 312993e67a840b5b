package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/charmap"
)

var (
	ErrShortPacket    = errors.New("protocol: packet shorter than header")
	ErrTruncatedWord  = errors.New("protocol: word extends past end of packet")
	ErrPacketTooLarge = errors.New("protocol: declared packet size exceeds limit")
)

// unsupportedChar replaces runes that have no code page 1252 byte.
const unsupportedChar = '?'

// Encode serializes a packet to its wire form. Words longer than
// MaxWordLength characters are truncated. A packet without a sequence id
// carries the all-ones sentinel in the sequence bits.
func Encode(p *Packet) []byte {
	header := sequenceMask
	if seq, ok := p.Sequence.Get(); ok {
		header = seq & sequenceMask
	}
	if p.Origin == OriginServer {
		header |= flagOriginServer
	}
	if p.IsResponse {
		header |= flagIsResponse
	}

	words := make([][]byte, len(p.Words))
	size := PacketHeaderSize
	for i, w := range p.Words {
		words[i] = encodeWord(w)
		size += len(words[i]) + WordOverhead
	}

	b := NewPacketBuilder(size)
	b.WriteUint32(header).
		WriteUint32(uint32(size)).
		WriteUint32(uint32(len(words)))
	for _, w := range words {
		b.WriteWord(w)
	}

	return b.Build()
}

// Decode parses exactly one packet. data must be the full packet as
// declared by its own size field. Words are located by walking their length
// prefixes; the word count is trusted.
func Decode(data []byte) (*Packet, error) {
	if len(data) < PacketHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}

	header := binary.LittleEndian.Uint32(data[0:4])
	wordCount := binary.LittleEndian.Uint32(data[8:12])

	p := &Packet{
		Origin:     OriginClient,
		IsResponse: header&flagIsResponse != 0,
	}
	if header&flagOriginServer != 0 {
		p.Origin = OriginServer
	}
	if seq := header & sequenceMask; seq != sequenceMask {
		p.Sequence = Seq(seq)
	}

	r := bytes.NewReader(data[PacketHeaderSize:])

	// Cap the preallocation so a corrupt count cannot force a huge slice.
	capacity := uint32(r.Len() / WordOverhead)
	if wordCount < capacity {
		capacity = wordCount
	}
	p.Words = make([]string, 0, capacity)

	for i := uint32(0); i < wordCount; i++ {
		word, err := readWord(r)
		if err != nil {
			return nil, fmt.Errorf("word %d of %d: %w", i+1, wordCount, err)
		}
		p.Words = append(p.Words, word)
	}

	return p, nil
}

// ReadPacketSize returns the total size a packet declares for itself, or 0
// if fewer than PacketHeaderSize bytes are available.
func ReadPacketSize(data []byte) uint32 {
	if len(data) < PacketHeaderSize {
		return 0
	}
	return binary.LittleEndian.Uint32(data[4:8])
}

// WritePacket encodes a packet and writes it with a single Write call.
func WritePacket(w io.Writer, p *Packet) error {
	if _, err := w.Write(Encode(p)); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

// readWord reads one [length:4][bytes][0x00] entry.
func readWord(r *bytes.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", fmt.Errorf("%w: missing length", ErrTruncatedWord)
	}

	if uint64(length) > uint64(r.Len()) {
		return "", fmt.Errorf("%w: length %d, %d bytes left", ErrTruncatedWord, length, r.Len())
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTruncatedWord, err)
	}

	// Terminator. Its value is not checked and a missing one on the last
	// word is tolerated.
	_, _ = r.ReadByte()

	return decodeWord(buf), nil
}

// encodeWord converts a word to code page 1252, truncating to
// MaxWordLength characters.
func encodeWord(word string) []byte {
	out := make([]byte, 0, min(len(word), MaxWordLength))
	for _, r := range word {
		if len(out) == MaxWordLength {
			break
		}
		b, ok := charmap.Windows1252.EncodeRune(r)
		if !ok {
			b = unsupportedChar
		}
		out = append(out, b)
	}
	return out
}

func decodeWord(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = charmap.Windows1252.DecodeByte(b)
	}
	return string(runes)
}
