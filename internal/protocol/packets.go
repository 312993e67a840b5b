// Package protocol implements the word-based binary protocol spoken by
// Frostbite game servers over their remote administration port. Every
// message is a Packet: a 12-byte little-endian header followed by a list
// of length-prefixed, null-terminated words.
package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Header layout constants.
const (
	// PacketHeaderSize is the fixed size of the header: flags+sequence,
	// total packet size and word count, each a uint32.
	PacketHeaderSize = 12

	// WordOverhead is the per-word framing cost: a uint32 length and a
	// trailing null byte.
	WordOverhead = 5

	// MaxWordLength is the longest word Encode will emit. Longer words are
	// truncated.
	MaxWordLength = 65534

	// MaxPacketSize is the largest total size a received packet may
	// declare. Larger declarations are treated as a corrupt stream.
	MaxPacketSize = 16 << 20

	flagOriginServer uint32 = 0x80000000
	flagIsResponse   uint32 = 0x40000000
	sequenceMask     uint32 = 0x3fffffff
)

// Origin identifies which side issued the command or event a packet
// belongs to. Responses echo the origin of the packet they answer.
type Origin int

const (
	OriginNone Origin = iota
	OriginClient
	OriginServer
)

var originStrings = map[Origin]string{
	OriginNone:   "none",
	OriginClient: "client",
	OriginServer: "server",
}

// String returns the lowercase name of the origin.
func (o Origin) String() string {
	if s, ok := originStrings[o]; ok {
		return s
	}
	return "none"
}

// SequenceID is an optional 30-bit correlation id. The zero value is
// "no sequence".
type SequenceID struct {
	value uint32
	set   bool
}

// Seq returns a present sequence id.
func Seq(v uint32) SequenceID {
	return SequenceID{value: v, set: true}
}

// NoSequence returns the absent sequence id.
func NoSequence() SequenceID {
	return SequenceID{}
}

// Get returns the value and whether it is present.
func (s SequenceID) Get() (uint32, bool) {
	return s.value, s.set
}

// IsSet reports whether a sequence id is present.
func (s SequenceID) IsSet() bool {
	return s.set
}

// String returns the decimal id, or "-" when absent.
func (s SequenceID) String() string {
	if !s.set {
		return "-"
	}
	return fmt.Sprintf("%d", s.value)
}

// Packet is a single protocol message. The same shape is used for
// client commands, server events and the responses to either.
type Packet struct {
	Origin     Origin
	IsResponse bool
	Sequence   SequenceID
	Words      []string

	// Stamp is the local creation time. It is not transmitted.
	Stamp time.Time
}

// NewPacket creates a packet stamped with the current time.
func NewPacket(origin Origin, isResponse bool, seq SequenceID, words []string) *Packet {
	return &Packet{
		Origin:     origin,
		IsResponse: isResponse,
		Sequence:   seq,
		Words:      words,
		Stamp:      time.Now(),
	}
}

// String joins the words with single spaces.
func (p *Packet) String() string {
	return strings.Join(p.Words, " ")
}

// Command returns the first word, conventionally the command or event name.
func (p *Packet) Command() string {
	if len(p.Words) == 0 {
		return ""
	}
	return p.Words[0]
}

// IsServerEvent reports whether the server originated this packet as a new
// event rather than a reply. Such packets must be acknowledged.
func (p *Packet) IsServerEvent() bool {
	return p.Origin == OriginServer && !p.IsResponse
}
