package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func assertPacketEqual(t *testing.T, got, want *Packet) {
	t.Helper()
	if got.Origin != want.Origin {
		t.Fatalf("origin: got %v want %v", got.Origin, want.Origin)
	}
	if got.IsResponse != want.IsResponse {
		t.Fatalf("is_response: got %v want %v", got.IsResponse, want.IsResponse)
	}
	if got.Sequence != want.Sequence {
		t.Fatalf("sequence: got %v want %v", got.Sequence, want.Sequence)
	}
	if !reflect.DeepEqual(got.Words, want.Words) {
		t.Fatalf("words: got %q want %q", got.Words, want.Words)
	}
}

func TestRoundTripEncodeDecode(t *testing.T) {
	packets := []*Packet{
		NewPacket(OriginClient, false, Seq(1), []string{"login.plainText", "secret"}),
		NewPacket(OriginServer, false, Seq(0), []string{"player.onJoin", "Smörgas", "€5"}),
		NewPacket(OriginServer, true, Seq(0x3ffffffe), []string{"OK"}),
		NewPacket(OriginClient, true, NoSequence(), []string{"", "two", ""}),
		NewPacket(OriginClient, false, Seq(7), []string{}),
	}

	for _, p := range packets {
		data := Encode(p)
		if got := ReadPacketSize(data); int(got) != len(data) {
			t.Fatalf("declared size %d, encoded %d bytes", got, len(data))
		}

		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %q: %v", p.Words, err)
		}
		assertPacketEqual(t, decoded, p)
	}
}

func TestEncodeLayout(t *testing.T) {
	data := Encode(NewPacket(OriginServer, true, Seq(5), []string{"OK", "a"}))

	want := []byte{
		0x05, 0x00, 0x00, 0xc0, // server | response | seq 5
		0x19, 0x00, 0x00, 0x00, // 12 + (2+5) + (1+5)
		0x02, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00, 'O', 'K', 0x00,
		0x01, 0x00, 0x00, 0x00, 'a', 0x00,
	}

	if !bytes.Equal(data, want) {
		t.Fatalf("layout mismatch\n got %x\nwant %x", data, want)
	}
}

func TestSequenceMasking(t *testing.T) {
	cases := []struct {
		name string
		seq  SequenceID
		want uint32
	}{
		{"sentinel value", Seq(0x3fffffff), 0x3fffffff},
		{"high bits clipped", Seq(0xffffffff), 0x3fffffff},
		{"bit 30 clipped", Seq(0x40000001), 0x00000001},
		{"absent", NoSequence(), 0x3fffffff},
	}

	for _, tc := range cases {
		data := Encode(NewPacket(OriginClient, false, tc.seq, []string{"x"}))
		header := binary.LittleEndian.Uint32(data[0:4])
		if header&flagOriginServer != 0 || header&flagIsResponse != 0 {
			t.Fatalf("%s: flag bits set by sequence: %08x", tc.name, header)
		}
		if got := header & sequenceMask; got != tc.want {
			t.Fatalf("%s: got %08x want %08x", tc.name, got, tc.want)
		}
	}
}

func TestDecodeSentinelIsAbsent(t *testing.T) {
	p, err := Decode(Encode(NewPacket(OriginClient, false, NoSequence(), []string{"x"})))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Sequence.IsSet() {
		t.Fatalf("expected absent sequence, got %v", p.Sequence)
	}
}

func TestEncodeTruncatesLongWords(t *testing.T) {
	long := strings.Repeat("a", 70000)
	data := Encode(NewPacket(OriginClient, false, Seq(1), []string{long}))

	wordLen := binary.LittleEndian.Uint32(data[PacketHeaderSize:])
	if wordLen != MaxWordLength {
		t.Fatalf("wire word length %d, want %d", wordLen, MaxWordLength)
	}
	if len(data) != PacketHeaderSize+MaxWordLength+WordOverhead {
		t.Fatalf("packet size %d", len(data))
	}

	p, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Words[0] != long[:MaxWordLength] {
		t.Fatalf("decoded word length %d", len(p.Words[0]))
	}
}

func TestEncodeUnsupportedCharacters(t *testing.T) {
	p, err := Decode(Encode(NewPacket(OriginClient, false, Seq(1), []string{"a世b"})))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Words[0] != "a?b" {
		t.Fatalf("got %q", p.Words[0])
	}
}

func TestDecodeShortPacket(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortPacket) {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
}

func TestDecodeTruncatedWord(t *testing.T) {
	data := Encode(NewPacket(OriginClient, false, Seq(1), []string{"hello", "world"}))

	_, err := Decode(data[:len(data)-4])
	if !errors.Is(err, ErrTruncatedWord) {
		t.Fatalf("expected ErrTruncatedWord, got %v", err)
	}

	// Word count claims more words than present.
	bad := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(bad[8:12], 3)
	_, err = Decode(bad)
	if !errors.Is(err, ErrTruncatedWord) {
		t.Fatalf("expected ErrTruncatedWord for word count, got %v", err)
	}
}

func TestDecodeIgnoresTerminatorValue(t *testing.T) {
	want := NewPacket(OriginServer, false, Seq(2), []string{"player.onKill", "Alice", "Bob"})
	data := Encode(want)

	// First word terminator holds garbage.
	data[PacketHeaderSize+4+len("player.onKill")] = 0x7f

	// Last word loses its terminator entirely.
	data = data[:len(data)-1]
	binary.LittleEndian.PutUint32(data[4:8], uint32(len(data)))

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assertPacketEqual(t, got, want)
}

func TestReadPacketSize(t *testing.T) {
	data := Encode(NewPacket(OriginClient, false, Seq(1), []string{"serverInfo"}))

	if got := ReadPacketSize(data[:PacketHeaderSize-1]); got != 0 {
		t.Fatalf("short prefix: got %d", got)
	}
	if got := ReadPacketSize(data[:PacketHeaderSize]); int(got) != len(data) {
		t.Fatalf("header only: got %d want %d", got, len(data))
	}
}

type chunkWriter struct {
	writes [][]byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestWritePacketSingleWrite(t *testing.T) {
	p := NewPacket(OriginServer, true, Seq(9), []string{"OK", "BF3", "1234"})

	var w chunkWriter
	if err := WritePacket(&w, p); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(w.writes) != 1 {
		t.Fatalf("packet split over %d writes", len(w.writes))
	}
	if !bytes.Equal(w.writes[0], Encode(p)) {
		t.Fatalf("written bytes differ from Encode")
	}

	got, err := Decode(w.writes[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assertPacketEqual(t, got, p)

	if err := WritePacket(failingWriter{}, p); err == nil {
		t.Fatalf("expected write error")
	}
}

func TestPacketString(t *testing.T) {
	p := NewPacket(OriginClient, false, Seq(1), []string{"admin.say", "Hello World!", "all"})
	if got := p.String(); got != "admin.say Hello World! all" {
		t.Fatalf("got %q", got)
	}
	if got := (&Packet{}).String(); got != "" {
		t.Fatalf("empty packet: got %q", got)
	}
}
