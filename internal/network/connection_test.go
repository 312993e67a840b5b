package network

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/frostbite/internal/events"
	"github.com/energizer-project/frostbite/internal/protocol"
	"github.com/energizer-project/frostbite/internal/protocol/protocoltest"
)

const waitTimeout = 2 * time.Second

type recorder struct {
	ch chan events.Event
}

func newRecorder(bus *events.EventBus) *recorder {
	r := &recorder{ch: make(chan events.Event, 256)}
	for _, et := range []events.EventType{
		events.EventConnected,
		events.EventDisconnected,
		events.EventError,
		events.EventPacketReceived,
		events.EventPacketSent,
	} {
		bus.Subscribe(et, "test.recorder", func(ctx context.Context, e events.Event) error {
			r.ch <- e
			return nil
		})
	}
	return r
}

func (r *recorder) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for event")
		return events.Event{}
	}
}

func (r *recorder) expect(t *testing.T, et events.EventType) events.Event {
	t.Helper()
	e := r.next(t)
	if e.Type != et {
		t.Fatalf("got event %s (%v), want %s", e.Type, e.Payload, et)
	}
	return e
}

func (r *recorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.ch:
		t.Fatalf("unexpected event %s (%v)", e.Type, e.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

// fakeServer accepts a single client on loopback.
type fakeServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, conns: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.conns <- conn
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) port() uint16 {
	return uint16(s.ln.Addr().(*net.TCPAddr).Port)
}

func (s *fakeServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(waitTimeout):
		t.Fatalf("no client connected")
		return nil
	}
}

func readPacket(t *testing.T, conn net.Conn) *protocol.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	p, err := protocoltest.ReadPacket(conn)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	return p
}

func connect(t *testing.T) (*Connection, *recorder, net.Conn) {
	t.Helper()
	bus := events.NewEventBus()
	rec := newRecorder(bus)
	c, server := dial(t, bus)
	rec.expect(t, events.EventConnected)
	return c, rec, server
}

// dial connects a client publishing on bus to a fresh fake server.
func dial(t *testing.T, bus *events.EventBus) (*Connection, net.Conn) {
	t.Helper()
	srv := newFakeServer(t)

	c := NewConnection(bus, Options{})
	if err := c.Connect(context.Background(), "127.0.0.1", srv.port()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Shutdown)

	return c, srv.accept(t)
}

func expectAck(t *testing.T, p *protocol.Packet, seq uint32) {
	t.Helper()
	if p.Origin != protocol.OriginServer || !p.IsResponse || !reflect.DeepEqual(p.Words, []string{"OK"}) {
		t.Fatalf("not an ack: %+v", p)
	}
	if got, ok := p.Sequence.Get(); !ok || got != seq {
		t.Fatalf("ack sequence %v, want %d", p.Sequence, seq)
	}
}

func TestCommandIssuesSequencedRequests(t *testing.T) {
	c, rec, server := connect(t)

	seq, err := c.Login("secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if seq != 1 {
		t.Fatalf("login sequence %d", seq)
	}

	if seq, err = c.Command("admin.say", "Hello World!", "all"); err != nil || seq != 2 {
		t.Fatalf("command: seq %d err %v", seq, err)
	}

	p := readPacket(t, server)
	if p.Origin != protocol.OriginClient || p.IsResponse {
		t.Fatalf("login flags: %+v", p)
	}
	if got, _ := p.Sequence.Get(); got != 1 {
		t.Fatalf("login seq %d", got)
	}
	if !reflect.DeepEqual(p.Words, []string{"login.plainText", "secret"}) {
		t.Fatalf("login words %q", p.Words)
	}

	p = readPacket(t, server)
	if got, _ := p.Sequence.Get(); got != 2 || p.Words[1] != "Hello World!" {
		t.Fatalf("command packet %+v", p)
	}

	sent := rec.expect(t, events.EventPacketSent)
	if sent.Packet().Command() != "login.plainText" {
		t.Fatalf("first sent event %q", sent.Packet().Words)
	}
	rec.expect(t, events.EventPacketSent)
}

func TestDispatchAcknowledgesServerEvents(t *testing.T) {
	_, rec, server := connect(t)

	a := protocol.Encode(protocol.NewPacket(protocol.OriginClient, false, protocol.Seq(5), []string{"OK"}))
	b := protocol.Encode(protocol.NewPacket(protocol.OriginServer, false, protocol.Seq(0), []string{"admin.say", "hi", "all"}))
	if _, err := server.Write(append(a, b...)); err != nil {
		t.Fatalf("server write: %v", err)
	}

	first := rec.expect(t, events.EventPacketReceived).Packet()
	if seq, _ := first.Sequence.Get(); seq != 5 || first.Words[0] != "OK" {
		t.Fatalf("first dispatched %+v", first)
	}
	second := rec.expect(t, events.EventPacketReceived).Packet()
	if second.Command() != "admin.say" {
		t.Fatalf("second dispatched %+v", second)
	}

	ack := rec.expect(t, events.EventPacketSent).Packet()
	if ack.Origin != protocol.OriginServer || !ack.IsResponse || !reflect.DeepEqual(ack.Words, []string{"OK"}) {
		t.Fatalf("ack %+v", ack)
	}

	p := readPacket(t, server)
	if seq, ok := p.Sequence.Get(); !ok || seq != 0 {
		t.Fatalf("ack sequence %v", p.Sequence)
	}
	if p.Origin != protocol.OriginServer || !p.IsResponse || !reflect.DeepEqual(p.Words, []string{"OK"}) {
		t.Fatalf("ack on wire %+v", p)
	}
}

func TestDispatchDoesNotAcknowledgeResponses(t *testing.T) {
	_, rec, server := connect(t)

	reply := protocol.Encode(protocol.NewPacket(protocol.OriginServer, true, protocol.Seq(3), []string{"OK"}))
	event := protocol.Encode(protocol.NewPacket(protocol.OriginServer, false, protocol.Seq(9), []string{"player.onLeave", "bob"}))
	server.Write(reply)
	server.Write(event)

	rec.expect(t, events.EventPacketReceived)
	rec.expect(t, events.EventPacketReceived)
	rec.expect(t, events.EventPacketSent)
	rec.expectNone(t)

	// The only packet on the wire acknowledges the event, not the reply.
	p := readPacket(t, server)
	if seq, _ := p.Sequence.Get(); seq != 9 {
		t.Fatalf("acknowledged sequence %d", seq)
	}
}

func TestAcquireSequenceNumberConcurrent(t *testing.T) {
	c := NewConnection(events.NewEventBus(), Options{})

	const n = 200
	results := make([]uint32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.AcquireSequenceNumber()
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, v := range results {
		if v != uint32(i+1) {
			t.Fatalf("results[%d] = %d, want %d", i, v, i+1)
		}
	}
	if c.LastSequence() != n {
		t.Fatalf("last sequence %d", c.LastSequence())
	}
}

func TestPeerCloseDisconnectsWithoutError(t *testing.T) {
	c, rec, server := connect(t)

	server.Close()

	rec.expect(t, events.EventDisconnected)
	rec.expectNone(t)

	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("connection did not stop")
	}
	if c.State() != StateClosed {
		t.Fatalf("state %s", c.State())
	}

	if _, err := c.Command("serverInfo"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("command after close: %v", err)
	}
}

func TestPeerCloseAcknowledgesQueuedEvents(t *testing.T) {
	bus := events.NewEventBus()
	bus.Subscribe(events.EventPacketReceived, "test.slow", func(ctx context.Context, e events.Event) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	rec := newRecorder(bus)
	c, server := dial(t, bus)
	rec.expect(t, events.EventConnected)

	event := protocol.NewPacket(protocol.OriginServer, false, protocol.Seq(7), []string{"player.onJoin", "Alice", "EA_1234"})
	if err := protocol.WritePacket(server, event); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if err := server.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}

	expectAck(t, readPacket(t, server), 7)

	rec.expect(t, events.EventPacketReceived)
	rec.expect(t, events.EventPacketSent)
	rec.expect(t, events.EventDisconnected)
	rec.expectNone(t)

	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("connection did not stop")
	}
}

func TestDecodeErrorAfterEventStillAcknowledges(t *testing.T) {
	c, rec, server := connect(t)

	good := protocol.Encode(protocol.NewPacket(protocol.OriginServer, false, protocol.Seq(3), []string{"player.onLeave", "Alice"}))
	bad := protocol.Encode(protocol.NewPacket(protocol.OriginServer, false, protocol.Seq(4), []string{"x"}))
	bad[8] = 9
	if _, err := server.Write(append(good, bad...)); err != nil {
		t.Fatalf("server write: %v", err)
	}

	expectAck(t, readPacket(t, server), 3)

	if got := rec.expect(t, events.EventPacketReceived).Packet(); got.Command() != "player.onLeave" {
		t.Fatalf("received %q", got.Words)
	}
	rec.expect(t, events.EventPacketSent)
	e := rec.expect(t, events.EventError)
	if !errors.Is(e.Err(), protocol.ErrTruncatedWord) {
		t.Fatalf("error cause %v", e.Err())
	}
	rec.expect(t, events.EventDisconnected)
	rec.expectNone(t)

	if c.IsConnected() {
		t.Fatalf("still connected")
	}
}

func TestOversizedPacketShutsDown(t *testing.T) {
	_, rec, server := connect(t)

	header := make([]byte, protocol.PacketHeaderSize)
	binary.LittleEndian.PutUint32(header[4:8], protocol.MaxPacketSize+1)
	server.Write(header)

	e := rec.expect(t, events.EventError)
	if !errors.Is(e.Err(), protocol.ErrPacketTooLarge) {
		t.Fatalf("error cause %v", e.Err())
	}
	rec.expect(t, events.EventDisconnected)
}

func TestConcurrentWritesStayWhole(t *testing.T) {
	c, _, server := connect(t)

	const commands = 50
	const pushed = 20
	const firstEvent = 1000

	go func() {
		for i := 0; i < pushed; i++ {
			event := protocol.NewPacket(protocol.OriginServer, false, protocol.Seq(uint32(firstEvent+i)),
				[]string{"player.onChat", "Server", strings.Repeat("y", 200), "all"})
			if err := protocol.WritePacket(server, event); err != nil {
				return
			}
		}
	}()

	text := strings.Repeat("x", 300)
	errs := make(chan error, commands)
	var wg sync.WaitGroup
	for i := 0; i < commands; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Command("admin.say", text, "all"); err != nil {
				errs <- err
			}
		}()
	}

	requests := make(map[uint32]bool)
	acks := make(map[uint32]bool)
	for i := 0; i < commands+pushed; i++ {
		p := readPacket(t, server)
		seq, ok := p.Sequence.Get()
		if !ok {
			t.Fatalf("packet without sequence: %+v", p)
		}
		if p.IsResponse {
			expectAck(t, p, seq)
			acks[seq] = true
			continue
		}
		if p.Origin != protocol.OriginClient || !reflect.DeepEqual(p.Words, []string{"admin.say", text, "all"}) {
			t.Fatalf("interleaved request %+v", p)
		}
		requests[seq] = true
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("command: %v", err)
	}

	for seq := uint32(1); seq <= commands; seq++ {
		if !requests[seq] {
			t.Fatalf("request %d missing, got %v", seq, requests)
		}
	}
	for seq := uint32(firstEvent); seq < firstEvent+pushed; seq++ {
		if !acks[seq] {
			t.Fatalf("ack %d missing, got %v", seq, acks)
		}
	}
	if len(requests) != commands || len(acks) != pushed {
		t.Fatalf("got %d requests and %d acks", len(requests), len(acks))
	}
}

func TestAttachServesExistingStream(t *testing.T) {
	bus := events.NewEventBus()
	rec := newRecorder(bus)
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	c := NewConnection(bus, Options{})
	if err := c.Attach(client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(c.Shutdown)
	rec.expect(t, events.EventConnected)

	event := protocol.NewPacket(protocol.OriginServer, false, protocol.Seq(11), []string{"server.onRoundOver", "1"})
	if err := protocol.WritePacket(server, event); err != nil {
		t.Fatalf("server write: %v", err)
	}
	expectAck(t, readPacket(t, server), 11)

	if got := rec.expect(t, events.EventPacketReceived).Packet(); got.Command() != "server.onRoundOver" {
		t.Fatalf("received %q", got.Words)
	}
	rec.expect(t, events.EventPacketSent)

	if err := c.Attach(client); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("second attach: %v", err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	c, rec, _ := connect(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Shutdown()
		}()
	}
	wg.Wait()

	rec.expect(t, events.EventDisconnected)
	rec.expectNone(t)

	if err := c.Attach(nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("reuse after shutdown: %v", err)
	}
}

func TestDecodeErrorShutsDown(t *testing.T) {
	c, rec, server := connect(t)

	data := protocol.Encode(protocol.NewPacket(protocol.OriginServer, false, protocol.Seq(1), []string{"x"}))
	data[8] = 9 // claim nine words
	server.Write(data)

	e := rec.expect(t, events.EventError)
	if !errors.Is(e.Err(), protocol.ErrTruncatedWord) {
		t.Fatalf("error cause %v", e.Err())
	}
	rec.expect(t, events.EventDisconnected)

	if c.IsConnected() {
		t.Fatalf("still connected")
	}
}

func TestConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	bus := events.NewEventBus()
	rec := newRecorder(bus)
	c := NewConnection(bus, Options{DialTimeout: time.Second})

	if err := c.Connect(context.Background(), "127.0.0.1", port); err == nil {
		t.Fatalf("expected connect error")
	}
	rec.expect(t, events.EventError)
	rec.expectNone(t)

	if c.State() != StateClosed {
		t.Fatalf("state %s", c.State())
	}
	if err := c.Connect(context.Background(), "127.0.0.1", port); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("reconnect: %v", err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	c := NewConnection(events.NewEventBus(), Options{})
	if _, err := c.Command("version"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state %s", c.State())
	}
}
