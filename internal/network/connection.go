// Package network implements the client side of a Frostbite remote
// administration connection: stream framing, sequence numbers, event
// dispatch and the mandatory acknowledgement of server events.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/frostbite/internal/events"
	"github.com/energizer-project/frostbite/internal/protocol"
)

const (
	// DefaultReadBufferSize is the size of a single stream read.
	DefaultReadBufferSize = 1024

	// DefaultDialTimeout bounds the initial TCP connect.
	DefaultDialTimeout = 10 * time.Second

	// dispatchQueueSize bounds decoded packets waiting for dispatch.
	dispatchQueueSize = 64

	eventSource = "connection"
)

var (
	ErrNotConnected     = errors.New("connection is not established")
	ErrConnectionClosed = errors.New("connection has already been used")
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateClosed is terminal. A closed Connection cannot be reused.
	StateClosed
)

var stateStrings = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateClosed:       "closed",
}

// String returns the lowercase name of the state.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// Options tunes a Connection. Zero values select the defaults.
type Options struct {
	ReadBufferSize int
	DialTimeout    time.Duration
}

// Connection is one client connection to a game server's admin port.
//
// A single reader goroutine accumulates stream bytes and extracts packets;
// a single dispatcher goroutine publishes them in arrival order and
// acknowledges server events. Commands may be sent from any goroutine.
type Connection struct {
	bus    *events.EventBus
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	conn        net.Conn
	connectedAt time.Time

	// writeMu keeps each packet's bytes contiguous on the stream.
	writeMu sync.Mutex

	seqMu    sync.Mutex
	sequence uint32

	packets chan *protocol.Packet
	done    chan struct{}

	// readErr is why the reader stopped. Written before packets is closed.
	readErr error
}

// NewConnection creates a connection that publishes its events on bus.
func NewConnection(bus *events.EventBus, opts Options) *Connection {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}

	return &Connection{
		bus:     bus,
		opts:    opts,
		logger:  log.With().Str("component", "connection").Logger(),
		packets: make(chan *protocol.Packet, dispatchQueueSize),
		done:    make(chan struct{}),
	}
}

// Connect dials host:port and starts reading. On failure an error event
// is published, the connection becomes closed and the error is returned.
func (c *Connection) Connect(ctx context.Context, host string, port uint16) error {
	if err := c.transition(StateDisconnected, StateConnecting); err != nil {
		return err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	c.logger.Info().Str("addr", addr).Msg("connecting to server")

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		err = fmt.Errorf("failed to connect to %s: %w", addr, err)
		c.publishError(err)

		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.done)
		return err
	}

	c.start(conn)
	return nil
}

// Attach takes over an already established stream, for callers that dial
// themselves.
func (c *Connection) Attach(conn net.Conn) error {
	if err := c.transition(StateDisconnected, StateConnecting); err != nil {
		return err
	}
	c.start(conn)
	return nil
}

func (c *Connection) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != from {
		return fmt.Errorf("%w: state is %s", ErrConnectionClosed, c.state)
	}
	c.state = to
	return nil
}

func (c *Connection) start(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.connectedAt = time.Now()
	c.logger = log.With().
		Str("component", "connection").
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	c.mu.Unlock()

	go c.readLoop(conn)

	c.logger.Info().Msg("connected")
	c.bus.Publish(context.Background(), events.Event{
		Type:    events.EventConnected,
		Source:  eventSource,
		Payload: events.ConnectionPayload{RemoteAddr: conn.RemoteAddr().String()},
	})

	// Dispatch starts after Connected so subscribers see it first.
	go c.dispatchLoop()
}

// AcquireSequenceNumber returns the next sequence number. The first value
// issued is 1.
func (c *Connection) AcquireSequenceNumber() uint32 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.sequence++
	return c.sequence
}

// LastSequence returns the most recently issued sequence number.
func (c *Connection) LastSequence() uint32 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	return c.sequence
}

// Command sends words as a new client request and returns its sequence
// number. The response arrives as a packet_received event with the same
// sequence; matching it is up to the caller.
func (c *Connection) Command(words ...string) (uint32, error) {
	seq := c.AcquireSequenceNumber()
	return seq, c.send(protocol.NewPacket(protocol.OriginClient, false, protocol.Seq(seq), words))
}

// Login issues the plain text login command.
func (c *Connection) Login(password string) (uint32, error) {
	return c.Command("login.plainText", password)
}

// Respond replies to a received packet, keeping its origin and sequence.
func (c *Connection) Respond(packet *protocol.Packet, words ...string) error {
	return c.send(protocol.NewPacket(packet.Origin, true, packet.Sequence, words))
}

// send writes one packet. A write failure is fatal to the connection.
func (c *Connection) send(packet *protocol.Packet) error {
	c.writeMu.Lock()
	conn := c.activeConn()
	if conn == nil {
		c.writeMu.Unlock()
		return ErrNotConnected
	}
	err := protocol.WritePacket(conn, packet)
	c.writeMu.Unlock()

	if err != nil {
		if c.State() != StateConnected {
			return ErrNotConnected
		}
		c.fail(err)
		return err
	}

	c.logger.Debug().
		Str("origin", packet.Origin.String()).
		Bool("response", packet.IsResponse).
		Str("seq", packet.Sequence.String()).
		Int("words", len(packet.Words)).
		Msg("packet sent")

	c.bus.Publish(context.Background(), events.Event{
		Type:    events.EventPacketSent,
		Source:  eventSource,
		Payload: events.PacketPayload{Packet: packet},
	})
	return nil
}

func (c *Connection) activeConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.conn
}

// readLoop is the only reader of the stream and the only owner of the
// receive buffer. It never tears the connection down itself: it records
// why it stopped and leaves shutdown to the dispatcher, so every packet
// already queued is dispatched and acknowledged first.
func (c *Connection) readLoop(conn net.Conn) {
	var cause error
	defer func() {
		c.readErr = cause
		close(c.packets)
	}()

	framer := NewFramer()
	buf := make([]byte, c.opts.ReadBufferSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			packets, ferr := framer.Feed(buf[:n])
			for _, p := range packets {
				c.packets <- p
			}
			if ferr != nil {
				cause = fmt.Errorf("failed to decode packet: %w", ferr)
				return
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Info().Int("buffered", framer.Buffered()).Msg("server closed connection")
				cause = io.EOF
				return
			}
			cause = fmt.Errorf("failed to read from server: %w", err)
			return
		}
	}
}

func (c *Connection) dispatchLoop() {
	defer close(c.done)

	for p := range c.packets {
		c.dispatch(p)
	}

	// The reader has stopped and the queue is drained.
	if errors.Is(c.readErr, io.EOF) {
		c.Shutdown()
		return
	}
	// Read errors after a local shutdown are dropped by fail.
	c.fail(c.readErr)
}

// dispatch publishes a received packet, then acknowledges it if it is a
// new event from the server. Servers drop clients that do not acknowledge.
func (c *Connection) dispatch(packet *protocol.Packet) {
	c.logger.Debug().
		Str("origin", packet.Origin.String()).
		Bool("response", packet.IsResponse).
		Str("seq", packet.Sequence.String()).
		Str("command", packet.Command()).
		Msg("packet received")

	c.bus.Publish(context.Background(), events.Event{
		Type:    events.EventPacketReceived,
		Source:  eventSource,
		Payload: events.PacketPayload{Packet: packet},
	})

	if packet.IsServerEvent() {
		if err := c.Respond(packet, "OK"); err != nil {
			c.logger.Debug().Err(err).Str("seq", packet.Sequence.String()).Msg("event not acknowledged")
		}
	}
}

func (c *Connection) publishError(err error) {
	c.logger.Error().Err(err).Msg("connection error")
	c.bus.Publish(context.Background(), events.Event{
		Type:    events.EventError,
		Source:  eventSource,
		Payload: events.ErrorPayload{Err: err},
	})
}

// fail reports a fault and tears the connection down. Faults that race
// with a shutdown already in progress are dropped.
func (c *Connection) fail(err error) {
	if c.State() != StateConnected {
		return
	}
	c.publishError(err)
	c.Shutdown()
}

// Shutdown closes the stream and publishes the disconnected event. Only
// the first call on a connected Connection has any effect.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	conn := c.conn
	c.mu.Unlock()

	if err := conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("close error")
	}

	c.logger.Info().Msg("disconnected")
	c.bus.Publish(context.Background(), events.Event{
		Type:   events.EventDisconnected,
		Source: eventSource,
	})
}

// Done is closed once the connection has stopped and every received
// packet has been dispatched.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the stream is open.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// RemoteAddr returns the server address, or "" before connecting.
func (c *Connection) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}
