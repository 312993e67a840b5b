// Package cli implements the interactive frostcon shell: it prompts for
// missing connection details, echoes connection activity and sends every
// typed line to the server as a command.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/frostbite/internal/config"
	"github.com/energizer-project/frostbite/internal/db"
	"github.com/energizer-project/frostbite/internal/events"
	"github.com/energizer-project/frostbite/internal/network"
	"github.com/energizer-project/frostbite/internal/protocol"
)

const defaultHistoryLimit = 20

// History lists recorded packets for the history command.
type History interface {
	Recent(limit int) ([]db.Entry, error)
}

// Shell provides the interactive command-line interface.
type Shell struct {
	cfg     *config.Config
	bus     *events.EventBus
	conn    *network.Connection
	history History

	in    *bufio.Reader
	outMu sync.Mutex
	out   io.Writer
}

// NewShell creates a shell reading operator input from in and writing to
// out. history may be nil when the transcript is disabled.
func NewShell(cfg *config.Config, bus *events.EventBus, conn *network.Connection, history History, in io.Reader, out io.Writer) *Shell {
	return &Shell{
		cfg:     cfg,
		bus:     bus,
		conn:    conn,
		history: history,
		in:      bufio.NewReader(in),
		out:     out,
	}
}

// Subscribe registers the console echo handlers. When auto login is on,
// the plain text login is sent as soon as the connection is up.
func (s *Shell) Subscribe() {
	s.bus.Subscribe(events.EventConnected, "cli.connected", func(ctx context.Context, e events.Event) error {
		s.println("Connected")
		if s.cfg.GetConnection().AutoLogin {
			if _, err := s.conn.Login(s.cfg.GetConnection().Password); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
		}
		return nil
	})
	s.bus.Subscribe(events.EventDisconnected, "cli.disconnected", func(ctx context.Context, e events.Event) error {
		s.println("Disconnected")
		return nil
	})
	s.bus.Subscribe(events.EventError, "cli.error", func(ctx context.Context, e events.Event) error {
		s.printf("ERROR: %v\n", e.Err())
		return nil
	})
	s.bus.Subscribe(events.EventPacketSent, "cli.sent", func(ctx context.Context, e events.Event) error {
		s.printf("SENT: %s\n", e.Packet())
		return nil
	})
	s.bus.Subscribe(events.EventPacketReceived, "cli.received", func(ctx context.Context, e events.Event) error {
		s.printf("RECV: %s\n", e.Packet())
		return nil
	})
}

// Run prompts for missing settings, connects and processes input lines
// until the operator exits, input ends, the server disconnects or ctx is
// cancelled.
func (s *Shell) Run(ctx context.Context) error {
	if s.cfg.NeedsPrompt() {
		if err := config.PromptConnection(s.in, s.out, s.cfg); err != nil {
			return err
		}
	}

	conn := s.cfg.GetConnection()
	s.printHelp()
	s.printf("Attempting connection to %s:%d\n", conn.Host, conn.Port)

	if err := s.conn.Connect(ctx, conn.Host, conn.Port); err != nil {
		return err
	}

	lines := make(chan string)
	quit := make(chan struct{})
	defer close(quit)
	go s.readLines(lines, quit)

	for {
		select {
		case <-ctx.Done():
			s.stop()
			return nil
		case <-s.conn.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				s.stop()
				return nil
			}
			if s.execute(line) {
				s.stop()
				return nil
			}
		}
	}
}

// readLines feeds input lines to the loop and closes lines at end of input.
func (s *Shell) readLines(lines chan<- string, quit <-chan struct{}) {
	defer close(lines)
	for {
		line, err := s.in.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" || err == nil {
			select {
			case lines <- line:
			case <-quit:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("failed to read input")
			}
			return
		}
	}
}

// execute handles one input line and reports whether the shell should exit.
func (s *Shell) execute(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}

	if strings.EqualFold(strings.TrimSpace(line), "exit") {
		return true
	}

	fields := strings.Fields(line)
	if strings.EqualFold(fields[0], "history") {
		s.printHistory(fields[1:])
		return false
	}

	if _, err := s.conn.Command(protocol.Wordify(line)...); err != nil {
		if errors.Is(err, network.ErrNotConnected) {
			s.println("ERROR: not connected")
		}
		// Write failures are already reported through the error event.
	}
	return false
}

// stop shuts the connection down and waits for pending events to print.
func (s *Shell) stop() {
	s.conn.Shutdown()
	<-s.conn.Done()
}

func (s *Shell) printHelp() {
	s.println("Type 'exit' to close the application")
	s.println("Type 'history [n]' to list recorded packets")
	s.println("Try the following commands:")
	s.println("\tadmin.help")
	s.println("\tadmin.say \"Hello World!\" all")
	s.println("\tadmin.eventsEnabled true")
}

// printHistory displays the newest transcript entries in a table.
func (s *Shell) printHistory(args []string) {
	if s.history == nil {
		s.println("History is unavailable: the transcript is disabled")
		return
	}

	limit := defaultHistoryLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			s.printf("Invalid count: %s\n", args[0])
			return
		}
		limit = n
	}

	entries, err := s.history.Recent(limit)
	if err != nil {
		s.printf("ERROR: %v\n", err)
		return
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()

	tw := tablewriter.NewWriter(s.out)
	tw.SetHeader([]string{"ID", "Time", "Dir", "Origin", "Resp", "Seq", "Words"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	// Oldest first reads naturally in a terminal.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		seq := "-"
		if e.Sequence != nil {
			seq = strconv.FormatUint(uint64(*e.Sequence), 10)
		}
		tw.Append([]string{
			strconv.FormatInt(e.ID, 10),
			e.Stamp.Format("15:04:05"),
			string(e.Direction),
			e.Origin,
			strconv.FormatBool(e.IsResponse),
			seq,
			strings.Join(e.Words, " "),
		})
	}

	tw.Render()
}

func (s *Shell) println(line string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.out, line)
}

func (s *Shell) printf(format string, args ...interface{}) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}
