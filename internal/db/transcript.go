package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/frostbite/internal/events"
	"github.com/energizer-project/frostbite/internal/protocol"
)

// Direction tells whether a transcript entry was sent or received.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Entry is a single recorded packet.
type Entry struct {
	ID         int64     `json:"id"`
	Direction  Direction `json:"direction"`
	Origin     string    `json:"origin"`
	IsResponse bool      `json:"is_response"`
	Sequence   *uint32   `json:"sequence,omitempty"`
	Words      []string  `json:"words"`
	Stamp      time.Time `json:"stamp"`
}

// Transcript persists every packet crossing a connection.
type Transcript struct {
	db *Database
}

// NewTranscript opens the transcript database and migrates its schema.
func NewTranscript(dbPath string) (*Transcript, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	t := &Transcript{db: database}
	if err := t.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate transcript database: %w", err)
	}

	return t, nil
}

func (t *Transcript) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS packets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			direction TEXT NOT NULL,
			origin TEXT NOT NULL,
			is_response INTEGER NOT NULL DEFAULT 0,
			sequence INTEGER,
			words TEXT NOT NULL,
			stamp INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_packets_stamp ON packets(stamp);
	`

	if _, err := t.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("transcript schema migrated")
	return nil
}

// Close closes the underlying database.
func (t *Transcript) Close() error {
	return t.db.Close()
}

// Record stores a packet.
func (t *Transcript) Record(direction Direction, packet *protocol.Packet) error {
	words, err := json.Marshal(packet.Words)
	if err != nil {
		return fmt.Errorf("failed to marshal words: %w", err)
	}

	var seq sql.NullInt64
	if v, ok := packet.Sequence.Get(); ok {
		seq = sql.NullInt64{Int64: int64(v), Valid: true}
	}

	stamp := packet.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}

	_, err = t.db.Exec(
		`INSERT INTO packets (direction, origin, is_response, sequence, words, stamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(direction), packet.Origin.String(), packet.IsResponse, seq, string(words), stamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record packet: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (t *Transcript) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := t.db.Query(
		`SELECT id, direction, origin, is_response, sequence, words, stamp
		 FROM packets ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			direction  string
			isResponse int
			seq        sql.NullInt64
			words      string
			stamp      int64
		)
		if err := rows.Scan(&e.ID, &direction, &e.Origin, &isResponse, &seq, &words, &stamp); err != nil {
			return nil, fmt.Errorf("failed to scan transcript row: %w", err)
		}
		if err := json.Unmarshal([]byte(words), &e.Words); err != nil {
			return nil, fmt.Errorf("failed to decode words of entry %d: %w", e.ID, err)
		}
		e.Direction = Direction(direction)
		e.IsResponse = isResponse != 0
		if seq.Valid {
			v := uint32(seq.Int64)
			e.Sequence = &v
		}
		e.Stamp = time.Unix(0, stamp)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// PruneBefore deletes entries stamped before cutoff and returns how many
// were removed.
func (t *Transcript) PruneBefore(cutoff time.Time) (int64, error) {
	result, err := t.db.Exec("DELETE FROM packets WHERE stamp < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune transcript: %w", err)
	}
	return result.RowsAffected()
}

// Subscribe records sent and received packets published on the bus.
func (t *Transcript) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventPacketSent, "transcript", t.handler(DirectionSent))
	bus.Subscribe(events.EventPacketReceived, "transcript", t.handler(DirectionReceived))
}

func (t *Transcript) handler(direction Direction) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		packet := event.Packet()
		if packet == nil {
			return nil
		}
		return t.Record(direction, packet)
	}
}
