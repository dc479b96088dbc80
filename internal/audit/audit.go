// Package audit persists a tamper-evident trail of bus activity: every
// event a Trail subscribes to is written as a row keyed by a UUIDv7 id,
// alongside a keyed BLAKE2b checksum over its tag, source, and payload.
// This does not make the bus itself durable — it is an ordinary
// Subscriber, no different in kind from any other component.
package audit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
	"github.com/carlosmesquita/cmevents-go/internal/component"
	"github.com/carlosmesquita/cmevents-go/internal/config"
)

// Trail is a Subscriber that writes every event it observes to a
// SQLite-backed audit table, computing a keyed checksum so a tampered
// row can be detected by recomputing and comparing.
type Trail struct {
	*component.Base

	cfg config.AuditConfig
	key []byte

	db *sql.DB
}

// New builds a Trail. cfg.HMACKeyHex must decode to a non-empty byte
// string; it keys the BLAKE2b checksum. The database is opened and
// migrated in Startup, not here.
func New(id string, cfg config.AuditConfig, logger *slog.Logger) (*Trail, error) {
	key, err := hex.DecodeString(cfg.HMACKeyHex)
	if err != nil {
		return nil, fmt.Errorf("audit: decode hmac key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("audit: hmac key must not be empty")
	}
	return &Trail{
		Base: component.NewBase(id, "audit.Trail", logger),
		cfg:  cfg,
		key:  key,
	}, nil
}

// Startup opens the database and ensures the schema exists.
func (t *Trail) Startup(ctx context.Context) error {
	db, err := sql.Open("sqlite3", t.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("audit: open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return fmt.Errorf("audit: migrate: %w", err)
	}
	t.db = db
	return nil
}

// Shutdown closes the database connection.
func (t *Trail) Shutdown(ctx context.Context) error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}

func migrate(db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS audit_events (
		id         TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		source     TEXT NOT NULL,
		checksum   TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// SubscribeTo registers HandleEvent as the handler for tag, matching
// component.Subscriber. Call once per tag the trail should record.
func (t *Trail) SubscribeTo(tag bus.EventType) {
	t.SubscribeToHandler(tag, bus.AsyncHandlerFunc(t.HandleEvent))
}

// HandleEvent computes a checksum over evt and inserts a row. Rows are
// append-only — ON CONFLICT never arises because ids are fresh UUIDv7
// values, not overwrite keys.
func (t *Trail) HandleEvent(ctx context.Context, evt bus.Event) error {
	if t.db == nil {
		return fmt.Errorf("audit: trail not started")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: generate event id: %w", err)
	}

	sum, err := t.checksum(evt)
	if err != nil {
		return fmt.Errorf("audit: checksum: %w", err)
	}

	_, err = t.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, event_type, source, checksum, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id.String(), string(evt.Type), evt.Source, hex.EncodeToString(sum), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// checksum computes a keyed BLAKE2b-256 digest over the event's type,
// source, and payload, in that order, so reordering payload keys in the
// source JSON does not silently change the checksum (the payload is
// marshaled deterministically via its Go map, not re-serialized from
// stored text).
func (t *Trail) checksum(evt bus.Event) ([]byte, error) {
	h, err := blake2b.New256(t.key)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(evt.Type))
	h.Write([]byte{0})
	h.Write([]byte(evt.Source))
	h.Write([]byte{0})
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, err
	}
	h.Write(payload)
	return h.Sum(nil), nil
}

// Verify recomputes the checksum for a stored row and reports whether
// it matches, given the original event it was computed from. Intended
// for operator tooling, not the hot path.
func (t *Trail) Verify(ctx context.Context, id string, evt bus.Event) (bool, error) {
	var stored string
	err := t.db.QueryRowContext(ctx, `SELECT checksum FROM audit_events WHERE id = ?`, id).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("audit: no row for id %s", id)
	}
	if err != nil {
		return false, fmt.Errorf("audit: query %s: %w", id, err)
	}
	sum, err := t.checksum(evt)
	if err != nil {
		return false, err
	}
	return hex.EncodeToString(sum) == stored, nil
}
