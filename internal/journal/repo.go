package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/replica"
)

// Entry is a journaled message.
type Entry struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	Source           string    `json:"source"`
	Target           string    `json:"target"`
	Sender           string    `json:"sender"`
	Method           string    `json:"method"`
	Status           string    `json:"status"`
	RejectionCode    int       `json:"rejection_code"`
	RejectionMessage string    `json:"rejection_message,omitempty"`
	Cycles           string    `json:"cycles"`
	Args             []byte    `json:"args,omitempty"`
	Result           []byte    `json:"result,omitempty"`
	ReplyContext     string    `json:"reply_context,omitempty"`
	Origin           string    `json:"origin,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	CompletedAt      time.Time `json:"completed_at,omitzero"`
}

// EventRow is a journaled lifecycle event.
type EventRow struct {
	Seq       int64     `json:"seq"`
	Kind      string    `json:"kind"`
	Canister  string    `json:"canister,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Canister string
	Method   string
	Status   string
	Limit    int
	Offset   int
}

// Observer returns a replica observer that journals every event. Write
// failures are logged; they never fail the replica.
func (db *DB) Observer(logger *slog.Logger) replica.Observer {
	return func(ev replica.Event) {
		if err := db.Record(ev); err != nil {
			logger.Warn("journal: record failed", slog.String("kind", string(ev.Kind)), slog.String("error", err.Error()))
		}
	}
}

// Record stores ev and, for message events, the message itself.
func (db *DB) Record(ev replica.Event) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("journal: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	var canister, messageID string
	if ev.Canister.Len() > 0 {
		canister = ev.Canister.String()
	}
	if ev.Message != nil {
		messageID = ev.Message.ID
		if err := upsertMessage(tx, ev.Message); err != nil {
			return err
		}
	}
	if ev.Kind == replica.EventClean {
		// A clean restarts message ids; older rows would collide.
		if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
			return fmt.Errorf("journal: clear messages: %w", err)
		}
	}
	_, err = tx.Exec(`INSERT INTO events (kind, canister, message_id, at) VALUES (?, ?, ?, ?)`,
		string(ev.Kind), canister, messageID, ev.Time)
	if err != nil {
		return fmt.Errorf("journal: insert event: %w", err)
	}
	return tx.Commit()
}

// EntryOf converts a message into its journal form.
func EntryOf(m *models.Message) Entry {
	completed := m.CompletedAt
	if completed.IsZero() && m.Terminal() {
		completed = time.Now()
	}
	return Entry{
		ID:               m.ID,
		Type:             string(m.Type),
		Source:           m.Source.String(),
		Target:           m.Target.String(),
		Sender:           m.Sender.String(),
		Method:           m.Method,
		Status:           m.Status.String(),
		RejectionCode:    int(m.RejectionCode),
		RejectionMessage: m.RejectionMessage,
		Cycles:           m.Cycles.String(),
		Args:             m.Args,
		Result:           m.Result,
		ReplyContext:     m.ReplyContext,
		Origin:           m.Origin,
		CreatedAt:        m.CreatedAt,
		CompletedAt:      completed,
	}
}

func upsertMessage(tx *sql.Tx, m *models.Message) error {
	e := EntryOf(m)
	_, err := tx.Exec(`
		INSERT INTO messages (id, type, source, target, sender, method, status, rejection_code,
			rejection_message, cycles, args, result, reply_context, origin, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status            = excluded.status,
			rejection_code    = excluded.rejection_code,
			rejection_message = excluded.rejection_message,
			result            = excluded.result,
			completed_at      = excluded.completed_at
	`, e.ID, e.Type, e.Source, e.Target, e.Sender, e.Method, e.Status, e.RejectionCode, e.RejectionMessage,
		e.Cycles, e.Args, e.Result, e.ReplyContext, e.Origin, e.CreatedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("journal: upsert message: %w", err)
	}
	return nil
}

const messageColumns = `id, type, source, target, sender, method, status, rejection_code,
	rejection_message, cycles, args, result, reply_context, origin, created_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	err := s.Scan(&e.ID, &e.Type, &e.Source, &e.Target, &e.Sender, &e.Method, &e.Status, &e.RejectionCode,
		&e.RejectionMessage, &e.Cycles, &e.Args, &e.Result, &e.ReplyContext, &e.Origin, &e.CreatedAt, &e.CompletedAt)
	return e, err
}

// Get returns one journaled message.
func (db *DB) Get(id string) (*Entry, error) {
	row := db.conn.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("journal: message %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get: %w", err)
	}
	return &e, nil
}

// List returns matching messages newest first, and the total match count.
func (db *DB) List(f Filter) ([]Entry, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var where []string
	var args []any
	if f.Canister != "" {
		where = append(where, "target = ?")
		args = append(args, f.Canister)
	}
	if f.Method != "" {
		where = append(where, "method = ?")
		args = append(args, f.Method)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.conn.QueryRow(`SELECT count(*) FROM messages`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("journal: count: %w", err)
	}

	rows, err := db.conn.Query(`SELECT `+messageColumns+` FROM messages`+clause+
		` ORDER BY CAST(id AS INTEGER) DESC LIMIT ? OFFSET ?`, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// Events returns the most recent events, newest first. A non-empty
// canister restricts them to that canister.
func (db *DB) Events(canister string, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT seq, kind, canister, message_id, at FROM events`
	var args []any
	if canister != "" {
		query += ` WHERE canister = ?`
		args = append(args, canister)
	}
	rows, err := db.conn.Query(query+` ORDER BY seq DESC LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("journal: events: %w", err)
	}
	defer rows.Close()

	out := []EventRow{}
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.Seq, &r.Kind, &r.Canister, &r.MessageID, &r.At); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats counts journaled messages by status.
func (db *DB) Stats() (map[string]int, error) {
	rows, err := db.conn.Query(`SELECT status, count(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("journal: stats: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
