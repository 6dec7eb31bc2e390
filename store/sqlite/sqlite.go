// Package sqlite implements the structured store on modernc.org/sqlite,
// a pure Go driver, so local deployments need no cgo toolchain.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	muninn "github.com/muninn-ai/muninn-go"
)

// defaultQueryLimit caps filtered queries when the caller passes none.
const defaultQueryLimit = 100

// defaultRecentLimit applies to the Recent* sugar when n <= 0.
const defaultRecentLimit = 10

// Store is the SQLite-backed structured store. A single connection serializes
// writers (the file is a single-writer resource); WAL keeps readers from
// blocking behind them.
type Store struct {
	db   *sql.DB
	path string
}

var _ muninn.Store = (*Store)(nil)

var initStatements = []string{
	`PRAGMA journal_mode=WAL;`,
	`PRAGMA synchronous=NORMAL;`,
	`PRAGMA busy_timeout=5000;`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		timestamp_iso TEXT NOT NULL,
		category TEXT NOT NULL,
		payload TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		link_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		created_at_iso TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		description TEXT NOT NULL,
		first_seen INTEGER NOT NULL,
		first_seen_iso TEXT NOT NULL,
		last_seen INTEGER NOT NULL,
		last_seen_iso TEXT NOT NULL,
		occurrences INTEGER NOT NULL DEFAULT 1,
		confidence REAL NOT NULL,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		created_at_iso TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		timestamp_iso TEXT NOT NULL,
		action TEXT NOT NULL,
		reasoning TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		success INTEGER,
		link_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		created_at_iso TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		timestamp_iso TEXT NOT NULL,
		contact TEXT NOT NULL,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		topics TEXT NOT NULL,
		action_items TEXT NOT NULL,
		sentiment TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		link_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		created_at_iso TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS contact_notes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		timestamp_iso TEXT NOT NULL,
		contact TEXT NOT NULL,
		note TEXT NOT NULL,
		tags TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		created_at_iso TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);`,
	`CREATE INDEX IF NOT EXISTS idx_events_category ON events(category);`,
	`CREATE INDEX IF NOT EXISTS idx_patterns_category ON patterns(category);`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_contact ON interactions(contact);`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp);`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_kind ON interactions(kind);`,
	`CREATE INDEX IF NOT EXISTS idx_contact_notes_contact ON contact_notes(contact);`,
	`CREATE INDEX IF NOT EXISTS idx_contact_notes_timestamp ON contact_notes(timestamp);`,
}

// New opens (creating if necessary) the database at path and ensures the
// schema. Open or schema failures wrap muninn.ErrStorageUnavailable.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr("create data dir", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open database", err)
	}

	// One connection: sqlite allows a single writer and modernc's driver
	// surfaces concurrent write attempts as busy errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range initStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, storageErr("init schema", err)
		}
	}

	log.Printf("[SQLITE] Opened %s", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertEvent assigns id, timestamp default and created-at, persists the
// event and returns the id. The passed struct is updated in place.
func (s *Store) InsertEvent(ctx context.Context, ev *muninn.Event) (int64, error) {
	now := time.Now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.CreatedAt = now

	payload, err := jsonEncode(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	metadata, err := jsonEncode(ev.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, timestamp_iso, category, payload, description, link_id, metadata, created_at, created_at_iso)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.UnixMilli(), isoTime(ev.Timestamp),
		ev.Category, payload, ev.Description, ev.LinkID, metadata,
		now.UnixMilli(), isoTime(now),
	)
	if err != nil {
		return 0, storageErr("insert event", err)
	}

	ev.ID, err = res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert event id", err)
	}
	return ev.ID, nil
}

// InsertDecision mirrors InsertEvent for decisions. A nil Success stays NULL
// in storage and round-trips as nil.
func (s *Store) InsertDecision(ctx context.Context, d *muninn.Decision) (int64, error) {
	now := time.Now()
	if d.Timestamp.IsZero() {
		d.Timestamp = now
	}
	d.CreatedAt = now

	decisionCtx, err := jsonEncode(d.Context)
	if err != nil {
		return 0, fmt.Errorf("encode context: %w", err)
	}

	var success any
	if d.Success != nil {
		success = *d.Success
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (timestamp, timestamp_iso, action, reasoning, context, outcome, success, link_id, created_at, created_at_iso)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Timestamp.UnixMilli(), isoTime(d.Timestamp),
		d.Action, d.Reasoning, decisionCtx, d.Outcome, success, d.LinkID,
		now.UnixMilli(), isoTime(now),
	)
	if err != nil {
		return 0, storageErr("insert decision", err)
	}

	d.ID, err = res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert decision id", err)
	}
	return d.ID, nil
}

// InsertPattern persists a pattern record, defaulting first/last seen to now.
func (s *Store) InsertPattern(ctx context.Context, p *muninn.Pattern) (int64, error) {
	now := time.Now()
	if p.FirstSeen.IsZero() {
		p.FirstSeen = now
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = now
	}
	if p.Occurrences == 0 {
		p.Occurrences = 1
	}
	p.CreatedAt = now

	data, err := jsonEncode(p.Data)
	if err != nil {
		return 0, fmt.Errorf("encode data: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (category, description, first_seen, first_seen_iso, last_seen, last_seen_iso, occurrences, confidence, data, created_at, created_at_iso)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Category, p.Description,
		p.FirstSeen.UnixMilli(), isoTime(p.FirstSeen),
		p.LastSeen.UnixMilli(), isoTime(p.LastSeen),
		p.Occurrences, p.Confidence, data,
		now.UnixMilli(), isoTime(now),
	)
	if err != nil {
		return 0, storageErr("insert pattern", err)
	}

	p.ID, err = res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert pattern id", err)
	}
	return p.ID, nil
}

// InsertInteraction persists a contact interaction.
func (s *Store) InsertInteraction(ctx context.Context, in *muninn.Interaction) (int64, error) {
	now := time.Now()
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}
	in.CreatedAt = now

	topics, err := jsonEncode(in.Topics)
	if err != nil {
		return 0, fmt.Errorf("encode topics: %w", err)
	}
	actionItems, err := jsonEncode(in.ActionItems)
	if err != nil {
		return 0, fmt.Errorf("encode action items: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (timestamp, timestamp_iso, contact, kind, subject, summary, topics, action_items, sentiment, notes, link_id, created_at, created_at_iso)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.Timestamp.UnixMilli(), isoTime(in.Timestamp),
		in.Contact, in.Kind, in.Subject, in.Summary,
		topics, actionItems, in.Sentiment, in.Notes, in.LinkID,
		now.UnixMilli(), isoTime(now),
	)
	if err != nil {
		return 0, storageErr("insert interaction", err)
	}

	in.ID, err = res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert interaction id", err)
	}
	return in.ID, nil
}

// InsertContactNote persists a structured-only contact note.
func (s *Store) InsertContactNote(ctx context.Context, n *muninn.ContactNote) (int64, error) {
	now := time.Now()
	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}
	n.CreatedAt = now

	tags, err := jsonEncode(n.Tags)
	if err != nil {
		return 0, fmt.Errorf("encode tags: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_notes (timestamp, timestamp_iso, contact, note, tags, created_at, created_at_iso)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.Timestamp.UnixMilli(), isoTime(n.Timestamp),
		n.Contact, n.Note, tags,
		now.UnixMilli(), isoTime(now),
	)
	if err != nil {
		return 0, storageErr("insert contact note", err)
	}

	n.ID, err = res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert contact note id", err)
	}
	return n.ID, nil
}

// SetEventLink writes a link identifier back to an event row.
func (s *Store) SetEventLink(ctx context.Context, id int64, linkID string) error {
	return s.setLink(ctx, "events", id, linkID)
}

// SetDecisionLink writes a link identifier back to a decision row.
func (s *Store) SetDecisionLink(ctx context.Context, id int64, linkID string) error {
	return s.setLink(ctx, "decisions", id, linkID)
}

// SetInteractionLink writes a link identifier back to an interaction row.
func (s *Store) SetInteractionLink(ctx context.Context, id int64, linkID string) error {
	return s.setLink(ctx, "interactions", id, linkID)
}

func (s *Store) setLink(ctx context.Context, table string, id int64, linkID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET link_id = ? WHERE id = ?`, linkID, id)
	if err != nil {
		return storageErr("set link", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("set link", err)
	}
	if n == 0 {
		return fmt.Errorf("%s row %d: %w", table, id, muninn.ErrNotFound)
	}
	return nil
}

const eventColumns = `id, timestamp, category, payload, description, link_id, metadata, created_at`

// GetEvent loads one event by id, muninn.ErrNotFound when missing.
func (s *Store) GetEvent(ctx context.Context, id int64) (*muninn.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, muninn.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get event", err)
	}
	return ev, nil
}

// QueryEvents returns events matching the filter, newest first, ties broken
// by id descending so same-timestamp rows still order deterministically.
func (s *Store) QueryEvents(ctx context.Context, f muninn.EventFilter) ([]*muninn.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any

	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if !f.Start.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Start.UnixMilli())
	}
	if !f.End.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.End.UnixMilli())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query events", err)
	}
	defer rows.Close()

	var events []*muninn.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr("scan event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query events", err)
	}
	return events, nil
}

// RecentEvents is QueryEvents sugar with no filter.
func (s *Store) RecentEvents(ctx context.Context, n int) ([]*muninn.Event, error) {
	if n <= 0 {
		n = defaultRecentLimit
	}
	return s.QueryEvents(ctx, muninn.EventFilter{Limit: n})
}

const decisionColumns = `id, timestamp, action, reasoning, context, outcome, success, link_id, created_at`

// GetDecision loads one decision by id, muninn.ErrNotFound when missing.
func (s *Store) GetDecision(ctx context.Context, id int64) (*muninn.Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decision %d: %w", id, muninn.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get decision", err)
	}
	return d, nil
}

// RecentDecisions returns the newest decisions, ties by id descending.
func (s *Store) RecentDecisions(ctx context.Context, n int) ([]*muninn.Decision, error) {
	if n <= 0 {
		n = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+decisionColumns+` FROM decisions
		ORDER BY timestamp DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, storageErr("recent decisions", err)
	}
	defer rows.Close()

	var decisions []*muninn.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, storageErr("scan decision", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("recent decisions", err)
	}
	return decisions, nil
}

// Patterns returns pattern rows in insertion order, optionally filtered by
// category.
func (s *Store) Patterns(ctx context.Context, category string) ([]*muninn.Pattern, error) {
	query := `SELECT id, category, description, first_seen, last_seen, occurrences, confidence, data, created_at FROM patterns`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query patterns", err)
	}
	defer rows.Close()

	var patterns []*muninn.Pattern
	for rows.Next() {
		var p muninn.Pattern
		var firstSeen, lastSeen, createdAt int64
		var data string
		if err := rows.Scan(&p.ID, &p.Category, &p.Description, &firstSeen, &lastSeen, &p.Occurrences, &p.Confidence, &data, &createdAt); err != nil {
			return nil, storageErr("scan pattern", err)
		}
		p.FirstSeen = time.UnixMilli(firstSeen)
		p.LastSeen = time.UnixMilli(lastSeen)
		p.CreatedAt = time.UnixMilli(createdAt)
		if err := jsonDecode(data, &p.Data); err != nil {
			return nil, fmt.Errorf("decode pattern data: %w", err)
		}
		patterns = append(patterns, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query patterns", err)
	}
	return patterns, nil
}

const interactionColumns = `id, timestamp, contact, kind, subject, summary, topics, action_items, sentiment, notes, link_id, created_at`

// GetInteraction loads one interaction by id, muninn.ErrNotFound when
// missing.
func (s *Store) GetInteraction(ctx context.Context, id int64) (*muninn.Interaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id)
	in, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("interaction %d: %w", id, muninn.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get interaction", err)
	}
	return in, nil
}

// QueryInteractions returns interactions matching the filter, newest first.
func (s *Store) QueryInteractions(ctx context.Context, f muninn.InteractionFilter) ([]*muninn.Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions WHERE 1=1`
	var args []any

	if f.Contact != "" {
		query += ` AND contact = ?`
		args = append(args, f.Contact)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if !f.Start.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Start.UnixMilli())
	}
	if !f.End.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.End.UnixMilli())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query interactions", err)
	}
	defer rows.Close()

	var interactions []*muninn.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, storageErr("scan interaction", err)
		}
		interactions = append(interactions, in)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query interactions", err)
	}
	return interactions, nil
}

// RecentInteractions returns the newest interactions across all contacts.
func (s *Store) RecentInteractions(ctx context.Context, n int) ([]*muninn.Interaction, error) {
	if n <= 0 {
		n = defaultRecentLimit
	}
	return s.QueryInteractions(ctx, muninn.InteractionFilter{Limit: n})
}

// ContactTimeline merges a contact's interactions and notes.
func (s *Store) ContactTimeline(ctx context.Context, contact string, limit int) (*muninn.Timeline, error) {
	if contact == "" {
		return nil, fmt.Errorf("contact is required")
	}
	interactions, err := s.QueryInteractions(ctx, muninn.InteractionFilter{Contact: contact, Limit: limit})
	if err != nil {
		return nil, err
	}
	notes, err := s.ContactNotes(ctx, contact, limit)
	if err != nil {
		return nil, err
	}
	return &muninn.Timeline{
		Contact:      contact,
		Interactions: interactions,
		Notes:        notes,
	}, nil
}

// ContactNotes returns notes newest first, optionally filtered by contact.
func (s *Store) ContactNotes(ctx context.Context, contact string, limit int) ([]*muninn.ContactNote, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := `SELECT id, timestamp, contact, note, tags, created_at FROM contact_notes`
	var args []any
	if contact != "" {
		query += ` WHERE contact = ?`
		args = append(args, contact)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query contact notes", err)
	}
	defer rows.Close()

	var notes []*muninn.ContactNote
	for rows.Next() {
		var n muninn.ContactNote
		var ts, createdAt int64
		var tags string
		if err := rows.Scan(&n.ID, &ts, &n.Contact, &n.Note, &tags, &createdAt); err != nil {
			return nil, storageErr("scan contact note", err)
		}
		n.Timestamp = time.UnixMilli(ts)
		n.CreatedAt = time.UnixMilli(createdAt)
		if err := jsonDecode(tags, &n.Tags); err != nil {
			return nil, fmt.Errorf("decode note tags: %w", err)
		}
		notes = append(notes, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query contact notes", err)
	}
	return notes, nil
}

// Statistics aggregates all counts inside one transaction so the sub-counts
// describe a single snapshot. The transaction only reads.
func (s *Store) Statistics(ctx context.Context) (*muninn.Statistics, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin statistics", err)
	}
	defer tx.Rollback()

	stats := &muninn.Statistics{
		EventsByCategory:   make(map[string]int64),
		InteractionsByKind: make(map[string]int64),
	}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM events`, &stats.TotalEvents},
		{`SELECT COUNT(*) FROM patterns`, &stats.TotalPatterns},
		{`SELECT COUNT(*) FROM decisions`, &stats.TotalDecisions},
		{`SELECT COUNT(*) FROM decisions WHERE success = 1`, &stats.SuccessfulDecisions},
		{`SELECT COUNT(*) FROM interactions`, &stats.TotalInteractions},
		{`SELECT COUNT(*) FROM contact_notes`, &stats.TotalContactNotes},
		{`SELECT COUNT(DISTINCT contact) FROM interactions`, &stats.ActiveContacts},
	}
	for _, c := range counts {
		if err := tx.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, storageErr("statistics count", err)
		}
	}

	if err := groupCount(ctx, tx, `SELECT category, COUNT(*) FROM events GROUP BY category`, stats.EventsByCategory); err != nil {
		return nil, err
	}
	if err := groupCount(ctx, tx, `SELECT kind, COUNT(*) FROM interactions GROUP BY kind`, stats.InteractionsByKind); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit statistics", err)
	}
	return stats, nil
}

// LinkHealth reports per-kind link counts inside one transaction, keyed by
// collection name.
func (s *Store) LinkHealth(ctx context.Context) (map[string]muninn.LinkCounts, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin link health", err)
	}
	defer tx.Rollback()

	health := make(map[string]muninn.LinkCounts, 3)
	checks := []struct {
		collection string
		linked     string
		degraded   string
	}{
		{
			muninn.CollectionEvents,
			`SELECT COUNT(*) FROM events WHERE link_id != ''`,
			`SELECT COUNT(*) FROM events WHERE description != '' AND link_id = ''`,
		},
		{
			muninn.CollectionDecisions,
			`SELECT COUNT(*) FROM decisions WHERE link_id != ''`,
			`SELECT COUNT(*) FROM decisions WHERE reasoning != '' AND link_id = ''`,
		},
		{
			muninn.CollectionInteractions,
			`SELECT COUNT(*) FROM interactions WHERE link_id != ''`,
			`SELECT COUNT(*) FROM interactions WHERE (subject != '' OR summary != '') AND link_id = ''`,
		},
	}
	for _, c := range checks {
		var counts muninn.LinkCounts
		if err := tx.QueryRowContext(ctx, c.linked).Scan(&counts.Linked); err != nil {
			return nil, storageErr("link health", err)
		}
		if err := tx.QueryRowContext(ctx, c.degraded).Scan(&counts.Degraded); err != nil {
			return nil, storageErr("link health", err)
		}
		health[c.collection] = counts
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit link health", err)
	}
	return health, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (*muninn.Event, error) {
	var ev muninn.Event
	var ts, createdAt int64
	var payload, metadata string
	if err := sc.Scan(&ev.ID, &ts, &ev.Category, &payload, &ev.Description, &ev.LinkID, &metadata, &createdAt); err != nil {
		return nil, err
	}
	ev.Timestamp = time.UnixMilli(ts)
	ev.CreatedAt = time.UnixMilli(createdAt)
	if err := jsonDecode(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := jsonDecode(metadata, &ev.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &ev, nil
}

func scanDecision(sc scanner) (*muninn.Decision, error) {
	var d muninn.Decision
	var ts, createdAt int64
	var decisionCtx string
	var success sql.NullBool
	if err := sc.Scan(&d.ID, &ts, &d.Action, &d.Reasoning, &decisionCtx, &d.Outcome, &success, &d.LinkID, &createdAt); err != nil {
		return nil, err
	}
	d.Timestamp = time.UnixMilli(ts)
	d.CreatedAt = time.UnixMilli(createdAt)
	if success.Valid {
		v := success.Bool
		d.Success = &v
	}
	if err := jsonDecode(decisionCtx, &d.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return &d, nil
}

func scanInteraction(sc scanner) (*muninn.Interaction, error) {
	var in muninn.Interaction
	var ts, createdAt int64
	var topics, actionItems string
	if err := sc.Scan(&in.ID, &ts, &in.Contact, &in.Kind, &in.Subject, &in.Summary, &topics, &actionItems, &in.Sentiment, &in.Notes, &in.LinkID, &createdAt); err != nil {
		return nil, err
	}
	in.Timestamp = time.UnixMilli(ts)
	in.CreatedAt = time.UnixMilli(createdAt)
	if err := jsonDecode(topics, &in.Topics); err != nil {
		return nil, fmt.Errorf("decode topics: %w", err)
	}
	if err := jsonDecode(actionItems, &in.ActionItems); err != nil {
		return nil, fmt.Errorf("decode action items: %w", err)
	}
	return &in, nil
}

func groupCount(ctx context.Context, tx *sql.Tx, query string, dest map[string]int64) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return storageErr("statistics group", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return storageErr("statistics group", err)
		}
		dest[key] = count
	}
	if err := rows.Err(); err != nil {
		return storageErr("statistics group", err)
	}
	return nil
}

func jsonEncode(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func jsonDecode(s string, dest any) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), dest)
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, muninn.ErrStorageUnavailable, err)
}
