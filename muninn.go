package muninn

import (
	"context"
	"errors"
	"time"
)

// Collection names for the vector index, one per linkable record kind.
// Declaration order is the tie-break order used when merged results carry
// equal distances (see Manager.GetContext).
const (
	CollectionEvents       = "events"
	CollectionDecisions    = "decisions"
	CollectionInteractions = "interactions"
)

// Sentinel errors for the failure taxonomy. Implementations attach them with
// %w so callers can test with errors.Is regardless of the wrapping depth.
var (
	// ErrStorageUnavailable means the durable medium behind the structured
	// store or the vector index could not be opened or written. Fatal to the
	// triggering call; never retried internally.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrModelUnavailable means the embedding model could not be loaded or
	// failed on an input. Write paths degrade to structured-only storage;
	// pure-semantic read paths fail fast with this error.
	ErrModelUnavailable = errors.New("embedding model unavailable")

	// ErrNotFound means a requested identifier has no record. Bulk queries
	// return empty results instead.
	ErrNotFound = errors.New("record not found")
)

// Embedder converts text to vector embeddings.
// Implementations: mock.Embedder (testing, deterministic), onnx.Embedder
// (local all-MiniLM-L6-v2, build tag "onnx"), cached.Embedder (ristretto
// read-through wrapper around either).
//
// Implementations load lazily: construction must not pull model weights,
// the first Embed call does. A failed load surfaces as ErrModelUnavailable
// and may be retried on the next call.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts texts in order. All-or-nothing: a single bad
	// input fails the whole batch, callers retry per item if they need
	// partial results.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int

	// Model identifies the underlying model for statistics output.
	Model() string
}

// Store is the structured storage backend for event, pattern, decision and
// interaction records. It is the source of truth for record existence.
// Implementations: sqlite.Store (local, modernc.org/sqlite).
//
// Insert methods assign the identifier (strictly increasing per kind) and
// default missing timestamps. Link identifiers are written back separately by
// the coordinator after the vector half commits, so a row is never blocked on
// embedding work.
type Store interface {
	InsertEvent(ctx context.Context, ev *Event) (int64, error)
	InsertDecision(ctx context.Context, d *Decision) (int64, error)
	InsertPattern(ctx context.Context, p *Pattern) (int64, error)
	InsertInteraction(ctx context.Context, in *Interaction) (int64, error)
	InsertContactNote(ctx context.Context, n *ContactNote) (int64, error)

	// Link write-back. The empty string clears a link.
	SetEventLink(ctx context.Context, id int64, linkID string) error
	SetDecisionLink(ctx context.Context, id int64, linkID string) error
	SetInteractionLink(ctx context.Context, id int64, linkID string) error

	// Single-record lookups. Missing ids return ErrNotFound.
	GetEvent(ctx context.Context, id int64) (*Event, error)
	GetDecision(ctx context.Context, id int64) (*Decision, error)
	GetInteraction(ctx context.Context, id int64) (*Interaction, error)

	// Filtered and recent reads, newest first, ties by id descending.
	QueryEvents(ctx context.Context, f EventFilter) ([]*Event, error)
	RecentEvents(ctx context.Context, n int) ([]*Event, error)
	RecentDecisions(ctx context.Context, n int) ([]*Decision, error)
	QueryInteractions(ctx context.Context, f InteractionFilter) ([]*Interaction, error)
	RecentInteractions(ctx context.Context, n int) ([]*Interaction, error)

	// Patterns returns pattern rows, optionally filtered by category
	// (empty = all), in insertion order.
	Patterns(ctx context.Context, category string) ([]*Pattern, error)

	// ContactTimeline merges a contact's interactions and notes.
	ContactTimeline(ctx context.Context, contact string, limit int) (*Timeline, error)
	ContactNotes(ctx context.Context, contact string, limit int) ([]*ContactNote, error)

	// Statistics aggregates counts against one consistent snapshot: no
	// read skew between the sub-counts of a single call.
	Statistics(ctx context.Context) (*Statistics, error)

	// LinkHealth reports per-kind link counts (rows with a link id, rows
	// with embeddable text but none), keyed by collection name. Input for
	// consistency checking.
	LinkHealth(ctx context.Context) (map[string]LinkCounts, error)

	Close() error
}

// Index is the similarity-search backend, partitioned into named collections.
// It owns the embeddings and the similarity ranking; it never owns record
// existence. Implementations: chromem.Index (embedded, pure Go).
type Index interface {
	// Upsert inserts or replaces the entry keyed by linkID. Metadata must
	// carry at least the originating record id and kind so results can be
	// hydrated back.
	Upsert(ctx context.Context, collection, linkID string, vector []float32, metadata map[string]string) error

	// Query returns up to k entries ranked by ascending distance. Equal
	// distances keep insertion order. filter entries must match stored
	// metadata exactly; nil means no filtering.
	Query(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]Match, error)

	// Delete removes an entry. Deleting an unknown linkID is a no-op.
	Delete(ctx context.Context, collection, linkID string) error

	// Count returns the number of entries in a collection.
	Count(ctx context.Context, collection string) (int, error)

	Close() error
}

// Match is one vector index query result.
type Match struct {
	LinkID   string
	Distance float32
	Metadata map[string]string
}

// EventFilter selects events for Store.QueryEvents. Zero values mean
// "unfiltered"; Limit 0 falls back to the store default (100).
// Start and End are inclusive.
type EventFilter struct {
	Category string
	Start    time.Time
	End      time.Time
	Limit    int
}

// InteractionFilter selects interactions for Store.QueryInteractions.
type InteractionFilter struct {
	Contact string
	Kind    string
	Start   time.Time
	End     time.Time
	Limit   int
}

// LinkCounts summarizes the vector-link state of one record kind.
type LinkCounts struct {
	// Linked counts rows carrying a link identifier.
	Linked int64
	// Degraded counts rows that have embeddable text but no link
	// identifier, i.e. writes whose vector half failed.
	Degraded int64
}
