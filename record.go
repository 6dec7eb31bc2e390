package muninn

import (
	"fmt"
	"time"
)

// Suggested event categories. The category domain is an open string set:
// these are the conventional values, not a closed enumeration, and callers
// may introduce their own.
const (
	EventExtensionChange = "extension_change"
	EventAppLaunch       = "app_launch"
	EventAppClose        = "app_close"
	EventSystemState     = "system_state"
	EventWorkspaceChange = "workspace_change"
	EventSettingsChange  = "settings_change"
	EventError           = "error"
	EventCustom          = "custom"
)

// Conventional interaction kinds. Open set, same as event categories.
const (
	InteractionEmail   = "email"
	InteractionMeeting = "meeting"
	InteractionManual  = "manual"
)

// Event is an observed occurrence. The Description is the text that gets
// embedded; LinkID joins the row to its vector entry and is empty when the
// description was empty or the vector half of the write failed.
type Event struct {
	ID          int64
	Timestamp   time.Time
	Category    string
	Payload     map[string]any
	Description string
	LinkID      string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// Decision is an agent action and its justification. Reasoning is the
// embedded field. Success is nil while the outcome is unknown or pending.
type Decision struct {
	ID        int64
	Timestamp time.Time
	Action    string
	Reasoning string
	Context   map[string]any
	Outcome   string
	Success   *bool
	LinkID    string
	CreatedAt time.Time
}

// Pattern is a recurring behavior reported by an external detector.
// Patterns are structured-only records: no description embedding, no link
// identifier.
type Pattern struct {
	ID          int64
	Category    string
	Description string
	FirstSeen   time.Time
	LastSeen    time.Time
	Occurrences int64
	Confidence  float64
	Data        map[string]any
	CreatedAt   time.Time
}

// Validate checks the pattern invariants before insert.
func (p *Pattern) Validate() error {
	if p.Category == "" {
		return fmt.Errorf("pattern category is required")
	}
	if p.Description == "" {
		return fmt.Errorf("pattern description is required")
	}
	if p.Occurrences < 1 {
		return fmt.Errorf("pattern occurrences must be >= 1, got %d", p.Occurrences)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("pattern confidence must be in [0,1], got %g", p.Confidence)
	}
	return nil
}

// Interaction is a contact touchpoint (email, meeting, manual note). The
// embedded text combines subject and summary, see EmbeddingText.
type Interaction struct {
	ID          int64
	Timestamp   time.Time
	Contact     string
	Kind        string
	Subject     string
	Summary     string
	Topics      []string
	ActionItems []string
	Sentiment   string
	Notes       string
	LinkID      string
	CreatedAt   time.Time
}

// EmbeddingText returns the text embedded for this interaction. The subject
// line is prepended when present for richer similarity context.
func (in *Interaction) EmbeddingText() string {
	if in.Subject != "" && in.Summary != "" {
		return in.Subject + ": " + in.Summary
	}
	if in.Summary != "" {
		return in.Summary
	}
	return in.Subject
}

// ContactNote is a structured-only free-text note attached to a contact.
type ContactNote struct {
	ID        int64
	Timestamp time.Time
	Contact   string
	Note      string
	Tags      []string
	CreatedAt time.Time
}

// Timeline is a contact's merged history.
type Timeline struct {
	Contact      string
	Interactions []*Interaction
	Notes        []*ContactNote
}

// WriteReceipt reports the two halves of a coordinated write separately.
// RecordID is always set on success of the structured half. LinkID is empty
// when no embedding was attempted (empty text) or the vector half failed;
// in the latter case EmbedErr carries the cause and the row is still
// committed.
type WriteReceipt struct {
	RecordID int64
	LinkID   string
	EmbedErr error
}

// Searchable reports whether the record got a vector entry and will show up
// in semantic search.
func (r *WriteReceipt) Searchable() bool {
	return r.LinkID != ""
}

// SearchResult is one hydrated semantic search hit. Exactly one of Event,
// Decision, Interaction is non-nil, matching Collection.
type SearchResult struct {
	Collection  string
	LinkID      string
	Distance    float32
	Event       *Event
	Decision    *Decision
	Interaction *Interaction
}
