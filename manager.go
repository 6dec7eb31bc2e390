package muninn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Vector entry metadata keys written by the Manager. Every entry carries at
// least the originating record id and kind so search results can be hydrated
// back into full records.
const (
	metaRecordID = "record_id"
	metaKind     = "kind"
)

// defaultSearchLimit applies when a semantic search caller passes no limit.
const defaultSearchLimit = 10

// contextCollections lists the collections GetContext merges, in tie-break
// order for equal distances.
var contextCollections = []string{CollectionEvents, CollectionDecisions}

// allCollections covers every linkable record kind, for statistics and
// consistency sweeps.
var allCollections = []string{CollectionEvents, CollectionDecisions, CollectionInteractions}

// Manager coordinates writes and reads across the structured store and the
// vector index so that every record with embeddable text gets both a
// relational row and a vector entry, joined by a link identifier the Manager
// mints. There is no cross-store transaction: the row is authoritative for
// existence, the vector entry is a best-effort accelerator, and read paths
// tolerate a missing half.
type Manager struct {
	store    Store
	index    Index
	embedder Embedder
	config   *Config
}

// New creates a Manager. A nil config falls back to DefaultConfig.
func New(store Store, index Index, embedder Embedder, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig
	}
	return &Manager{
		store:    store,
		index:    index,
		embedder: embedder,
		config:   config,
	}
}

// StoreEvent persists an observed event. The structured row commits first;
// if description is non-empty the text is embedded and upserted into the
// events collection under a fresh link identifier, which is then written
// back to the row. A vector-half failure never rolls back the row: the
// receipt carries the cause in EmbedErr and the call still succeeds.
func (m *Manager) StoreEvent(ctx context.Context, category string, payload map[string]any, description string, metadata map[string]string) (*WriteReceipt, error) {
	if category == "" {
		return nil, fmt.Errorf("event category is required")
	}

	ev := &Event{
		Timestamp:   time.Now(),
		Category:    category,
		Payload:     payload,
		Description: description,
		Metadata:    metadata,
	}
	id, err := m.store.InsertEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	receipt := &WriteReceipt{RecordID: id}
	if description == "" {
		log.Printf("[MEMORY] Stored event %d (%s) without description, skipping vector half", id, category)
		return receipt, nil
	}

	meta := map[string]string{
		metaRecordID: strconv.FormatInt(id, 10),
		metaKind:     "event",
		"category":   category,
	}
	linkID, err := m.attachVector(ctx, CollectionEvents, description, meta, id, m.store.SetEventLink)
	if err != nil {
		receipt.EmbedErr = err
		log.Printf("[MEMORY] Event %d committed without vector half: %v", id, err)
		return receipt, nil
	}

	receipt.LinkID = linkID
	log.Printf("[MEMORY] Stored event %d (%s), link=%s", id, category, linkID)
	return receipt, nil
}

// StoreDecision persists an agent decision, embedding the reasoning into the
// decisions collection. Same partial-success policy as StoreEvent.
func (m *Manager) StoreDecision(ctx context.Context, action, reasoning string, decisionCtx map[string]any, outcome string, success *bool) (*WriteReceipt, error) {
	if action == "" {
		return nil, fmt.Errorf("decision action is required")
	}

	d := &Decision{
		Timestamp: time.Now(),
		Action:    action,
		Reasoning: reasoning,
		Context:   decisionCtx,
		Outcome:   outcome,
		Success:   success,
	}
	id, err := m.store.InsertDecision(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("insert decision: %w", err)
	}

	receipt := &WriteReceipt{RecordID: id}
	if reasoning == "" {
		log.Printf("[MEMORY] Stored decision %d (%s) without reasoning, skipping vector half", id, action)
		return receipt, nil
	}

	meta := map[string]string{
		metaRecordID: strconv.FormatInt(id, 10),
		metaKind:     "decision",
		"action":     action,
	}
	linkID, err := m.attachVector(ctx, CollectionDecisions, reasoning, meta, id, m.store.SetDecisionLink)
	if err != nil {
		receipt.EmbedErr = err
		log.Printf("[MEMORY] Decision %d committed without vector half: %v", id, err)
		return receipt, nil
	}

	receipt.LinkID = linkID
	log.Printf("[MEMORY] Stored decision %d (%s), link=%s", id, action, linkID)
	return receipt, nil
}

// LogInteraction persists a contact interaction, embedding subject+summary
// into the interactions collection. Same partial-success policy as
// StoreEvent.
func (m *Manager) LogInteraction(ctx context.Context, in *Interaction) (*WriteReceipt, error) {
	if in == nil {
		return nil, fmt.Errorf("interaction is required")
	}
	if in.Contact == "" {
		return nil, fmt.Errorf("interaction contact is required")
	}
	if in.Kind == "" {
		return nil, fmt.Errorf("interaction kind is required")
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}

	id, err := m.store.InsertInteraction(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("insert interaction: %w", err)
	}

	receipt := &WriteReceipt{RecordID: id}
	text := in.EmbeddingText()
	if text == "" {
		log.Printf("[MEMORY] Stored interaction %d (%s) without summary, skipping vector half", id, in.Kind)
		return receipt, nil
	}

	meta := map[string]string{
		metaRecordID:       strconv.FormatInt(id, 10),
		metaKind:           "interaction",
		"contact":          in.Contact,
		"interaction_kind": in.Kind,
	}
	linkID, err := m.attachVector(ctx, CollectionInteractions, text, meta, id, m.store.SetInteractionLink)
	if err != nil {
		receipt.EmbedErr = err
		log.Printf("[MEMORY] Interaction %d committed without vector half: %v", id, err)
		return receipt, nil
	}

	receipt.LinkID = linkID
	log.Printf("[MEMORY] Stored interaction %d (%s/%s), link=%s", id, in.Contact, in.Kind, linkID)
	return receipt, nil
}

// attachVector runs the vector half of a write: embed the text, mint a link
// identifier, upsert the entry, write the link back to the row. If the link
// write-back fails the fresh entry is removed again so the index does not
// accumulate entries no row points at.
func (m *Manager) attachVector(ctx context.Context, collection, text string, meta map[string]string, recordID int64, setLink func(context.Context, int64, string) error) (string, error) {
	vector, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed: %w", err)
	}

	linkID := uuid.New().String()
	if err := m.index.Upsert(ctx, collection, linkID, vector, meta); err != nil {
		return "", fmt.Errorf("upsert %s entry: %w", collection, err)
	}

	if err := setLink(ctx, recordID, linkID); err != nil {
		if delErr := m.index.Delete(ctx, collection, linkID); delErr != nil {
			log.Printf("[MEMORY] Failed to remove entry %s after link write-back error: %v", linkID, delErr)
		}
		return "", fmt.Errorf("write link back: %w", err)
	}

	return linkID, nil
}

// SemanticSearch embeds the query and returns the nearest records from one
// collection, hydrated from the structured store and ordered by ascending
// distance. The embedding step fails fast (there is no structured-only
// fallback for a similarity query). Matches whose row has been deleted are
// silently omitted; CheckConsistency is the place that drift shows up.
func (m *Manager) SemanticSearch(ctx context.Context, query string, limit int, collection string) ([]SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("query text is required")
	}
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := m.searchVector(ctx, collection, vector, limit)
	if err != nil {
		return nil, err
	}

	log.Printf("[MEMORY] Semantic search %q over %s: %d hydrated", truncateLog(query, 50), collection, len(results))
	return results, nil
}

// SearchInteractions is SemanticSearch sugar over the interactions
// collection.
func (m *Manager) SearchInteractions(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return m.SemanticSearch(ctx, query, limit, CollectionInteractions)
}

// GetContext runs the same query over the events and decisions collections,
// merges the hits and re-ranks by distance. Equal distances keep collection
// declaration order (events before decisions), then insertion order within a
// collection. The combined set is bounded by limit (ContextLimit when 0).
func (m *Manager) GetContext(ctx context.Context, situation string, limit int) ([]SearchResult, error) {
	if situation == "" {
		return nil, fmt.Errorf("situation text is required")
	}
	if limit <= 0 {
		limit = m.config.ContextLimit
	}

	// One embedding call serves both collections.
	vector, err := m.embedder.Embed(ctx, situation)
	if err != nil {
		return nil, fmt.Errorf("embed situation: %w", err)
	}

	var merged []SearchResult
	for _, collection := range contextCollections {
		results, err := m.searchVector(ctx, collection, vector, limit)
		if err != nil {
			return nil, err
		}
		merged = append(merged, results...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Distance < merged[j].Distance
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}

	log.Printf("[MEMORY] Context for %q: %d results", truncateLog(situation, 50), len(merged))
	return merged, nil
}

// searchVector queries one collection with an already-computed embedding and
// hydrates the matches, dropping orphans.
func (m *Manager) searchVector(ctx context.Context, collection string, vector []float32, limit int) ([]SearchResult, error) {
	matches, err := m.index.Query(ctx, collection, vector, limit, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s index: %w", collection, err)
	}

	results := make([]SearchResult, 0, len(matches))
	for _, match := range matches {
		res, err := m.hydrate(ctx, collection, match)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				log.Printf("[MEMORY] Dropping orphaned %s entry %s", collection, match.LinkID)
				continue
			}
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// hydrate resolves a match's relational identifier from its metadata and
// loads the full record. A missing row surfaces as ErrNotFound, which the
// caller treats as an orphaned entry.
func (m *Manager) hydrate(ctx context.Context, collection string, match Match) (SearchResult, error) {
	res := SearchResult{
		Collection: collection,
		LinkID:     match.LinkID,
		Distance:   match.Distance,
	}

	id, err := strconv.ParseInt(match.Metadata[metaRecordID], 10, 64)
	if err != nil {
		return res, fmt.Errorf("entry %s has no usable record id: %w", match.LinkID, ErrNotFound)
	}

	switch collection {
	case CollectionEvents:
		res.Event, err = m.store.GetEvent(ctx, id)
	case CollectionDecisions:
		res.Decision, err = m.store.GetDecision(ctx, id)
	case CollectionInteractions:
		res.Interaction, err = m.store.GetInteraction(ctx, id)
	default:
		err = fmt.Errorf("unknown collection %q", collection)
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

// StorePattern validates and persists a pattern record. Patterns are
// structured-only; detection itself happens outside this module.
func (m *Manager) StorePattern(ctx context.Context, p *Pattern) (int64, error) {
	if p == nil {
		return 0, fmt.Errorf("pattern is required")
	}
	if p.Occurrences == 0 {
		p.Occurrences = 1
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	id, err := m.store.InsertPattern(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("insert pattern: %w", err)
	}
	log.Printf("[MEMORY] Stored pattern %d (%s)", id, p.Category)
	return id, nil
}

// AddContactNote persists a structured-only note for a contact.
func (m *Manager) AddContactNote(ctx context.Context, n *ContactNote) (int64, error) {
	if n == nil {
		return 0, fmt.Errorf("note is required")
	}
	if n.Contact == "" {
		return 0, fmt.Errorf("note contact is required")
	}
	if n.Note == "" {
		return 0, fmt.Errorf("note text is required")
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	id, err := m.store.InsertContactNote(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("insert contact note: %w", err)
	}
	return id, nil
}

// Structured reads, re-exported from the store so the boundary toward a
// transport layer is a single type.

func (m *Manager) QueryEvents(ctx context.Context, f EventFilter) ([]*Event, error) {
	if f.Limit <= 0 {
		f.Limit = m.config.QueryLimit
	}
	return m.store.QueryEvents(ctx, f)
}

func (m *Manager) RecentEvents(ctx context.Context, n int) ([]*Event, error) {
	return m.store.RecentEvents(ctx, n)
}

func (m *Manager) RecentDecisions(ctx context.Context, n int) ([]*Decision, error) {
	return m.store.RecentDecisions(ctx, n)
}

func (m *Manager) Patterns(ctx context.Context, category string) ([]*Pattern, error) {
	return m.store.Patterns(ctx, category)
}

func (m *Manager) QueryInteractions(ctx context.Context, f InteractionFilter) ([]*Interaction, error) {
	if f.Limit <= 0 {
		f.Limit = m.config.QueryLimit
	}
	return m.store.QueryInteractions(ctx, f)
}

func (m *Manager) RecentInteractions(ctx context.Context, n int) ([]*Interaction, error) {
	return m.store.RecentInteractions(ctx, n)
}

func (m *Manager) ContactTimeline(ctx context.Context, contact string, limit int) (*Timeline, error) {
	if limit <= 0 {
		limit = m.config.QueryLimit
	}
	return m.store.ContactTimeline(ctx, contact, limit)
}

func (m *Manager) ContactNotes(ctx context.Context, contact string, limit int) ([]*ContactNote, error) {
	if limit <= 0 {
		limit = m.config.QueryLimit
	}
	return m.store.ContactNotes(ctx, contact, limit)
}

// GetStatistics merges the store's snapshot aggregates with per-collection
// index counts and the embedder identity.
func (m *Manager) GetStatistics(ctx context.Context) (*Statistics, error) {
	stats, err := m.store.Statistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("store statistics: %w", err)
	}

	counts := make(map[string]int, len(allCollections))
	for _, collection := range allCollections {
		n, err := m.index.Count(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("count %s entries: %w", collection, err)
		}
		counts[collection] = n
	}

	stats.Vector = &VectorStatistics{
		Collections: counts,
		Dimensions:  m.embedder.Dimensions(),
		Model:       m.embedder.Model(),
	}
	return stats, nil
}

// CheckConsistency compares linked-row counts against index entry counts per
// collection. Read paths already tolerate drift; this is the operation that
// makes it visible.
func (m *Manager) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	health, err := m.store.LinkHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("link health: %w", err)
	}

	report := &ConsistencyReport{Collections: make(map[string]CollectionGap, len(allCollections))}
	for _, collection := range allCollections {
		n, err := m.index.Count(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("count %s entries: %w", collection, err)
		}
		report.Collections[collection] = CollectionGap{
			LinkedRows:   health[collection].Linked,
			DegradedRows: health[collection].Degraded,
			IndexEntries: int64(n),
		}
	}
	return report, nil
}

// Close releases both stores.
func (m *Manager) Close() error {
	var errs []error
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := m.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close index: %w", err))
	}
	return errors.Join(errs...)
}

func validCollection(collection string) error {
	switch collection {
	case CollectionEvents, CollectionDecisions, CollectionInteractions:
		return nil
	}
	return fmt.Errorf("unknown collection %q", collection)
}

// truncateLog truncates text for logging.
func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
