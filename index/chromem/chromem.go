// Package chromem implements the vector index on chromem-go, a pure Go
// embedded vector database, so similarity search works without an external
// service.
package chromem

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"

	muninn "github.com/muninn-ai/muninn-go"
)

// seqKey is the reserved metadata key carrying the write sequence number.
// It orders equal-distance results by insertion and never leaks to callers.
const seqKey = "_seq"

// Index wraps chromem-go collections keyed by name. Entries carry their
// embedding plus caller metadata; chromem ranks by cosine similarity and
// Index reports distance as 1 - similarity.
type Index struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex

	// seq numbers writes for the insertion-order tie-break. Seeded from the
	// wall clock so entries written by an earlier process order before ours.
	seq atomic.Int64
}

var _ muninn.Index = (*Index)(nil)

// New creates an in-memory index. Contents are lost on Close.
func New() (*Index, error) {
	return newIndex(chromem.NewDB()), nil
}

// NewPersistent creates an index persisted under dir. Collections and their
// entries are reloaded on the next open.
func NewPersistent(dir string) (*Index, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w: %w", muninn.ErrStorageUnavailable, err)
	}
	log.Printf("[CHROMEM] Opened %s", dir)
	return newIndex(db), nil
}

func newIndex(db *chromem.DB) *Index {
	ix := &Index{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}
	ix.seq.Store(time.Now().UnixNano())
	return ix
}

// collection returns the named collection, creating it when create is set.
// A nil return with nil error means the collection does not exist yet.
func (ix *Index) collection(name string, create bool) (*chromem.Collection, error) {
	ix.mu.RLock()
	col, exists := ix.collections[name]
	ix.mu.RUnlock()

	if exists {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := ix.collections[name]; exists {
		return col, nil
	}

	if !create {
		// GetCollection picks up collections loaded from disk without
		// resetting them.
		if col := ix.db.GetCollection(name, nil); col != nil {
			ix.collections[name] = col
			return col, nil
		}
		return nil, nil
	}

	col, err := ix.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w: %w", name, muninn.ErrStorageUnavailable, err)
	}
	ix.collections[name] = col
	return col, nil
}

// Upsert inserts or replaces the entry keyed by linkID.
func (ix *Index) Upsert(ctx context.Context, collection, linkID string, vector []float32, metadata map[string]string) error {
	if linkID == "" {
		return fmt.Errorf("link id is empty")
	}
	if len(vector) == 0 {
		return fmt.Errorf("vector is empty")
	}

	col, err := ix.collection(collection, true)
	if err != nil {
		return err
	}

	// Keep the caller's map untouched and stamp the write order.
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[seqKey] = strconv.FormatInt(ix.seq.Add(1), 10)

	doc := chromem.Document{
		ID:        linkID,
		Embedding: vector,
		Metadata:  meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w: %w", muninn.ErrStorageUnavailable, err)
	}
	return nil
}

// Query returns up to k entries ranked by ascending distance, equal
// distances by write order.
func (ix *Index) Query(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]muninn.Match, error) {
	if k <= 0 {
		return nil, nil
	}

	col, err := ix.collection(collection, false)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, nil
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	// chromem requires nResults <= matching documents, which we cannot know
	// up front when filtering. Retry with smaller limits if necessary.
	var results []chromem.Result
	for limit := k; limit >= 1; limit-- {
		results, err = col.QueryEmbedding(ctx, vector, limit, filter, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	type ranked struct {
		match muninn.Match
		seq   int64
	}
	order := make([]ranked, 0, len(results))
	for _, r := range results {
		order = append(order, ranked{
			match: muninn.Match{
				LinkID:   r.ID,
				Distance: 1 - r.Similarity,
				Metadata: exportMetadata(r.Metadata),
			},
			seq: seqOf(r),
		})
	}

	// chromem orders ties arbitrarily; re-sort so equal distances keep
	// insertion order.
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].match.Distance != order[j].match.Distance {
			return order[i].match.Distance < order[j].match.Distance
		}
		return order[i].seq < order[j].seq
	})

	matches := make([]muninn.Match, len(order))
	for i, r := range order {
		matches[i] = r.match
	}
	return matches, nil
}

// Delete removes an entry. Unknown linkIDs and collections are no-ops.
func (ix *Index) Delete(ctx context.Context, collection, linkID string) error {
	if linkID == "" {
		return nil
	}
	col, err := ix.collection(collection, false)
	if err != nil {
		return err
	}
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, linkID); err != nil {
		return fmt.Errorf("delete document: %w: %w", muninn.ErrStorageUnavailable, err)
	}
	return nil
}

// Count returns the number of entries in a collection, 0 when it does not
// exist yet.
func (ix *Index) Count(ctx context.Context, collection string) (int, error) {
	col, err := ix.collection(collection, false)
	if err != nil {
		return 0, err
	}
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// Close releases resources. chromem flushes persistent writes as they
// happen, so there is nothing to sync here.
func (ix *Index) Close() error {
	return nil
}

func exportMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if k == seqKey {
			continue
		}
		out[k] = v
	}
	return out
}

func seqOf(r chromem.Result) int64 {
	n, err := strconv.ParseInt(r.Metadata[seqKey], 10, 64)
	if err != nil {
		// Entries written before sequence stamping sort last among ties.
		return 1<<63 - 1
	}
	return n
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
