package muninn

// Statistics aggregates counts across the structured store, computed against
// a single consistent snapshot. Vector is nil when the statistics come from
// the bare store; Manager.GetStatistics fills it from the index and embedder.
type Statistics struct {
	TotalEvents         int64
	EventsByCategory    map[string]int64
	TotalPatterns       int64
	TotalDecisions      int64
	SuccessfulDecisions int64
	TotalInteractions   int64
	InteractionsByKind  map[string]int64
	TotalContactNotes   int64
	ActiveContacts      int64

	Vector *VectorStatistics
}

// VectorStatistics describes the vector index side.
type VectorStatistics struct {
	// Collections maps collection name to entry count.
	Collections map[string]int
	Dimensions  int
	Model       string
}

// ConsistencyReport compares both sides of the dual store per collection.
// A gap is not an error during normal reads (search silently filters the
// missing half); this report is how operators detect the drift.
type ConsistencyReport struct {
	Collections map[string]CollectionGap
}

// Clean reports whether no collection shows drift.
func (r *ConsistencyReport) Clean() bool {
	for _, g := range r.Collections {
		if g.OrphanedEntries() != 0 || g.MissingEntries() != 0 || g.DegradedRows != 0 {
			return false
		}
	}
	return true
}

// CollectionGap is the drift picture for one collection.
type CollectionGap struct {
	// LinkedRows counts structured rows carrying a link identifier.
	LinkedRows int64
	// IndexEntries counts vector entries in the collection.
	IndexEntries int64
	// DegradedRows counts rows with embeddable text but no link identifier
	// (the vector half of their write failed).
	DegradedRows int64
}

// OrphanedEntries counts vector entries whose structured row is gone.
func (g CollectionGap) OrphanedEntries() int64 {
	if d := g.IndexEntries - g.LinkedRows; d > 0 {
		return d
	}
	return 0
}

// MissingEntries counts linked rows whose vector entry is gone.
func (g CollectionGap) MissingEntries() int64 {
	if d := g.LinkedRows - g.IndexEntries; d > 0 {
		return d
	}
	return 0
}
