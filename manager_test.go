package muninn_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	muninn "github.com/muninn-ai/muninn-go"
	"github.com/muninn-ai/muninn-go/embedder/mock"
	"github.com/muninn-ai/muninn-go/index/chromem"
	"github.com/muninn-ai/muninn-go/store/sqlite"
)

func newTestBackends(t *testing.T) (*sqlite.Store, *chromem.Index) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "muninn.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	ix, err := chromem.New()
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}
	return store, ix
}

func newTestManager(t *testing.T) (*muninn.Manager, *chromem.Index) {
	t.Helper()
	store, ix := newTestBackends(t)
	mgr := muninn.New(store, ix, mock.New(), nil)
	t.Cleanup(func() { mgr.Close() })
	return mgr, ix
}

func TestManager_StoreEventSelfSearch(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	description := "User opened the project workspace and started the editor"
	receipt, err := mgr.StoreEvent(ctx, muninn.EventWorkspaceChange, map[string]any{"workspace": "muninn"}, description, nil)
	if err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}
	if !receipt.Searchable() {
		t.Fatal("Expected event with description to be searchable")
	}
	if receipt.EmbedErr != nil {
		t.Fatalf("Unexpected embed error: %v", receipt.EmbedErr)
	}

	// Noise the search has to rank below the exact match.
	if _, err := mgr.StoreEvent(ctx, muninn.EventAppLaunch, nil, "Terminal process exited with a panic", nil); err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}

	results, err := mgr.SemanticSearch(ctx, description, 5, muninn.CollectionEvents)
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Expected search results")
	}

	top := results[0]
	if top.Event == nil {
		t.Fatal("Expected hydrated event on top result")
	}
	if top.Event.ID != receipt.RecordID {
		t.Errorf("Top result id = %d, want %d", top.Event.ID, receipt.RecordID)
	}
	if top.LinkID != receipt.LinkID {
		t.Errorf("Top result link = %s, want %s", top.LinkID, receipt.LinkID)
	}
	if top.Distance > 1e-3 {
		t.Errorf("Self-search distance = %g, want ~0", top.Distance)
	}

	// Row carries the link identifier after write-back.
	events, err := mgr.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	var stored *muninn.Event
	for _, ev := range events {
		if ev.ID == receipt.RecordID {
			stored = ev
		}
	}
	if stored == nil || stored.LinkID != receipt.LinkID {
		t.Errorf("Row link = %+v, want %s", stored, receipt.LinkID)
	}
}

func TestManager_EmptyDescriptionSkipsVectorHalf(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	receipt, err := mgr.StoreEvent(ctx, muninn.EventAppClose, map[string]any{"app": "browser"}, "", nil)
	if err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}
	if receipt.Searchable() {
		t.Error("Event without description must not be searchable")
	}
	if receipt.EmbedErr != nil {
		t.Errorf("No embedding attempt expected, got error %v", receipt.EmbedErr)
	}

	stats, err := mgr.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("Failed to read statistics: %v", err)
	}
	if stats.TotalEvents != 1 {
		t.Errorf("TotalEvents = %d, want 1", stats.TotalEvents)
	}
	if stats.Vector.Collections[muninn.CollectionEvents] != 0 {
		t.Errorf("Vector entries = %d, want 0", stats.Vector.Collections[muninn.CollectionEvents])
	}
}

func TestManager_EmbedFailureCommitsStructuredHalf(t *testing.T) {
	ctx := context.Background()
	store, ix := newTestBackends(t)
	mgr := muninn.New(store, ix, mock.NewFailing(errors.New("model file missing")), nil)
	t.Cleanup(func() { mgr.Close() })

	receipt, err := mgr.StoreEvent(ctx, muninn.EventError, nil, "Build failed with a linker error", nil)
	if err != nil {
		t.Fatalf("Expected partial success, got hard error: %v", err)
	}
	if receipt.RecordID == 0 {
		t.Fatal("Expected structured half to commit")
	}
	if receipt.Searchable() {
		t.Error("Expected no link id after embed failure")
	}
	if !errors.Is(receipt.EmbedErr, muninn.ErrModelUnavailable) {
		t.Errorf("EmbedErr = %v, want ErrModelUnavailable", receipt.EmbedErr)
	}

	// The row is readable through structured paths.
	ev, err := store.GetEvent(ctx, receipt.RecordID)
	if err != nil {
		t.Fatalf("Failed to read committed row: %v", err)
	}
	if ev.LinkID != "" {
		t.Errorf("Row link = %q, want empty", ev.LinkID)
	}

	// The degraded write shows up in the consistency report.
	report, err := mgr.CheckConsistency(ctx)
	if err != nil {
		t.Fatalf("Failed to check consistency: %v", err)
	}
	if report.Clean() {
		t.Error("Expected degraded write to make the report not clean")
	}
	if gap := report.Collections[muninn.CollectionEvents]; gap.DegradedRows != 1 {
		t.Errorf("DegradedRows = %d, want 1", gap.DegradedRows)
	}
}

func TestManager_SemanticSearchFailsFastWithoutModel(t *testing.T) {
	ctx := context.Background()
	store, ix := newTestBackends(t)
	mgr := muninn.New(store, ix, mock.NewFailing(errors.New("weights missing")), nil)
	t.Cleanup(func() { mgr.Close() })

	if _, err := mgr.SemanticSearch(ctx, "anything", 5, muninn.CollectionEvents); !errors.Is(err, muninn.ErrModelUnavailable) {
		t.Fatalf("SemanticSearch error = %v, want ErrModelUnavailable", err)
	}
	if _, err := mgr.GetContext(ctx, "anything", 5); !errors.Is(err, muninn.ErrModelUnavailable) {
		t.Fatalf("GetContext error = %v, want ErrModelUnavailable", err)
	}
}

func TestManager_SemanticSearchValidation(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	if _, err := mgr.SemanticSearch(ctx, "", 5, muninn.CollectionEvents); err == nil {
		t.Error("Expected error for empty query")
	}
	if _, err := mgr.SemanticSearch(ctx, "query", 5, "patterns"); err == nil {
		t.Error("Expected error for unknown collection")
	}
}

func TestManager_SearchOmitsOrphanedEntries(t *testing.T) {
	ctx := context.Background()
	mgr, ix := newTestManager(t)

	orphanText := "Entry whose row was deleted out from under the index"
	if _, err := mgr.StoreEvent(ctx, muninn.EventCustom, nil, "A surviving event about deployments", nil); err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}

	// Plant an index entry pointing at a row that does not exist, the state
	// left behind when a row is deleted without its vector half.
	orphanVec, err := mock.New().Embed(ctx, orphanText)
	if err != nil {
		t.Fatalf("Failed to embed orphan text: %v", err)
	}
	err = ix.Upsert(ctx, muninn.CollectionEvents, "dead-link", orphanVec, map[string]string{
		"record_id": "999999",
		"kind":      "event",
	})
	if err != nil {
		t.Fatalf("Failed to plant orphan: %v", err)
	}

	// The orphan would rank first; it must be dropped without failing the
	// search or hiding the surviving result.
	results, err := mgr.SemanticSearch(ctx, orphanText, 5, muninn.CollectionEvents)
	if err != nil {
		t.Fatalf("Search errored on orphan: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 surviving result, got %d", len(results))
	}
	if results[0].LinkID == "dead-link" {
		t.Error("Orphaned entry leaked into results")
	}

	report, err := mgr.CheckConsistency(ctx)
	if err != nil {
		t.Fatalf("Failed to check consistency: %v", err)
	}
	gap := report.Collections[muninn.CollectionEvents]
	if gap.OrphanedEntries() != 1 {
		t.Errorf("OrphanedEntries = %d, want 1", gap.OrphanedEntries())
	}
	if report.Clean() {
		t.Error("Expected orphan to make the report not clean")
	}
}

func TestManager_SearchToleratesMissingVectorHalf(t *testing.T) {
	ctx := context.Background()
	mgr, ix := newTestManager(t)

	receipt, err := mgr.StoreEvent(ctx, muninn.EventCustom, nil, "Event that loses its vector entry", nil)
	if err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}
	if err := ix.Delete(ctx, muninn.CollectionEvents, receipt.LinkID); err != nil {
		t.Fatalf("Failed to delete vector entry: %v", err)
	}

	// Search finds nothing but does not error; structured reads still work.
	results, err := mgr.SemanticSearch(ctx, "vector entry", 5, muninn.CollectionEvents)
	if err != nil {
		t.Fatalf("Search errored: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("Expected no results, got %d", len(results))
	}
	if _, err := mgr.RecentEvents(ctx, 10); err != nil {
		t.Fatalf("Structured read errored: %v", err)
	}

	report, err := mgr.CheckConsistency(ctx)
	if err != nil {
		t.Fatalf("Failed to check consistency: %v", err)
	}
	if gap := report.Collections[muninn.CollectionEvents]; gap.MissingEntries() != 1 {
		t.Errorf("MissingEntries = %d, want 1", gap.MissingEntries())
	}
}

func TestManager_GetContextMergesCollections(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	situation := "Deciding whether to restart the indexing service"
	if _, err := mgr.StoreEvent(ctx, muninn.EventSystemState, nil, situation, nil); err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}
	if _, err := mgr.StoreDecision(ctx, "restart_service", "The indexing service leaked memory overnight", nil, "", nil); err != nil {
		t.Fatalf("Failed to store decision: %v", err)
	}

	results, err := mgr.GetContext(ctx, situation, 10)
	if err != nil {
		t.Fatalf("Failed to get context: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 merged results, got %d", len(results))
	}
	if results[0].Collection != muninn.CollectionEvents || results[0].Event == nil {
		t.Errorf("Expected exact event match first, got %s", results[0].Collection)
	}
	if results[0].Distance > 1e-3 {
		t.Errorf("Exact match distance = %g, want ~0", results[0].Distance)
	}
	if results[1].Collection != muninn.CollectionDecisions || results[1].Decision == nil {
		t.Errorf("Expected decision second, got %s", results[1].Collection)
	}
	if results[0].Distance > results[1].Distance {
		t.Error("Merged results not ranked by ascending distance")
	}

	// The limit bounds the combined set.
	bounded, err := mgr.GetContext(ctx, situation, 1)
	if err != nil {
		t.Fatalf("Failed to get bounded context: %v", err)
	}
	if len(bounded) != 1 || bounded[0].Collection != muninn.CollectionEvents {
		t.Fatalf("Bounded context = %+v, want only the event", bounded)
	}
}

func TestManager_GetContextTieBreak(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	// Identical text in both collections embeds to the identical vector, so
	// both hits carry the same distance.
	text := "Workspace switched to the research project"
	if _, err := mgr.StoreDecision(ctx, "switch", text, nil, "", nil); err != nil {
		t.Fatalf("Failed to store decision: %v", err)
	}
	if _, err := mgr.StoreEvent(ctx, muninn.EventWorkspaceChange, nil, text, nil); err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}

	results, err := mgr.GetContext(ctx, text, 10)
	if err != nil {
		t.Fatalf("Failed to get context: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Distance != results[1].Distance {
		t.Skipf("Distances differ (%g vs %g), tie-break not exercised",
			results[0].Distance, results[1].Distance)
	}
	// Events rank before decisions on equal distance.
	if results[0].Collection != muninn.CollectionEvents {
		t.Errorf("results[0].Collection = %s, want events", results[0].Collection)
	}
	if results[1].Collection != muninn.CollectionDecisions {
		t.Errorf("results[1].Collection = %s, want decisions", results[1].Collection)
	}
}

func TestManager_InteractionLifecycle(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	in := &muninn.Interaction{
		Contact: "ada@example.com",
		Kind:    muninn.InteractionMeeting,
		Subject: "Quarterly planning",
		Summary: "Walked through the roadmap and agreed on hiring",
		Topics:  []string{"roadmap", "hiring"},
	}
	receipt, err := mgr.LogInteraction(ctx, in)
	if err != nil {
		t.Fatalf("Failed to log interaction: %v", err)
	}
	if !receipt.Searchable() {
		t.Fatal("Expected interaction with summary to be searchable")
	}

	results, err := mgr.SearchInteractions(ctx, in.EmbeddingText(), 3)
	if err != nil {
		t.Fatalf("Failed to search interactions: %v", err)
	}
	if len(results) == 0 || results[0].Interaction == nil {
		t.Fatalf("Expected hydrated interaction, got %+v", results)
	}
	if results[0].Interaction.Contact != "ada@example.com" {
		t.Errorf("Contact = %q", results[0].Interaction.Contact)
	}
	if results[0].Distance > 1e-3 {
		t.Errorf("Self-search distance = %g, want ~0", results[0].Distance)
	}

	if _, err := mgr.AddContactNote(ctx, &muninn.ContactNote{Contact: "ada@example.com", Note: "Prefers morning meetings"}); err != nil {
		t.Fatalf("Failed to add note: %v", err)
	}
	timeline, err := mgr.ContactTimeline(ctx, "ada@example.com", 0)
	if err != nil {
		t.Fatalf("Failed to read timeline: %v", err)
	}
	if len(timeline.Interactions) != 1 || len(timeline.Notes) != 1 {
		t.Errorf("Timeline = %d interactions, %d notes", len(timeline.Interactions), len(timeline.Notes))
	}
}

func TestManager_PatternValidation(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	if _, err := mgr.StorePattern(ctx, &muninn.Pattern{Category: "workflow", Description: "x", Confidence: 1.5}); err == nil {
		t.Error("Expected confidence validation error")
	}
	if _, err := mgr.StorePattern(ctx, &muninn.Pattern{Description: "x", Confidence: 0.5}); err == nil {
		t.Error("Expected category validation error")
	}

	id, err := mgr.StorePattern(ctx, &muninn.Pattern{
		Category:    "workflow",
		Description: "Runs the test suite after every pull",
		Confidence:  0.7,
	})
	if err != nil {
		t.Fatalf("Failed to store pattern: %v", err)
	}
	if id == 0 {
		t.Fatal("Expected assigned pattern id")
	}

	patterns, err := mgr.Patterns(ctx, "workflow")
	if err != nil {
		t.Fatalf("Failed to list patterns: %v", err)
	}
	if len(patterns) != 1 || patterns[0].Occurrences != 1 {
		t.Errorf("Patterns = %+v", patterns)
	}
}

func TestManager_StatisticsSnapshot(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	if _, err := mgr.StoreEvent(ctx, muninn.EventAppLaunch, nil, "Editor started", nil); err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}
	if _, err := mgr.StoreEvent(ctx, muninn.EventAppLaunch, nil, "", nil); err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}
	if _, err := mgr.StoreDecision(ctx, "act", "Because the last run failed", nil, "", boolPtr(true)); err != nil {
		t.Fatalf("Failed to store decision: %v", err)
	}

	stats, err := mgr.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("Failed to read statistics: %v", err)
	}
	if stats.TotalEvents != 2 || stats.EventsByCategory[muninn.EventAppLaunch] != 2 {
		t.Errorf("Events = %d (%v)", stats.TotalEvents, stats.EventsByCategory)
	}
	if stats.TotalDecisions != 1 || stats.SuccessfulDecisions != 1 {
		t.Errorf("Decisions = %d/%d", stats.SuccessfulDecisions, stats.TotalDecisions)
	}
	if stats.Vector == nil {
		t.Fatal("Expected vector statistics")
	}
	// Only records with embeddable text get vector entries.
	if stats.Vector.Collections[muninn.CollectionEvents] != 1 {
		t.Errorf("Event entries = %d, want 1", stats.Vector.Collections[muninn.CollectionEvents])
	}
	if stats.Vector.Collections[muninn.CollectionDecisions] != 1 {
		t.Errorf("Decision entries = %d, want 1", stats.Vector.Collections[muninn.CollectionDecisions])
	}
	if stats.Vector.Model != "mock" || stats.Vector.Dimensions != 384 {
		t.Errorf("Vector identity = %s/%d", stats.Vector.Model, stats.Vector.Dimensions)
	}

	again, err := mgr.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("Failed to re-read statistics: %v", err)
	}
	if again.TotalEvents != stats.TotalEvents || again.Vector.Collections[muninn.CollectionEvents] != 1 {
		t.Error("Statistics changed between consecutive reads")
	}

	report, err := mgr.CheckConsistency(ctx)
	if err != nil {
		t.Fatalf("Failed to check consistency: %v", err)
	}
	if !report.Clean() {
		t.Errorf("Expected clean report, got %+v", report.Collections)
	}
}

func boolPtr(b bool) *bool {
	return &b
}
