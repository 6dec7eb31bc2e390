// Package muninn persists agent memory: observed events, decisions with
// their reasoning, detected behavioral patterns, and contact interactions.
// Records are retrievable two ways: exact/structured lookup (category, time
// range, identifier) and semantic similarity lookup over the meaning of
// their text.
//
// Architecture:
//   - Store: structured storage backend (SQLite locally), source of truth
//     for record existence
//   - Index: similarity-search backend (chromem-go locally), one named
//     collection per linkable record kind
//   - Embedder: text-to-vector conversion, lazy-loaded
//     (all-MiniLM-L6-v2 via ONNX locally, deterministic mock for tests)
//   - Manager: coordinates dual-store writes and hydrated semantic reads
//
// Every record with embeddable text gets a relational row plus a vector
// entry, joined by a link identifier the Manager mints. There is no
// cross-store transaction: the row commits first and survives a failed
// embedding (partial success), and read paths tolerate a missing half on
// either side. CheckConsistency surfaces the drift.
package muninn
