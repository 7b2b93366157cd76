// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"math"

	"github.com/pgvector/pgvector-go"
)

// Embedder turns text into a dense vector for storage in or querying
// against a VectorStore. No concrete implementation lives in this
// package — an embedding model call is an external provider
// dependency (SPEC_FULL.md §11.18 names no specific embeddings API),
// so callers wire in whatever provider client their deployment uses.
// A nil Embedder in hosthandler.Config degrades "semantic" memory_query
// to the same "not configured" failure as a nil VectorStore.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Embedding is a single dense vector associated with a memory entry,
// used for the "semantic" memory_query mode (SPEC_FULL.md §11.18).
type Embedding struct {
	EntryID string
	Vector  []float32
}

// VectorStore supports nearest-neighbor search over stored embeddings.
// Two implementations satisfy it: PostgresVectorStore (pgvector, for
// multi-operator deployments with a Postgres instance) and
// SQLiteVectorStore (pure-Go brute-force cosine search, the default
// for the single-operator ~/.ax install spec.md's persisted-state
// layout implies).
type VectorStore interface {
	Upsert(ctx context.Context, scope string, embedding Embedding) error
	Search(ctx context.Context, scope string, query []float32, topK int) ([]Embedding, error)
}

// PostgresVectorStore wraps pgvector-go's Vector type for storage and
// similarity queries against a Postgres+pgvector backend. Conn is
// intentionally left as an injected interface rather than a concrete
// *sql.DB so callers can share a connection pool; the platform itself
// does not mandate a particular SQL driver.
type PostgresVectorStore struct {
	Conn PostgresConn
	Table string
}

// PostgresConn is the minimal subset of database/sql's *DB this store
// needs, kept narrow so tests can fake it without a real Postgres
// instance.
type PostgresConn interface {
	ExecContext(ctx context.Context, query string, args ...any) error
	QueryEmbeddings(ctx context.Context, query string, args ...any) ([]Embedding, error)
}

func (p *PostgresVectorStore) Upsert(ctx context.Context, scope string, embedding Embedding) error {
	vec := pgvector.NewVector(embedding.Vector)
	query := fmt.Sprintf(
		"INSERT INTO %s (scope, entry_id, embedding) VALUES ($1, $2, $3) "+
			"ON CONFLICT (scope, entry_id) DO UPDATE SET embedding = EXCLUDED.embedding", p.Table)
	return p.Conn.ExecContext(ctx, query, scope, embedding.EntryID, vec)
}

func (p *PostgresVectorStore) Search(ctx context.Context, scope string, query []float32, topK int) ([]Embedding, error) {
	vec := pgvector.NewVector(query)
	sql := fmt.Sprintf(
		"SELECT entry_id, embedding FROM %s WHERE scope = $1 ORDER BY embedding <-> $2 LIMIT $3", p.Table)
	return p.Conn.QueryEmbeddings(ctx, sql, scope, vec, topK)
}

// SQLiteVectorStore is a pure-Go fallback: embeddings are held
// in-process (or loaded from modernc.org/sqlite-backed storage by a
// caller) and searched by brute-force cosine similarity. Adequate at
// the scale of one operator's memory store; chosen over a native
// SQLite vector extension because modernc.org/sqlite is a pure-Go
// driver with no loadable-extension support.
type SQLiteVectorStore struct {
	byScope map[string][]Embedding
}

func NewSQLiteVectorStore() *SQLiteVectorStore {
	return &SQLiteVectorStore{byScope: make(map[string][]Embedding)}
}

func (s *SQLiteVectorStore) Upsert(ctx context.Context, scope string, embedding Embedding) error {
	entries := s.byScope[scope]
	for i, e := range entries {
		if e.EntryID == embedding.EntryID {
			entries[i] = embedding
			return nil
		}
	}
	s.byScope[scope] = append(entries, embedding)
	return nil
}

func (s *SQLiteVectorStore) Search(ctx context.Context, scope string, query []float32, topK int) ([]Embedding, error) {
	entries := s.byScope[scope]
	type scored struct {
		embedding Embedding
		score     float64
	}
	scoredEntries := make([]scored, 0, len(entries))
	for _, e := range entries {
		scoredEntries = append(scoredEntries, scored{embedding: e, score: cosineSimilarity(query, e.Vector)})
	}
	// Simple selection sort for topK; the brute-force store is sized
	// for single-operator memory stores, not large corpora.
	for i := 0; i < len(scoredEntries) && i < topK; i++ {
		best := i
		for j := i + 1; j < len(scoredEntries); j++ {
			if scoredEntries[j].score > scoredEntries[best].score {
				best = j
			}
		}
		scoredEntries[i], scoredEntries[best] = scoredEntries[best], scoredEntries[i]
	}
	if topK > len(scoredEntries) {
		topK = len(scoredEntries)
	}
	out := make([]Embedding, topK)
	for i := 0; i < topK; i++ {
		out[i] = scoredEntries[i].embedding
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SemanticQuery runs a semantic memory_query: searches store for the
// topK nearest embeddings to query, fetches each hit's Entry from the
// Host's backing Store, and re-enters external-trust hits into the
// reading session's taint budget exactly like an exact-match Query
// (spec.md §4.2 propagation rule 1, SPEC_FULL.md §11.18).
func (h *Host) SemanticQuery(ctx context.Context, store VectorStore, sessionID, scope string, query []float32, topK int) ([]Entry, error) {
	hits, err := store.Search(ctx, scope, query, topK)
	if err != nil {
		return nil, fmt.Errorf("memory: semantic search: %w", err)
	}
	out := make([]Entry, 0, len(hits))
	for _, hit := range hits {
		entry, ok, err := h.Store.Read(scope, hit.EntryID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		h.reenter(sessionID, entry)
		out = append(out, entry)
	}
	return out, nil
}
