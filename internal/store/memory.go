package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// MemoryEntry is one row of the memory table (spec.md §3).
type MemoryEntry struct {
	ID           int64
	Key          string // empty means no key (not unique-constrained)
	Content      string
	Tags         string
	Source       string
	Category     string
	Importance   int
	LastAccessed int64
	AccessCount  int
	CreatedAt    int64
	UpdatedAt    int64
}

// MemoryResult is one ranked SearchMemory hit.
type MemoryResult struct {
	MemoryEntry
	Score float64
}

// InsertMemory inserts a new, unkeyed memory row.
func (s *Store) InsertMemory(ctx context.Context, e MemoryEntry) (int64, error) {
	now := nowMillis()
	if e.LastAccessed == 0 {
		e.LastAccessed = now
	}
	if e.Category == "" {
		e.Category = string(CategoryFact)
	}
	if e.Importance == 0 {
		e.Importance = 5
	}
	var keyArg interface{}
	if e.Key != "" {
		keyArg = e.Key
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memory (key, content, tags, source, category, importance, last_accessed, access_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, keyArg, e.Content, e.Tags, e.Source, e.Category, e.Importance, e.LastAccessed, now, now)
	if err != nil {
		return 0, fmt.Errorf("store: insert memory: %w", err)
	}
	return res.LastInsertId()
}

// UpsertMemoryByKey inserts a new memory row or, if key already exists,
// updates its content/tags/source/category/importance in place (spec.md
// §3: "inserted or upserted-by-key").
func (s *Store) UpsertMemoryByKey(ctx context.Context, key string, e MemoryEntry) (int64, error) {
	if key == "" {
		return s.InsertMemory(ctx, e)
	}
	now := nowMillis()
	if e.Category == "" {
		e.Category = string(CategoryFact)
	}
	if e.Importance == 0 {
		e.Importance = 5
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory (key, content, tags, source, category, importance, last_accessed, access_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content = excluded.content,
			tags = excluded.tags,
			source = excluded.source,
			category = excluded.category,
			importance = excluded.importance,
			updated_at = excluded.updated_at
	`, key, e.Content, e.Tags, e.Source, e.Category, e.Importance, now, now, now)
	if err != nil {
		return 0, fmt.Errorf("store: upsert memory %q: %w", key, err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM memory WHERE key = ?`, key).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: upsert memory %q lookup: %w", key, err)
	}
	return id, nil
}

// GetMemoryByKey fetches a single memory row by its unique key.
func (s *Store) GetMemoryByKey(ctx context.Context, key string) (*MemoryEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, IFNULL(key,''), content, IFNULL(tags,''), IFNULL(source,''), category,
		       importance, last_accessed, access_count, created_at, updated_at
		FROM memory WHERE key = ?
	`, key)
	e, err := scanMemoryRow(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get memory %q: %w", key, err)
	}
	return e, true, nil
}

func scanMemoryRow(row *sql.Row) (*MemoryEntry, error) {
	var e MemoryEntry
	if err := row.Scan(&e.ID, &e.Key, &e.Content, &e.Tags, &e.Source, &e.Category,
		&e.Importance, &e.LastAccessed, &e.AccessCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// TouchMemory bumps access_count and last_accessed, called whenever a
// search returns the row (spec.md §3: "touched on search").
func (s *Store) TouchMemory(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memory SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		nowMillis(), id)
	if err != nil {
		return fmt.Errorf("store: touch memory %d: %w", id, err)
	}
	return nil
}

// DeleteMemory removes a memory row and its mirrored vector-index row, if
// any (spec.md §3 invariant: at most one memory_vec row per memory id).
func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_vec WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete memory_vec %d: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete memory %d: %w", id, err)
	}
	return nil
}

// UpsertVector mirrors an embedding into memory_vec for id, replacing any
// existing row (spec.md §3 invariant: exactly one vector row per memory id,
// matching current content).
func (s *Store) UpsertVector(ctx context.Context, memoryID int64, embedding []float32) error {
	raw, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("store: encode embedding %d: %w", memoryID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_vec (memory_id, embedding) VALUES (?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET embedding = excluded.embedding
	`, memoryID, string(raw))
	if err != nil {
		return fmt.Errorf("store: upsert vector %d: %w", memoryID, err)
	}
	return nil
}

// DeleteStaleMemories implements cortex's stale-cleanup phase (spec §4.5
// step 1): delete memories with importance <= 3, last_accessed older than
// 90 days, and category != decision. Mirror-deletes from the vector index
// first.
func (s *Store) DeleteStaleMemories(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-90 * 24 * time.Hour).UTC().UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM memory WHERE importance <= 3 AND last_accessed < ? AND category != ?
	`, cutoff, string(CategoryDecision))
	if err != nil {
		return 0, fmt.Errorf("store: stale scan: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.DeleteMemory(ctx, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

// DedupMemories implements cortex's dedup phase (spec §4.5 step 2): delete
// all but the highest-id row for each identical content string.
func (s *Store) DedupMemories(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM memory WHERE id NOT IN (
			SELECT MAX(id) FROM memory GROUP BY content
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("store: dedup scan: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.DeleteMemory(ctx, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

// SearchMemory implements spec §6.5/§6.6: over-fetch 3×limit lexical (FTS5)
// and, if the vector index is enabled and a query embedding is supplied,
// vector (brute-force cosine KNN) hits, merge via Reciprocal Rank Fusion,
// apply temporal decay to the RRF score, then truncate to limit. Every
// returned row is touched (access_count/last_accessed bumped).
//
// queryEmbedding may be nil — FTS-only search still runs (and is the only
// path when the vector index isn't enabled), since embedding generation
// itself is out of scope per spec.md §1 ("we specify the vector-index
// contract only").
func (s *Store) SearchMemory(ctx context.Context, query string, queryEmbedding []float32, limit int) ([]MemoryResult, error) {
	if limit <= 0 {
		limit = 10
	}
	fetch := limit * 3

	lexicalIDs, err := s.ftsSearch(ctx, query, fetch)
	if err != nil {
		return nil, err
	}

	var vectorIDs []int64
	if s.vectorEnabled() && len(queryEmbedding) > 0 {
		vectorIDs, err = s.vectorSearch(ctx, queryEmbedding, fetch)
		if err != nil {
			return nil, err
		}
	}

	var merged map[int64]float64
	if len(vectorIDs) > 0 {
		merged = rrfMerge(lexicalIDs, vectorIDs)
	} else {
		// Lexical-only: base score is 1.0 per spec §6.6 ("base is 1.0 or
		// the RRF score when hybrid search ran").
		merged = make(map[int64]float64, len(lexicalIDs))
		for _, id := range lexicalIDs {
			merged[id] = 1.0
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	entries, err := s.loadMemoryByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]MemoryResult, 0, len(entries))
	for _, e := range entries {
		ageDays := now.Sub(time.UnixMilli(e.LastAccessed).UTC()).Hours() / 24
		score := decay(merged[e.ID], ageDays, e.Category)
		results = append(results, MemoryResult{MemoryEntry: e, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID > results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	for _, r := range results {
		_ = s.TouchMemory(ctx, r.ID)
	}
	return results, nil
}

// ftsSearch runs the FTS5 match query and returns ids in rank order
// (bm25 ascending = best match first).
func (s *Store) ftsSearch(ctx context.Context, query string, limit int) ([]int64, error) {
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid FROM memory_fts WHERE memory_fts MATCH ? ORDER BY rank LIMIT ?
	`, ftsQuery(query), limit)
	if err != nil {
		// FTS5 MATCH syntax errors on pathological input; degrade to no
		// lexical hits rather than failing the whole search.
		return nil, nil
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ftsQuery wraps free-text input as an FTS5 phrase-ish query so that
// arbitrary user text (including tokens FTS5 treats as operators) doesn't
// throw a syntax error.
func ftsQuery(q string) string {
	return `"` + escapeFTSQuote(q) + `"`
}

func escapeFTSQuote(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"', '"')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

// vectorSearch brute-force-scans memory_vec for cosine similarity against
// queryEmbedding, returning ids best-first. modernc.org/sqlite carries no
// vector extension, so embeddings are stored as JSON text and compared in
// Go, grounded on nevindra-oasis's cosineSimilarity approach.
func (s *Store) vectorSearch(ctx context.Context, queryEmbedding []float32, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT memory_id, embedding FROM memory_vec`)
	if err != nil {
		return nil, fmt.Errorf("store: vector scan: %w", err)
	}
	defer rows.Close()

	type scored struct {
		id    int64
		score float64
	}
	var all []scored
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var emb []float32
		if err := json.Unmarshal([]byte(raw), &emb); err != nil {
			continue
		}
		all = append(all, scored{id: id, score: cosineSimilarity(queryEmbedding, emb)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > limit {
		all = all[:limit]
	}
	ids := make([]int64, len(all))
	for i, r := range all {
		ids[i] = r.id
	}
	return ids, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (s *Store) loadMemoryByIDs(ctx context.Context, ids []int64) ([]MemoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, IFNULL(key,''), content, IFNULL(tags,''), IFNULL(source,''), category,
		       importance, last_accessed, access_count, created_at, updated_at
		FROM memory WHERE id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("store: load memory by ids: %w", err)
	}
	defer rows.Close()

	var out []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		if err := rows.Scan(&e.ID, &e.Key, &e.Content, &e.Tags, &e.Source, &e.Category,
			&e.Importance, &e.LastAccessed, &e.AccessCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
