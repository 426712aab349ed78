// Package search maintains a combined vector and keyword index over segment
// analyses, so finished documents are searchable by meaning and by exact
// terms through one ranked, de-duplicated result list.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS segment_analyses (
    workflow_id text NOT NULL,
    segment_id  integer NOT NULL,
    project_id  text NOT NULL,
    content     text NOT NULL,
    embedding   vector(768),
    tsv         tsvector GENERATED ALWAYS AS (to_tsvector('simple', content)) STORED,
    PRIMARY KEY (workflow_id, segment_id)
);
CREATE INDEX IF NOT EXISTS idx_segment_analyses_tsv ON segment_analyses USING gin (tsv);
`

// Record is one indexed segment analysis.
type Record struct {
	WorkflowID string
	SegmentID  int
	ProjectID  string
	Content    string
	Embedding  []float32
}

// Result is one ranked search hit.
type Result struct {
	WorkflowID string  `json:"workflowId"`
	SegmentID  int     `json:"segmentId"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Filters narrows a search to a project and optionally one workflow.
type Filters struct {
	ProjectID  string
	WorkflowID string
	Limit      int
}

// Index is the pgvector-backed hybrid index.
type Index struct {
	db *pgxpool.Pool
}

// NewIndex connects to Postgres and registers the pgvector codecs.
func NewIndex(ctx context.Context, connString string) (*Index, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Index{db: pool}, nil
}

func (ix *Index) Close() {
	if ix != nil && ix.db != nil {
		ix.db.Close()
	}
}

// EnsureSchema creates the analyses table and indexes if missing.
func (ix *Index) EnsureSchema(ctx context.Context) error {
	if _, err := ix.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure search schema: %w", err)
	}
	return nil
}

// Upsert writes or replaces the index record for one segment. A record
// without an embedding is still keyword-searchable.
func (ix *Index) Upsert(ctx context.Context, rec Record) error {
	var embedding interface{}
	if len(rec.Embedding) > 0 {
		embedding = pgvector.NewVector(rec.Embedding)
	}
	_, err := ix.db.Exec(ctx, `
        INSERT INTO segment_analyses (workflow_id, segment_id, project_id, content, embedding)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (workflow_id, segment_id)
        DO UPDATE SET project_id = $3, content = $4, embedding = $5
    `, rec.WorkflowID, rec.SegmentID, rec.ProjectID, rec.Content, embedding)
	if err != nil {
		return fmt.Errorf("failed to upsert segment analysis: %w", err)
	}
	return nil
}

// Delete removes every record of one workflow, e.g. before a reanalysis pass.
func (ix *Index) Delete(ctx context.Context, workflowID string) error {
	if _, err := ix.db.Exec(ctx, `DELETE FROM segment_analyses WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("failed to delete workflow analyses: %w", err)
	}
	return nil
}

// HybridSearch runs the vector and keyword queries independently and merges
// their results into one ranked list, de-duplicated by (workflow, segment).
func (ix *Index) HybridSearch(ctx context.Context, query string, embedding []float32, f Filters) ([]Result, error) {
	if f.Limit <= 0 {
		f.Limit = 10
	}

	vectorHits, err := ix.vectorSearch(ctx, embedding, f)
	if err != nil {
		return nil, err
	}
	keywordHits, err := ix.keywordSearch(ctx, query, f)
	if err != nil {
		return nil, err
	}

	merged := MergeRanked(vectorHits, keywordHits, f.Limit)
	slog.Debug("Hybrid search merged result sets.",
		"vectorHits", len(vectorHits), "keywordHits", len(keywordHits), "merged", len(merged))
	return merged, nil
}

func (ix *Index) vectorSearch(ctx context.Context, embedding []float32, f Filters) ([]Result, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	sql := `
        SELECT workflow_id, segment_id, content, 1 - (embedding <=> $1) AS score
        FROM segment_analyses
        WHERE project_id = $2`
	args := []interface{}{pgvector.NewVector(embedding), f.ProjectID}
	if f.WorkflowID != "" {
		sql += " AND workflow_id = $3"
		args = append(args, f.WorkflowID)
	}
	sql += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT %d", f.Limit)

	return ix.collect(ctx, sql, args)
}

func (ix *Index) keywordSearch(ctx context.Context, query string, f Filters) ([]Result, error) {
	if query == "" {
		return nil, nil
	}
	sql := `
        SELECT workflow_id, segment_id, content, ts_rank(tsv, plainto_tsquery('simple', $1)) AS score
        FROM segment_analyses
        WHERE project_id = $2 AND tsv @@ plainto_tsquery('simple', $1)`
	args := []interface{}{query, f.ProjectID}
	if f.WorkflowID != "" {
		sql += " AND workflow_id = $3"
		args = append(args, f.WorkflowID)
	}
	sql += fmt.Sprintf(" ORDER BY score DESC LIMIT %d", f.Limit)

	return ix.collect(ctx, sql, args)
}

func (ix *Index) collect(ctx context.Context, sql string, args []interface{}) ([]Result, error) {
	rows, err := ix.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer rows.Close()
	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.WorkflowID, &r.SegmentID, &r.Content, &r.Score); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// MergeRanked unions the two result sets, keeping the best score per
// (workflow, segment) key, ranked descending and capped at limit.
func MergeRanked(vectorHits, keywordHits []Result, limit int) []Result {
	type key struct {
		workflowID string
		segmentID  int
	}
	best := make(map[key]Result)
	for _, r := range append(append([]Result{}, vectorHits...), keywordHits...) {
		k := key{r.WorkflowID, r.SegmentID}
		if prev, ok := best[k]; !ok || r.Score > prev.Score {
			best[k] = r
		}
	}
	merged := make([]Result, 0, len(best))
	for _, r := range best {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		if merged[i].WorkflowID != merged[j].WorkflowID {
			return merged[i].WorkflowID < merged[j].WorkflowID
		}
		return merged[i].SegmentID < merged[j].SegmentID
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
