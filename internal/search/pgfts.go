package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries change_requests using plainto_tsquery and ts_rank, with
// ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "cr.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.FilterProjectID != "" {
		args = append(args, q.FilterProjectID)
		where += fmt.Sprintf(" AND cr.project_id = $%d", len(args))
	}
	if q.FilterStatus != "" {
		args = append(args, q.FilterStatus)
		where += fmt.Sprintf(" AND cr.status = $%d", len(args))
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM change_requests cr WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT cr.id, cr.cr_number, cr.title,
			ts_headline('english', coalesce(cr.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			cr.project_id, cr.status, cr.priority
		FROM change_requests cr
		WHERE %s
		ORDER BY ts_rank(cr.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Number, &r.Title, &r.Snippet, &r.ProjectID, &r.Status, &r.Priority); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all change requests for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CRRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, cr_number, title, description, project_id, status, priority, risk_level
		FROM change_requests
	`)
	if err != nil {
		return nil, fmt.Errorf("load change requests: %w", err)
	}
	defer rows.Close()

	recs := make([]CRRecord, 0)
	for rows.Next() {
		var rec CRRecord
		if err := rows.Scan(&rec.ID, &rec.Number, &rec.Title, &rec.Description, &rec.ProjectID, &rec.Status, &rec.Priority, &rec.RiskLevel); err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change requests: %w", err)
	}
	return recs, nil
}
