package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PgLike is the storage-backed fallback searcher. It matches the query as
// a case-insensitive substring of title or description, which keeps the
// public browse page working when Meilisearch is down.
type PgLike struct {
	db *sql.DB
}

func NewPgLike(db *sql.DB) *PgLike {
	return &PgLike{db: db}
}

// Healthy reports whether the database answers a ping.
func (p *PgLike) Healthy() bool {
	return p.db.Ping() == nil
}

// Search returns public lists whose title or description contains the
// query text, newest first.
func (p *PgLike) Search(q Query) ([]ListRecord, int, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	pattern := "%" + q.Text + "%"

	var total int
	err := p.db.QueryRow(
		`SELECT COUNT(*) FROM lists
		 WHERE is_public = TRUE AND (title ILIKE $1 OR description ILIKE $1)`,
		pattern,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count public lists: %w", err)
	}

	rows, err := p.db.Query(
		`SELECT id, title, description, tags, is_public FROM lists
		 WHERE is_public = TRUE AND (title ILIKE $1 OR description ILIKE $1)
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		pattern, limit, q.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query public lists: %w", err)
	}
	defer rows.Close()

	results, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

// LoadAllRecords reads every list for a full reindex into Meilisearch.
func (p *PgLike) LoadAllRecords(ctx context.Context) ([]ListRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, title, description, tags, is_public FROM lists`)
	if err != nil {
		return nil, fmt.Errorf("load lists for reindex: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]ListRecord, error) {
	var records []ListRecord
	for rows.Next() {
		var record ListRecord
		var tags []byte
		if err := rows.Scan(&record.ID, &record.Title, &record.Description, &tags, &record.IsPublic); err != nil {
			return nil, fmt.Errorf("scan list record: %w", err)
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &record.Tags); err != nil {
				return nil, fmt.Errorf("decode tags for list %s: %w", record.ID, err)
			}
		}
		if record.Tags == nil {
			record.Tags = []string{}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
