package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/msomdec/course-progress/internal/domain"
)

// CompletionCache implements domain.CompletionCache using SQLite. Rows are
// only ever inserted by Save, so a stale Save can never drop a completion
// written by a newer one.
type CompletionCache struct {
	db *sql.DB
}

// NewCompletionCache creates a new SQLite-backed CompletionCache.
func NewCompletionCache(db *DB) *CompletionCache {
	return &CompletionCache{db: db.SqlDB}
}

func (c *CompletionCache) Load(ctx context.Context, viewer domain.Viewer, courseID int64) (domain.CompletionSet, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT chapter_id FROM completed_chapters
		 WHERE viewer_kind = ? AND viewer_id = ? AND course_id = ?
		 ORDER BY chapter_id`,
		viewer.Kind(), viewer.ID, courseID)
	if err != nil {
		return nil, fmt.Errorf("list completed chapters: %w", err)
	}
	defer rows.Close()

	set := domain.NewCompletionSet()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan completed chapter: %w", err)
		}
		set.Add(id)
	}
	return set, rows.Err()
}

func (c *CompletionCache) Save(ctx context.Context, viewer domain.Viewer, courseID int64, set domain.CompletionSet) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO completed_chapters (viewer_kind, viewer_id, course_id, chapter_id, completed_at)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, id := range set.IDs() {
		if _, err := stmt.ExecContext(ctx, viewer.Kind(), viewer.ID, courseID, id, now); err != nil {
			return fmt.Errorf("insert completed chapter: %w", err)
		}
	}

	return tx.Commit()
}

func (c *CompletionCache) Clear(ctx context.Context, viewer domain.Viewer, courseID int64) error {
	_, err := c.db.ExecContext(ctx,
		"DELETE FROM completed_chapters WHERE viewer_kind = ? AND viewer_id = ? AND course_id = ?",
		viewer.Kind(), viewer.ID, courseID)
	if err != nil {
		return fmt.Errorf("clear completed chapters: %w", err)
	}
	return nil
}
