package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChangeRow is a persisted guard change record. PriorDescriptor and PriorBody
// hold the full pre-change snapshot; both empty for creations.
type ChangeRow struct {
	ID              string
	Skill           string
	Author          string
	Level           string
	Operation       string
	PriorDescriptor string
	PriorBody       []byte
	Supersedes      string
	CreatedAt       time.Time
}

// InsertChange appends a change record. Records are immutable once written.
func (s *Store) InsertChange(ctx context.Context, row ChangeRow) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO change_records (id, skill, author, level, operation, prior_descriptor, prior_body, supersedes)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''));
		`, row.ID, row.Skill, row.Author, row.Level, row.Operation, row.PriorDescriptor, row.PriorBody, row.Supersedes)
		return err
	})
}

// GetChange returns the record with the given id, or sql.ErrNoRows.
func (s *Store) GetChange(ctx context.Context, id string) (ChangeRow, error) {
	var row ChangeRow
	var supersedes sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, skill, author, level, operation, prior_descriptor, prior_body, supersedes, created_at
		FROM change_records WHERE id = ?;
	`, id).Scan(&row.ID, &row.Skill, &row.Author, &row.Level, &row.Operation,
		&row.PriorDescriptor, &row.PriorBody, &supersedes, &row.CreatedAt)
	if err != nil {
		return ChangeRow{}, err
	}
	row.Supersedes = supersedes.String
	return row, nil
}

// ListChanges returns records for a skill, newest first. Empty skill lists
// all records. limit <= 0 means no limit.
func (s *Store) ListChanges(ctx context.Context, skill string, limit int) ([]ChangeRow, error) {
	query := `
		SELECT id, skill, author, level, operation, prior_descriptor, prior_body, supersedes, created_at
		FROM change_records
	`
	var args []interface{}
	if skill != "" {
		query += ` WHERE skill = ?`
		args = append(args, skill)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []ChangeRow
	for rows.Next() {
		var row ChangeRow
		var supersedes sql.NullString
		if err := rows.Scan(&row.ID, &row.Skill, &row.Author, &row.Level, &row.Operation,
			&row.PriorDescriptor, &row.PriorBody, &supersedes, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change row: %w", err)
		}
		row.Supersedes = supersedes.String
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountChanges returns the total number of change records.
func (s *Store) CountChanges(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_records;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count changes: %w", err)
	}
	return n, nil
}
