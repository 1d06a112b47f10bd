package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionRow is a persisted loop session.
type SessionRow struct {
	ID         string
	Task       string
	Status     string
	Iterations int
	Result     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ArchivedAt *time.Time
}

// TurnRow is one entry of a session transcript.
type TurnRow struct {
	ID         int64
	SessionID  string
	Role       string
	Content    string
	ToolName   string
	ToolArgs   string
	ToolResult string
	CreatedAt  time.Time
}

// CreateSession inserts a new running session.
func (s *Store) CreateSession(ctx context.Context, id, task string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, task, status) VALUES (?, ?, 'running');
		`, id, task)
		return err
	})
}

// FinishSession records the terminal status, final iteration count and result.
func (s *Store) FinishSession(ctx context.Context, id, status string, iterations int, result string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, iterations = ?, result = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, status, iterations, result, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// GetSession returns the row for id, or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRow, error) {
	var row SessionRow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task, status, iterations, result, created_at, updated_at, archived_at
		FROM sessions WHERE id = ?;
	`, id).Scan(&row.ID, &row.Task, &row.Status, &row.Iterations, &row.Result,
		&row.CreatedAt, &row.UpdatedAt, &row.ArchivedAt)
	if err != nil {
		return SessionRow{}, err
	}
	return row, nil
}

// AppendTurn appends one transcript entry for a session.
func (s *Store) AppendTurn(ctx context.Context, row TurnRow) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO turns (session_id, role, content, tool_name, tool_args, tool_result)
			VALUES (?, ?, ?, ?, ?, ?);
		`, row.SessionID, row.Role, row.Content, row.ToolName, row.ToolArgs, row.ToolResult)
		return err
	})
}

// ListTurns returns a session's transcript in insertion order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]TurnRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_name, tool_args, tool_result, created_at
		FROM turns WHERE session_id = ? ORDER BY id;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRow
	for rows.Next() {
		var row TurnRow
		if err := rows.Scan(&row.ID, &row.SessionID, &row.Role, &row.Content,
			&row.ToolName, &row.ToolArgs, &row.ToolResult, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ArchiveSessions stamps archived_at on terminal sessions older than the
// cutoff. Returns the number archived. Driven by the janitor schedule.
func (s *Store) ArchiveSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET archived_at = CURRENT_TIMESTAMP
			WHERE archived_at IS NULL AND status != 'running' AND updated_at < ?;
		`, olderThan.UTC())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("archive sessions: %w", err)
	}
	return n, nil
}

// PruneAuditLog deletes audit entries older than the cutoff. Returns the
// number removed.
func (s *Store) PruneAuditLog(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, olderThan.UTC())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	return n, nil
}
