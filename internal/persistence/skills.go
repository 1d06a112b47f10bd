package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/skillforge/internal/bus"
)

// SkillRow is a persisted skill descriptor. The catalog owns the in-memory
// shape; this row is its durable form keyed by name, with version recording
// the latest guard-admitted revision.
type SkillRow struct {
	Name        string
	Version     string
	Kind        string
	Source      string
	Status      string
	Description string
	Dir         string
	Tier        string
	ParamsJSON  string
	FaultCount  int
	LastFaultAt *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertSkill writes the row, replacing any previous version of the name.
func (s *Store) UpsertSkill(ctx context.Context, row SkillRow) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO skills (name, version, kind, source, status, description, dir, tier, params_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(name) DO UPDATE SET
				version = excluded.version,
				kind = excluded.kind,
				source = excluded.source,
				status = excluded.status,
				description = excluded.description,
				dir = excluded.dir,
				tier = excluded.tier,
				params_json = excluded.params_json,
				updated_at = CURRENT_TIMESTAMP;
		`, row.Name, row.Version, row.Kind, row.Source, row.Status, row.Description, row.Dir, row.Tier, row.ParamsJSON)
		return err
	})
}

// GetSkill returns the row for name, or sql.ErrNoRows.
func (s *Store) GetSkill(ctx context.Context, name string) (SkillRow, error) {
	var row SkillRow
	err := s.db.QueryRowContext(ctx, `
		SELECT name, version, kind, source, status, description, dir, tier, params_json,
		       fault_count, last_fault_at, last_used_at, created_at, updated_at
		FROM skills WHERE name = ?;
	`, name).Scan(&row.Name, &row.Version, &row.Kind, &row.Source, &row.Status,
		&row.Description, &row.Dir, &row.Tier, &row.ParamsJSON,
		&row.FaultCount, &row.LastFaultAt, &row.LastUsedAt, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return SkillRow{}, err
	}
	return row, nil
}

// ListSkills returns all rows ordered by name.
func (s *Store) ListSkills(ctx context.Context) ([]SkillRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, kind, source, status, description, dir, tier, params_json,
		       fault_count, last_fault_at, last_used_at, created_at, updated_at
		FROM skills ORDER BY name;
	`)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var out []SkillRow
	for rows.Next() {
		var row SkillRow
		if err := rows.Scan(&row.Name, &row.Version, &row.Kind, &row.Source, &row.Status,
			&row.Description, &row.Dir, &row.Tier, &row.ParamsJSON,
			&row.FaultCount, &row.LastFaultAt, &row.LastUsedAt, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan skill row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SetSkillStatus updates the lifecycle status of a skill.
func (s *Store) SetSkillStatus(ctx context.Context, name, status string) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE skills SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?;
		`, status, name)
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
	if err != nil {
		return err
	}
	if s.bus != nil && status == "quarantined" {
		s.bus.Publish(bus.TopicSkillQuarantined, bus.SkillEvent{Name: name})
	}
	return nil
}

// TouchSkillUsed stamps last_used_at, feeding the resolver's recency tiebreak.
func (s *Store) TouchSkillUsed(ctx context.Context, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE skills SET last_used_at = CURRENT_TIMESTAMP WHERE name = ?;
		`, name)
		return err
	})
}

// RecordSkillFault increments the consecutive-fault counter and returns the
// new count. Threshold-based quarantine is the caller's decision.
func (s *Store) RecordSkillFault(ctx context.Context, name string) (int, error) {
	var count int
	err := retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE skills SET fault_count = fault_count + 1, last_fault_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP WHERE name = ?;
		`, name); err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx, `SELECT fault_count FROM skills WHERE name = ?;`, name).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("record fault for %q: %w", name, err)
	}
	return count, nil
}

// ResetSkillFaults clears the counter after a successful invocation.
func (s *Store) ResetSkillFaults(ctx context.Context, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE skills SET fault_count = 0, updated_at = CURRENT_TIMESTAMP
			WHERE name = ? AND fault_count != 0;
		`, name)
		return err
	})
}

// DeleteSkill removes the row. Used only by rollback of a creation; normal
// removal is quarantine, which preserves the row.
func (s *Store) DeleteSkill(ctx context.Context, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE name = ?;`, name)
		return err
	})
}
