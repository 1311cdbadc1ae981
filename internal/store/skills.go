// ABOUTME: SQL implementation for skills, their versions, and marketplace ratings
// ABOUTME: Version creation flips the latest flag and rating recomputes sums in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const skillColumns = `id, org_id, name, slug, description, category, author_id, is_public,
	install_count, rating_sum, rating_count, forked_from_id, created_at, updated_at`

const versionColumns = `id, skill_id, version, definition, input_schema, output_mapping, is_latest, created_at`

// CreateSkill stores a new skill.
func (s *SQLStore) CreateSkill(ctx context.Context, skill *Skill) error {
	now := time.Now().UTC()
	if skill.CreatedAt.IsZero() {
		skill.CreatedAt = now
	}
	if skill.UpdatedAt.IsZero() {
		skill.UpdatedAt = skill.CreatedAt
	}

	var forked sql.NullString
	if skill.ForkedFromID != nil {
		forked = nullString(*skill.ForkedFromID)
	}

	query := `INSERT INTO skills (` + skillColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		skill.ID,
		skill.OrgID,
		skill.Name,
		skill.Slug,
		skill.Description,
		skill.Category,
		skill.AuthorID,
		boolInt(skill.IsPublic),
		skill.InstallCount,
		skill.RatingSum,
		skill.RatingCount,
		forked,
		formatTime(skill.CreatedAt),
		formatTime(skill.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("skill %s/%s: %w", skill.OrgID, skill.Slug, ErrDuplicate)
		}
		return fmt.Errorf("inserting skill: %w", err)
	}

	s.logger.Debug("created skill", "id", skill.ID, "slug", skill.Slug)
	return nil
}

// GetSkill retrieves a skill by ID.
func (s *SQLStore) GetSkill(ctx context.Context, id string) (*Skill, error) {
	return s.getSkill(ctx, s.db, id)
}

func (s *SQLStore) getSkill(ctx context.Context, q execer, id string) (*Skill, error) {
	query := `SELECT ` + skillColumns + ` FROM skills WHERE id = ?`
	skill, err := scanSkill(q.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return skill, nil
}

// ListSkills returns skills matching the filter.
func (s *SQLStore) ListSkills(ctx context.Context, filter SkillFilter) ([]*Skill, error) {
	query := `SELECT ` + skillColumns + ` FROM skills WHERE 1=1`
	args := []any{}

	if filter.PublicOnly {
		query += " AND is_public = 1"
	}
	if filter.Category != "" {
		query += " AND category = ?"
		args = append(args, filter.Category)
	}
	if filter.ByInstalls {
		query += " ORDER BY install_count DESC, created_at DESC"
	} else {
		query += " ORDER BY created_at DESC"
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying skills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var skills []*Skill
	for rows.Next() {
		skill, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		skills = append(skills, skill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating skill rows: %w", err)
	}
	return skills, nil
}

// UpdateSkill applies the non-nil fields of update.
func (s *SQLStore) UpdateSkill(ctx context.Context, id string, update SkillUpdate) (*Skill, error) {
	var skill *Skill
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getSkill(ctx, tx, id)
		if err != nil {
			return err
		}
		if update.Name != nil {
			current.Name = *update.Name
		}
		if update.Description != nil {
			current.Description = *update.Description
		}
		if update.Category != nil {
			current.Category = *update.Category
		}
		current.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx,
			s.rebind(`UPDATE skills SET name = ?, description = ?, category = ?, updated_at = ? WHERE id = ?`),
			current.Name, current.Description, current.Category, formatTime(current.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("updating skill: %w", err)
		}
		skill = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return skill, nil
}

// DeleteSkill removes a skill together with its versions and ratings.
// Execution history is kept.
func (s *SQLStore) DeleteSkill(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM skill_versions WHERE skill_id = ?`,
			`DELETE FROM skill_ratings WHERE skill_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.rebind(stmt), id); err != nil {
				return fmt.Errorf("deleting skill children: %w", err)
			}
		}

		result, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM skills WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("deleting skill: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetSkillPublic toggles marketplace visibility.
func (s *SQLStore) SetSkillPublic(ctx context.Context, id string, public bool) (*Skill, error) {
	result, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE skills SET is_public = ?, updated_at = ? WHERE id = ?`),
		boolInt(public), formatTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("publishing skill: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetSkill(ctx, id)
}

// IncrementInstallCount bumps the install counter by one.
func (s *SQLStore) IncrementInstallCount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE skills SET install_count = install_count + 1 WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("incrementing install count: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RateSkill upserts a user's rating and recomputes the skill's totals.
func (s *SQLStore) RateSkill(ctx context.Context, rating *SkillRating) error {
	now := time.Now().UTC()
	if rating.CreatedAt.IsZero() {
		rating.CreatedAt = now
	}
	rating.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getSkill(ctx, tx, rating.SkillID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO skill_ratings (skill_id, user_id, rating, review, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (skill_id, user_id) DO UPDATE SET
				rating = excluded.rating,
				review = excluded.review,
				updated_at = excluded.updated_at
		`),
			rating.SkillID, rating.UserID, rating.Rating, rating.Review,
			formatTime(rating.CreatedAt), formatTime(rating.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upserting rating: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE skills SET
				rating_sum = (SELECT COALESCE(SUM(rating), 0) FROM skill_ratings WHERE skill_id = ?),
				rating_count = (SELECT COUNT(*) FROM skill_ratings WHERE skill_id = ?)
			WHERE id = ?
		`), rating.SkillID, rating.SkillID, rating.SkillID)
		if err != nil {
			return fmt.Errorf("recomputing rating totals: %w", err)
		}
		return nil
	})
}

// CreateVersion stores a new version. When v.IsLatest is set the previous
// latest version is cleared in the same transaction.
func (s *SQLStore) CreateVersion(ctx context.Context, v *SkillVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getSkill(ctx, tx, v.SkillID); err != nil {
			return err
		}

		if v.IsLatest {
			if _, err := tx.ExecContext(ctx,
				s.rebind(`UPDATE skill_versions SET is_latest = 0 WHERE skill_id = ? AND is_latest = 1`),
				v.SkillID); err != nil {
				return fmt.Errorf("clearing latest version: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO skill_versions (`+versionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			v.ID,
			v.SkillID,
			v.Version,
			string(v.Definition),
			nullJSON(v.InputSchema),
			nullJSON(v.OutputMapping),
			boolInt(v.IsLatest),
			formatTime(v.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting version: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE skills SET updated_at = ? WHERE id = ?`),
			formatTime(v.CreatedAt), v.SkillID); err != nil {
			return fmt.Errorf("touching skill: %w", err)
		}
		return nil
	})
}

// GetVersion retrieves a version by ID.
func (s *SQLStore) GetVersion(ctx context.Context, id string) (*SkillVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM skill_versions WHERE id = ?`
	v, err := scanVersion(s.db.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetLatestVersion returns the version flagged latest for a skill.
func (s *SQLStore) GetLatestVersion(ctx context.Context, skillID string) (*SkillVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM skill_versions
		WHERE skill_id = ? AND is_latest = 1
		ORDER BY created_at DESC
		LIMIT 1`
	v, err := scanVersion(s.db.QueryRowContext(ctx, s.rebind(query), skillID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListVersions returns a skill's versions newest first.
func (s *SQLStore) ListVersions(ctx context.Context, skillID string) ([]*SkillVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM skill_versions
		WHERE skill_id = ?
		ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), skillID)
	if err != nil {
		return nil, fmt.Errorf("querying versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []*SkillVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating version rows: %w", err)
	}
	return versions, nil
}

func scanSkill(row scanner) (*Skill, error) {
	var (
		skill                Skill
		isPublic             int
		forked               sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&skill.ID,
		&skill.OrgID,
		&skill.Name,
		&skill.Slug,
		&skill.Description,
		&skill.Category,
		&skill.AuthorID,
		&isPublic,
		&skill.InstallCount,
		&skill.RatingSum,
		&skill.RatingCount,
		&forked,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning skill row: %w", err)
	}

	skill.IsPublic = isPublic != 0
	if forked.Valid {
		id := forked.String
		skill.ForkedFromID = &id
	}
	if skill.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if skill.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &skill, nil
}

func scanVersion(row scanner) (*SkillVersion, error) {
	var (
		v                    SkillVersion
		definition           string
		inputSchema, mapping sql.NullString
		isLatest             int
		createdAt            string
	)
	err := row.Scan(&v.ID, &v.SkillID, &v.Version, &definition, &inputSchema, &mapping, &isLatest, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning version row: %w", err)
	}

	v.Definition = []byte(definition)
	v.InputSchema = rawJSON(inputSchema)
	v.OutputMapping = rawJSON(mapping)
	v.IsLatest = isLatest != 0
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &v, nil
}
