package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/joshsymonds/sentinel/internal/models"
)

const ruleColumns = `id, name, description, severity, body_language, body_source, active, version,
	evaluation_count, last_evaluated, created_at, updated_at`

const ruleSelect = ruleColumns + `, revision`

const violationColumns = `id, finding_id, policy_rule_id, rule_version, gate_decision, detail, evaluated_at`

const entityRule = "policy rule"

// CreateRule inserts a policy rule. A duplicate name is a conflict.
func (db *DB) CreateRule(ctx context.Context, rule *models.PolicyRule) error {
	query := `
		INSERT INTO policy_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		rule.ID,
		rule.Name,
		rule.Description,
		rule.Severity,
		rule.Body.Language,
		rule.Body.Source,
		rule.Active,
		rule.Version,
		rule.EvaluationCount,
		nullTime(rule.LastEvaluated),
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	return translate(err, "inserting policy rule", entityRule, rule.Name)
}

// GetRule retrieves a policy rule by id.
func (db *DB) GetRule(ctx context.Context, id string) (*models.PolicyRule, error) {
	row := db.QueryRowContext(ctx, `SELECT `+ruleSelect+` FROM policy_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err != nil {
		return nil, translate(err, "getting policy rule", entityRule, id)
	}
	return rule, nil
}

// UpdateRule writes a rule's editable fields if the stored revision still
// equals rule.Revision, and advances the revision. The version is incremented
// in the same statement when bumpVersion is set. It returns models.ErrStale
// when another write got there first.
func (db *DB) UpdateRule(ctx context.Context, rule *models.PolicyRule, bumpVersion bool) error {
	bump := 0
	if bumpVersion {
		bump = 1
	}

	query := `
		UPDATE policy_rules
		SET name = ?, description = ?, severity = ?, body_language = ?, body_source = ?, active = ?,
			version = version + ?, updated_at = ?, revision = revision + 1
		WHERE id = ? AND revision = ?
	`
	result, err := db.ExecContext(ctx, query,
		rule.Name,
		rule.Description,
		rule.Severity,
		rule.Body.Language,
		rule.Body.Source,
		rule.Active,
		bump,
		rule.UpdatedAt,
		rule.ID,
		rule.Revision,
	)
	if err != nil {
		return translate(err, "updating policy rule", entityRule, rule.ID)
	}
	if err := staleOrMissing(ctx, db.Conn(), result, "policy_rules", entityRule, rule.ID); err != nil {
		return err
	}
	rule.Version += bump
	rule.Revision++
	return nil
}

// ListRules returns rules ordered by name.
func (db *DB) ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.PolicyRule, error) {
	var conditions []string
	var args []any

	if filter.Active != nil {
		conditions = append(conditions, "active = ?")
		args = append(args, *filter.Active)
	}
	if filter.Search != "" {
		conditions = append(conditions, "(name LIKE ? OR description LIKE ?)")
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}

	query := `SELECT ` + ruleSelect + ` FROM policy_rules`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY name LIMIT ? OFFSET ?"
	page := filter.Page.Normalize()
	args = append(args, page.Limit, page.Offset)

	return db.queryRules(ctx, query, args...)
}

// ListActiveRules returns every active rule ordered by name.
func (db *DB) ListActiveRules(ctx context.Context) ([]*models.PolicyRule, error) {
	return db.queryRules(ctx, `SELECT `+ruleSelect+` FROM policy_rules WHERE active = 1 ORDER BY name`)
}

// RecordEvaluation appends v and advances the rule's counters atomically.
func (db *DB) RecordEvaluation(ctx context.Context, v *models.PolicyViolation) error {
	return db.InTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE policy_rules
			SET evaluation_count = evaluation_count + 1, last_evaluated = ?
			WHERE id = ?`,
			v.EvaluatedAt, v.RuleID)
		if err != nil {
			return translate(err, "advancing rule counters", entityRule, v.RuleID)
		}
		rows, err := affected(result)
		if err != nil {
			return err
		}
		if rows == 0 {
			return models.NotFound(entityRule, v.RuleID)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO policy_violations (`+violationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.FindingID, v.RuleID, v.RuleVersion, v.Decision, v.Detail, v.EvaluatedAt)
		return translate(err, "inserting policy violation", entityRule, v.RuleID)
	})
}

// ListViolations returns recorded evaluations, newest first.
func (db *DB) ListViolations(ctx context.Context, filter models.ViolationFilter) ([]*models.PolicyViolation, error) {
	var conditions []string
	var args []any

	if filter.RuleID != "" {
		conditions = append(conditions, "policy_rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.FindingID != "" {
		conditions = append(conditions, "finding_id = ?")
		args = append(args, filter.FindingID)
	}

	query := `SELECT ` + violationColumns + ` FROM policy_violations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	page := filter.Page.Normalize()
	args = append(args, page.Limit, page.Offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying policy violations: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*models.PolicyViolation
	for rows.Next() {
		var v models.PolicyViolation
		if err := rows.Scan(&v.ID, &v.FindingID, &v.RuleID, &v.RuleVersion, &v.Decision, &v.Detail, &v.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("scanning policy violation: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// RuleStatistics returns a rule's evaluation, violation and control counts.
// Only WARN and BLOCK evaluations count as violations.
func (db *DB) RuleStatistics(ctx context.Context, ruleID string) (*models.RuleStatistics, error) {
	stats := &models.RuleStatistics{RuleID: ruleID}
	err := db.QueryRowContext(ctx, `
		SELECT
			r.evaluation_count,
			(SELECT COUNT(*) FROM policy_violations v
				WHERE v.policy_rule_id = r.id AND v.gate_decision IN ('WARN', 'BLOCK')),
			(SELECT COUNT(*) FROM policy_control_mappings m WHERE m.policy_rule_id = r.id)
		FROM policy_rules r
		WHERE r.id = ?`, ruleID).Scan(&stats.EvaluationCount, &stats.ViolationsCount, &stats.ControlsMappedCount)
	if err != nil {
		return nil, translate(err, "computing rule statistics", entityRule, ruleID)
	}
	return stats, nil
}

func (db *DB) queryRules(ctx context.Context, query string, args ...any) ([]*models.PolicyRule, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying policy rules: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var rules []*models.PolicyRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning policy rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (*models.PolicyRule, error) {
	var rule models.PolicyRule
	var lastEvaluated sql.NullTime
	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&rule.Severity,
		&rule.Body.Language,
		&rule.Body.Source,
		&rule.Active,
		&rule.Version,
		&rule.EvaluationCount,
		&lastEvaluated,
		&rule.CreatedAt,
		&rule.UpdatedAt,
		&rule.Revision,
	)
	if err != nil {
		return nil, err
	}
	if lastEvaluated.Valid {
		t := lastEvaluated.Time
		rule.LastEvaluated = &t
	}
	return &rule, nil
}
