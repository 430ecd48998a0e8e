package database

import (
	"context"
	"fmt"

	"github.com/joshsymonds/sentinel/internal/models"
)

const controlColumns = `id, framework, control_code, description`

// CreateControl inserts a compliance control. Codes are unique per framework.
func (db *DB) CreateControl(ctx context.Context, control *models.Control) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO controls (`+controlColumns+`) VALUES (?, ?, ?, ?)`,
		control.ID, control.Framework, control.Code, control.Description)
	return translate(err, "inserting control", "control", string(control.Framework)+" "+control.Code)
}

// ListControls returns controls ordered by framework and code. An empty
// framework lists all of them.
func (db *DB) ListControls(ctx context.Context, framework models.ComplianceFramework) ([]*models.Control, error) {
	query := `SELECT ` + controlColumns + ` FROM controls`
	var args []any
	if framework != "" {
		query += " WHERE framework = ?"
		args = append(args, framework)
	}
	query += " ORDER BY framework, control_code"
	return db.queryControls(ctx, query, args...)
}

// MapControl links a rule to a control.
func (db *DB) MapControl(ctx context.Context, mapping *models.PolicyControlMapping) error {
	for _, ref := range []struct{ table, entity, id string }{
		{"policy_rules", entityRule, mapping.RuleID},
		{"controls", "control", mapping.ControlID},
	} {
		found, err := exists(ctx, db.Conn(), ref.table, ref.id)
		if err != nil {
			return err
		}
		if !found {
			return models.NotFound(ref.entity, ref.id)
		}
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO policy_control_mappings (id, policy_rule_id, control_id) VALUES (?, ?, ?)`,
		mapping.ID, mapping.RuleID, mapping.ControlID)
	return translate(err, "inserting control mapping", "control mapping", mapping.RuleID+"/"+mapping.ControlID)
}

// UnmapControl removes a rule-control link.
func (db *DB) UnmapControl(ctx context.Context, ruleID, controlID string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM policy_control_mappings WHERE policy_rule_id = ? AND control_id = ?`,
		ruleID, controlID)
	if err != nil {
		return fmt.Errorf("deleting control mapping: %w", err)
	}
	rows, err := affected(result)
	if err != nil {
		return err
	}
	if rows == 0 {
		return models.NotFound("control mapping", ruleID+"/"+controlID)
	}
	return nil
}

// ListRuleControls returns the controls mapped to a rule.
func (db *DB) ListRuleControls(ctx context.Context, ruleID string) ([]*models.Control, error) {
	return db.queryControls(ctx, `
		SELECT c.id, c.framework, c.control_code, c.description
		FROM controls c
		JOIN policy_control_mappings m ON m.control_id = c.id
		WHERE m.policy_rule_id = ?
		ORDER BY c.framework, c.control_code`, ruleID)
}

func (db *DB) queryControls(ctx context.Context, query string, args ...any) ([]*models.Control, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying controls: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var controls []*models.Control
	for rows.Next() {
		var c models.Control
		if err := rows.Scan(&c.ID, &c.Framework, &c.Code, &c.Description); err != nil {
			return nil, fmt.Errorf("scanning control: %w", err)
		}
		controls = append(controls, &c)
	}
	return controls, rows.Err()
}
