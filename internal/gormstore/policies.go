package gormstore

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/joshsymonds/sentinel/internal/models"
)

const entityRule = "policy rule"

// CreateRule inserts a policy rule. A duplicate name is a conflict.
func (s *Store) CreateRule(ctx context.Context, rule *models.PolicyRule) error {
	return translate(s.conn(ctx).Create(newRuleRow(rule)).Error, "inserting policy rule", entityRule, rule.Name)
}

// GetRule retrieves a policy rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (*models.PolicyRule, error) {
	var row ruleRow
	if err := s.conn(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, translate(err, "getting policy rule", entityRule, id)
	}
	return row.model(), nil
}

// UpdateRule writes a rule's editable fields if the stored revision still
// equals rule.Revision, bumping the version in the same statement when
// bumpVersion is set. It returns models.ErrStale when the revision moved on.
func (s *Store) UpdateRule(ctx context.Context, rule *models.PolicyRule, bumpVersion bool) error {
	bump := 0
	if bumpVersion {
		bump = 1
	}
	tx := s.conn(ctx)
	result := tx.Model(&ruleRow{}).Where("id = ? AND revision = ?", rule.ID, rule.Revision).UpdateColumns(map[string]any{
		"name":          rule.Name,
		"description":   rule.Description,
		"severity":      string(rule.Severity),
		"body_language": rule.Body.Language,
		"body_source":   rule.Body.Source,
		"active":        rule.Active,
		"version":       gorm.Expr("version + ?", bump),
		"updated_at":    rule.UpdatedAt,
		"revision":      gorm.Expr("revision + 1"),
	})
	if result.Error != nil {
		return translate(result.Error, "updating policy rule", entityRule, rule.ID)
	}
	if err := staleOrMissing(tx, result, &ruleRow{}, entityRule, rule.ID); err != nil {
		return err
	}
	rule.Version += bump
	rule.Revision++
	return nil
}

// ListRules returns rules ordered by name.
func (s *Store) ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.PolicyRule, error) {
	q := s.conn(ctx).Model(&ruleRow{})
	if filter.Active != nil {
		q = q.Where("active = ?", *filter.Active)
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		q = q.Where("name LIKE ? OR description LIKE ?", like, like)
	}

	var rows []ruleRow
	if err := paginate(q.Order("name"), filter.Page).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing policy rules: %w", err)
	}
	return ruleModels(rows), nil
}

// ListActiveRules returns every active rule ordered by name.
func (s *Store) ListActiveRules(ctx context.Context) ([]*models.PolicyRule, error) {
	var rows []ruleRow
	if err := s.conn(ctx).Where("active = ?", true).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing active rules: %w", err)
	}
	return ruleModels(rows), nil
}

// RecordEvaluation appends v and advances the rule's counters atomically.
func (s *Store) RecordEvaluation(ctx context.Context, v *models.PolicyViolation) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		evaluatedAt := v.EvaluatedAt
		result := tx.Model(&ruleRow{}).Where("id = ?", v.RuleID).UpdateColumns(map[string]any{
			"evaluation_count": gorm.Expr("evaluation_count + 1"),
			"last_evaluated":   &evaluatedAt,
		})
		if result.Error != nil {
			return translate(result.Error, "advancing rule counters", entityRule, v.RuleID)
		}
		if result.RowsAffected == 0 {
			return models.NotFound(entityRule, v.RuleID)
		}

		row := &violationRow{
			ID:           v.ID,
			FindingID:    v.FindingID,
			PolicyRuleID: v.RuleID,
			RuleVersion:  v.RuleVersion,
			GateDecision: string(v.Decision),
			Detail:       v.Detail,
			EvaluatedAt:  v.EvaluatedAt,
		}
		return translate(tx.Create(row).Error, "inserting policy violation", entityRule, v.RuleID)
	})
}

// ListViolations returns recorded evaluations, newest first.
func (s *Store) ListViolations(ctx context.Context, filter models.ViolationFilter) ([]*models.PolicyViolation, error) {
	q := s.conn(ctx).Model(&violationRow{})
	if filter.RuleID != "" {
		q = q.Where("policy_rule_id = ?", filter.RuleID)
	}
	if filter.FindingID != "" {
		q = q.Where("finding_id = ?", filter.FindingID)
	}

	var rows []violationRow
	if err := paginate(q.Order("seq DESC"), filter.Page).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing policy violations: %w", err)
	}
	out := make([]*models.PolicyViolation, len(rows))
	for i := range rows {
		out[i] = rows[i].model()
	}
	return out, nil
}

// RuleStatistics returns a rule's evaluation, violation and control counts.
// Only WARN and BLOCK evaluations count as violations.
func (s *Store) RuleStatistics(ctx context.Context, ruleID string) (*models.RuleStatistics, error) {
	stats := &models.RuleStatistics{RuleID: ruleID}
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var rule ruleRow
		if err := tx.Select("evaluation_count").Where("id = ?", ruleID).Take(&rule).Error; err != nil {
			return translate(err, "getting policy rule", entityRule, ruleID)
		}
		stats.EvaluationCount = rule.EvaluationCount

		err := tx.Model(&violationRow{}).
			Where("policy_rule_id = ? AND gate_decision IN ?", ruleID,
				[]string{string(models.DecisionWarn), string(models.DecisionBlock)}).
			Count(&stats.ViolationsCount).Error
		if err != nil {
			return fmt.Errorf("counting violations: %w", err)
		}
		if err := tx.Model(&mappingRow{}).Where("policy_rule_id = ?", ruleID).Count(&stats.ControlsMappedCount).Error; err != nil {
			return fmt.Errorf("counting mapped controls: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// CreateControl inserts a compliance control. Codes are unique per framework.
func (s *Store) CreateControl(ctx context.Context, control *models.Control) error {
	row := &controlRow{
		ID:          control.ID,
		Framework:   string(control.Framework),
		ControlCode: control.Code,
		Description: control.Description,
	}
	return translate(s.conn(ctx).Create(row).Error, "inserting control", "control", string(control.Framework)+" "+control.Code)
}

// ListControls returns controls ordered by framework and code.
func (s *Store) ListControls(ctx context.Context, framework models.ComplianceFramework) ([]*models.Control, error) {
	q := s.conn(ctx).Model(&controlRow{})
	if framework != "" {
		q = q.Where("framework = ?", string(framework))
	}
	var rows []controlRow
	if err := q.Order("framework").Order("control_code").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing controls: %w", err)
	}
	return controlModels(rows), nil
}

// MapControl links a rule to a control.
func (s *Store) MapControl(ctx context.Context, mapping *models.PolicyControlMapping) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireRow(tx, &ruleRow{}, entityRule, mapping.RuleID); err != nil {
			return err
		}
		if err := requireRow(tx, &controlRow{}, "control", mapping.ControlID); err != nil {
			return err
		}
		row := &mappingRow{ID: mapping.ID, PolicyRuleID: mapping.RuleID, ControlID: mapping.ControlID}
		return translate(tx.Create(row).Error, "inserting control mapping", "control mapping", mapping.RuleID+"/"+mapping.ControlID)
	})
}

// UnmapControl removes a rule-control link.
func (s *Store) UnmapControl(ctx context.Context, ruleID, controlID string) error {
	result := s.conn(ctx).Where("policy_rule_id = ? AND control_id = ?", ruleID, controlID).Delete(&mappingRow{})
	if result.Error != nil {
		return fmt.Errorf("deleting control mapping: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.NotFound("control mapping", ruleID+"/"+controlID)
	}
	return nil
}

// ListRuleControls returns the controls mapped to a rule.
func (s *Store) ListRuleControls(ctx context.Context, ruleID string) ([]*models.Control, error) {
	var rows []controlRow
	err := s.conn(ctx).
		Joins("JOIN policy_control_mappings ON policy_control_mappings.control_id = controls.id").
		Where("policy_control_mappings.policy_rule_id = ?", ruleID).
		Order("controls.framework").Order("controls.control_code").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing rule controls: %w", err)
	}
	return controlModels(rows), nil
}

func ruleModels(rows []ruleRow) []*models.PolicyRule {
	out := make([]*models.PolicyRule, len(rows))
	for i := range rows {
		out[i] = rows[i].model()
	}
	return out
}

func controlModels(rows []controlRow) []*models.Control {
	out := make([]*models.Control, len(rows))
	for i := range rows {
		out[i] = rows[i].model()
	}
	return out
}
