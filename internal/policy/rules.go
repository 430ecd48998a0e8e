package policy

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/joshsymonds/sentinel/internal/models"
)

// CreateRule stores a new rule at version 1.
func (g *Gate) CreateRule(ctx context.Context, in models.RuleInput) (*models.PolicyRule, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := g.clock.Now()
	rule := &models.PolicyRule{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Description: in.Description,
		Severity:    in.Severity,
		Body:        in.Body,
		Active:      in.Active,
		Version:     1,
		Revision:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}

	g.logger.Info("Policy rule created",
		"rule_id", rule.ID,
		"name", rule.Name,
		"active", rule.Active)
	return rule, nil
}

// UpdateRule applies a partial update. The version advances by one only when
// the body changes; renames, severity, description and activation do not
// affect it.
//
// The write is conditional on the revision read, so an edit based on a stale
// copy is re-applied to the current rule instead of overwriting it.
func (g *Gate) UpdateRule(ctx context.Context, id string, upd models.RuleUpdate) (*models.PolicyRule, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		rule, err := g.store.GetRule(ctx, id)
		if err != nil {
			return nil, err
		}

		bump := applyRuleUpdate(rule, upd)
		rule.UpdatedAt = g.clock.Now()

		err = g.store.UpdateRule(ctx, rule, bump)
		if errors.Is(err, models.ErrStale) {
			g.logger.Debug("Policy rule changed concurrently, retrying",
				"rule_id", id,
				"attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		updated, err := g.store.GetRule(ctx, id)
		if err != nil {
			return nil, err
		}
		g.logger.Info("Policy rule updated",
			"rule_id", id,
			"body_changed", bump,
			"version", updated.Version)
		return updated, nil
	}

	return nil, models.Conflict("policy rule", id, "changed concurrently %d times", g.maxAttempts)
}

// applyRuleUpdate copies the set fields of upd onto rule and reports whether
// the body changed.
func applyRuleUpdate(rule *models.PolicyRule, upd models.RuleUpdate) bool {
	bump := upd.Body != nil && !upd.Body.Equal(rule.Body)
	if upd.Name != nil {
		rule.Name = *upd.Name
	}
	if upd.Description != nil {
		rule.Description = *upd.Description
	}
	if upd.Severity != nil {
		rule.Severity = *upd.Severity
	}
	if upd.Body != nil {
		rule.Body = *upd.Body
	}
	if upd.Active != nil {
		rule.Active = *upd.Active
	}
	return bump
}

// GetRule returns a rule by id.
func (g *Gate) GetRule(ctx context.Context, id string) (*models.PolicyRule, error) {
	return g.store.GetRule(ctx, id)
}

// ListRules returns rules matching filter, ordered by name.
func (g *Gate) ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.PolicyRule, error) {
	filter.Page = filter.Page.Normalize()
	return g.store.ListRules(ctx, filter)
}

// CreateControl stores a compliance control.
func (g *Gate) CreateControl(ctx context.Context, in models.ControlInput) (*models.Control, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	control := &models.Control{
		ID:          uuid.New().String(),
		Framework:   in.Framework,
		Code:        in.Code,
		Description: in.Description,
	}
	if err := g.store.CreateControl(ctx, control); err != nil {
		return nil, err
	}
	g.logger.Info("Control created",
		"control_id", control.ID,
		"framework", control.Framework,
		"code", control.Code)
	return control, nil
}

// ListControls returns controls, optionally narrowed to one framework.
func (g *Gate) ListControls(ctx context.Context, framework models.ComplianceFramework) ([]*models.Control, error) {
	if framework != "" && !framework.IsValid() {
		return nil, models.Validation("control", "unknown framework %q", framework)
	}
	return g.store.ListControls(ctx, framework)
}

// MapControl links a rule to a control.
func (g *Gate) MapControl(ctx context.Context, ruleID, controlID string) (*models.PolicyControlMapping, error) {
	if strings.TrimSpace(ruleID) == "" || strings.TrimSpace(controlID) == "" {
		return nil, models.Validation("control mapping", "rule and control are required")
	}
	mapping := &models.PolicyControlMapping{
		ID:        uuid.New().String(),
		RuleID:    ruleID,
		ControlID: controlID,
	}
	if err := g.store.MapControl(ctx, mapping); err != nil {
		return nil, err
	}
	g.logger.Info("Control mapped", "rule_id", ruleID, "control_id", controlID)
	return mapping, nil
}

// UnmapControl removes the link between a rule and a control.
func (g *Gate) UnmapControl(ctx context.Context, ruleID, controlID string) error {
	if err := g.store.UnmapControl(ctx, ruleID, controlID); err != nil {
		return err
	}
	g.logger.Info("Control unmapped", "rule_id", ruleID, "control_id", controlID)
	return nil
}

// RuleControls lists the controls mapped to a rule.
func (g *Gate) RuleControls(ctx context.Context, ruleID string) ([]*models.Control, error) {
	if _, err := g.store.GetRule(ctx, ruleID); err != nil {
		return nil, err
	}
	return g.store.ListRuleControls(ctx, ruleID)
}
