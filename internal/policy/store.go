package policy

import (
	"context"

	"github.com/joshsymonds/sentinel/internal/models"
)

// Store is the persistence the gate needs.
type Store interface {
	CreateRule(ctx context.Context, rule *models.PolicyRule) error
	GetRule(ctx context.Context, id string) (*models.PolicyRule, error)
	// UpdateRule writes the rule's editable fields if the stored revision
	// still equals rule.Revision and advances it. When bumpVersion is set it
	// also increments the stored version by one. On success rule carries the
	// new revision and version; otherwise it returns models.ErrStale.
	UpdateRule(ctx context.Context, rule *models.PolicyRule, bumpVersion bool) error
	ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.PolicyRule, error)
	ListActiveRules(ctx context.Context) ([]*models.PolicyRule, error)

	// RecordEvaluation appends v and advances the rule's evaluation counter
	// and last-evaluated timestamp in one transaction.
	RecordEvaluation(ctx context.Context, v *models.PolicyViolation) error
	ListViolations(ctx context.Context, filter models.ViolationFilter) ([]*models.PolicyViolation, error)
	// RuleStatistics returns the raw counters for a rule. PassRate is left zero.
	RuleStatistics(ctx context.Context, ruleID string) (*models.RuleStatistics, error)

	CreateControl(ctx context.Context, control *models.Control) error
	ListControls(ctx context.Context, framework models.ComplianceFramework) ([]*models.Control, error)
	MapControl(ctx context.Context, mapping *models.PolicyControlMapping) error
	UnmapControl(ctx context.Context, ruleID, controlID string) error
	ListRuleControls(ctx context.Context, ruleID string) ([]*models.Control, error)
}
