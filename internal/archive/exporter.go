package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joshsymonds/sentinel/internal/clock"
	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

// Source is the read access an export needs. Both stores implement it.
type Source interface {
	GetAsset(ctx context.Context, id string) (*models.Asset, error)
	GetThreat(ctx context.Context, id string) (*models.Threat, error)
	ListThreatHistory(ctx context.Context, threatID string) ([]*models.ThreatStateHistory, error)
	ListAcceptances(ctx context.Context, filter models.AcceptanceFilter) ([]*models.RiskAcceptance, error)
	GetRule(ctx context.Context, id string) (*models.PolicyRule, error)
	ListViolations(ctx context.Context, filter models.ViolationFilter) ([]*models.PolicyViolation, error)
	RuleStatistics(ctx context.Context, ruleID string) (*models.RuleStatistics, error)
	ListRuleControls(ctx context.Context, ruleID string) ([]*models.Control, error)
}

// exportPageSize bounds how many acceptances or violations one snapshot carries.
const exportPageSize = 10_000

// ThreatSnapshot is the audit record of one threat.
type ThreatSnapshot struct {
	ExportedAt  time.Time                    `json:"exported_at"`
	Threat      *models.Threat               `json:"threat"`
	Asset       *models.Asset                `json:"asset"`
	History     []*models.ThreatStateHistory `json:"history"`
	Acceptances []*models.RiskAcceptance     `json:"acceptances"`
}

// RuleSnapshot is the audit record of one policy rule.
type RuleSnapshot struct {
	ExportedAt time.Time                 `json:"exported_at"`
	Rule       *models.PolicyRule        `json:"rule"`
	Statistics *models.RuleStatistics    `json:"statistics"`
	Controls   []*models.Control         `json:"controls"`
	Violations []*models.PolicyViolation `json:"violations"`
}

// Exporter writes snapshots to a sink.
type Exporter struct {
	source Source
	sink   Sink
	clock  clock.Clock
	logger logger.Logger
}

// NewExporter creates an exporter.
func NewExporter(source Source, sink Sink, c clock.Clock, log logger.Logger) *Exporter {
	if c == nil {
		c = clock.Real{}
	}
	return &Exporter{source: source, sink: sink, clock: c, logger: log}
}

// ExportThreat snapshots a threat, its asset, its full transition history
// and its acceptances. It returns where the snapshot was written.
func (e *Exporter) ExportThreat(ctx context.Context, threatID string) (string, error) {
	threat, err := e.source.GetThreat(ctx, threatID)
	if err != nil {
		return "", err
	}
	asset, err := e.source.GetAsset(ctx, threat.AssetID)
	if err != nil {
		return "", fmt.Errorf("loading asset of threat %s: %w", threatID, err)
	}
	history, err := e.source.ListThreatHistory(ctx, threatID)
	if err != nil {
		return "", fmt.Errorf("loading history of threat %s: %w", threatID, err)
	}
	acceptances, err := e.source.ListAcceptances(ctx, models.AcceptanceFilter{
		ThreatID: threatID,
		Page:     models.Page{Limit: exportPageSize},
	})
	if err != nil {
		return "", fmt.Errorf("loading acceptances of threat %s: %w", threatID, err)
	}

	snap := ThreatSnapshot{
		ExportedAt:  e.clock.Now(),
		Threat:      threat,
		Asset:       asset,
		History:     history,
		Acceptances: acceptances,
	}
	return e.write(ctx, "threats", threatID, snap)
}

// ExportRule snapshots a rule with its statistics, mapped controls and
// recorded evaluations.
func (e *Exporter) ExportRule(ctx context.Context, ruleID string) (string, error) {
	rule, err := e.source.GetRule(ctx, ruleID)
	if err != nil {
		return "", err
	}
	stats, err := e.source.RuleStatistics(ctx, ruleID)
	if err != nil {
		return "", fmt.Errorf("loading statistics of rule %s: %w", ruleID, err)
	}
	controls, err := e.source.ListRuleControls(ctx, ruleID)
	if err != nil {
		return "", fmt.Errorf("loading controls of rule %s: %w", ruleID, err)
	}
	violations, err := e.source.ListViolations(ctx, models.ViolationFilter{
		RuleID: ruleID,
		Page:   models.Page{Limit: exportPageSize},
	})
	if err != nil {
		return "", fmt.Errorf("loading violations of rule %s: %w", ruleID, err)
	}

	snap := RuleSnapshot{
		ExportedAt: e.clock.Now(),
		Rule:       rule,
		Statistics: stats,
		Controls:   controls,
		Violations: violations,
	}
	return e.write(ctx, "rules", ruleID, snap)
}

func (e *Exporter) write(ctx context.Context, kind, id string, snap any) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s.json", kind, id, e.clock.Now().Format("20060102T150405Z"))
	if err := e.sink.Put(ctx, key, data); err != nil {
		return "", err
	}

	location := e.sink.Location(key)
	e.logger.Info("Exported snapshot", "kind", kind, "id", id, "location", location)
	return location, nil
}
