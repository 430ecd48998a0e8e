package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joshsymonds/sentinel/internal/models"
)

type assetRow struct {
	CreatedAt           time.Time
	UpdatedAt           time.Time
	SensitivityScore    decimal.Decimal `gorm:"type:decimal(5,2);not null"`
	ID                  string          `gorm:"primaryKey;size:36"`
	Name                string          `gorm:"size:255;not null;uniqueIndex"`
	OwnerID             string          `gorm:"size:255;not null"`
	AssetType           string          `gorm:"size:32;not null"`
	ClassificationLevel string          `gorm:"size:32;not null"`
	TechnologyStack     string          `gorm:"type:text;not null"`
	Confidentiality     int             `gorm:"not null"`
	Integrity           int             `gorm:"not null"`
	Availability        int             `gorm:"not null"`
	Revision            int64           `gorm:"not null;default:1"`
}

func (assetRow) TableName() string { return "assets" }

type threatRow struct {
	CreatedAt      time.Time
	UpdatedAt      time.Time
	RiskScore      decimal.Decimal `gorm:"type:decimal(5,2);not null"`
	ID             string          `gorm:"primaryKey;size:36"`
	AssetID        string          `gorm:"size:36;not null;index"`
	Title          string          `gorm:"size:500;not null"`
	STRIDECategory string          `gorm:"column:stride_category;size:32;not null"`
	MitreAttackID  string          `gorm:"size:20;not null"`
	Status         string          `gorm:"size:32;not null;index"`
	Likelihood     int             `gorm:"not null"`
	Impact         int             `gorm:"not null"`
	Revision       int64           `gorm:"not null;default:1"`
	AutoGenerated  bool            `gorm:"not null"`
}

func (threatRow) TableName() string { return "threats" }

type historyRow struct {
	ChangedAt time.Time `gorm:"not null"`
	ID        string    `gorm:"size:36;not null;uniqueIndex"`
	ThreatID  string    `gorm:"size:36;not null;index:idx_threat_history_threat,priority:1"`
	FromState string    `gorm:"size:32;not null"`
	ToState   string    `gorm:"size:32;not null"`
	ChangedBy string    `gorm:"size:255;not null"`
	Seq       uint64    `gorm:"primaryKey;autoIncrement;index:idx_threat_history_threat,priority:2"`
}

func (historyRow) TableName() string { return "threat_state_history" }

type acceptanceRow struct {
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
	ApprovalSignatureTimestamp *time.Time
	ID                         string `gorm:"primaryKey;size:36"`
	ThreatID                   string `gorm:"size:36;not null;index"`
	RequestedBy                string `gorm:"size:255;not null"`
	ApprovedBy                 string `gorm:"size:255;not null"`
	Justification              string `gorm:"type:text;not null"`
	ExpirationDate             string `gorm:"size:10;not null;index:idx_acceptances_expiry,priority:2"`
	Status                     string `gorm:"size:16;not null;index:idx_acceptances_expiry,priority:1"`
	ApprovalSignatureName      string `gorm:"size:255;not null"`
	AcceptancePeriodDays       int    `gorm:"not null"`
}

func (acceptanceRow) TableName() string { return "risk_acceptances" }

type ruleRow struct {
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastEvaluated   *time.Time
	ID              string `gorm:"primaryKey;size:36"`
	Name            string `gorm:"size:255;not null;uniqueIndex"`
	Description     string `gorm:"type:text;not null"`
	Severity        string `gorm:"size:16;not null"`
	BodyLanguage    string `gorm:"size:32;not null"`
	BodySource      string `gorm:"type:text;not null"`
	EvaluationCount int64  `gorm:"not null"`
	Revision        int64  `gorm:"not null;default:1"`
	Version         int    `gorm:"not null"`
	Active          bool   `gorm:"not null;index"`
}

func (ruleRow) TableName() string { return "policy_rules" }

type violationRow struct {
	EvaluatedAt  time.Time `gorm:"not null"`
	ID           string    `gorm:"size:36;not null;uniqueIndex"`
	FindingID    string    `gorm:"size:255;not null;index"`
	PolicyRuleID string    `gorm:"size:36;not null;index:idx_violations_rule,priority:1"`
	GateDecision string    `gorm:"size:8;not null"`
	Detail       string    `gorm:"type:text;not null"`
	RuleVersion  int       `gorm:"not null"`
	Seq          uint64    `gorm:"primaryKey;autoIncrement;index:idx_violations_rule,priority:2"`
}

func (violationRow) TableName() string { return "policy_violations" }

type controlRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	Framework   string `gorm:"size:32;not null;uniqueIndex:idx_controls_code,priority:1"`
	ControlCode string `gorm:"size:64;not null;uniqueIndex:idx_controls_code,priority:2"`
	Description string `gorm:"type:text;not null"`
}

func (controlRow) TableName() string { return "controls" }

type mappingRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	PolicyRuleID string `gorm:"size:36;not null;uniqueIndex:idx_mappings_pair,priority:1"`
	ControlID    string `gorm:"size:36;not null;uniqueIndex:idx_mappings_pair,priority:2;index"`
}

func (mappingRow) TableName() string { return "policy_control_mappings" }

// allRows lists every table AutoMigrate manages.
var allRows = []any{
	&assetRow{}, &threatRow{}, &historyRow{}, &acceptanceRow{},
	&ruleRow{}, &violationRow{}, &controlRow{}, &mappingRow{},
}

func newAssetRow(a *models.Asset) (*assetRow, error) {
	stack := a.TechnologyStack
	if stack == nil {
		stack = []string{}
	}
	encoded, err := json.Marshal(stack)
	if err != nil {
		return nil, fmt.Errorf("encoding technology stack: %w", err)
	}
	return &assetRow{
		ID:                  a.ID,
		Name:                a.Name,
		OwnerID:             a.OwnerID,
		AssetType:           string(a.Type),
		ClassificationLevel: string(a.Classification),
		TechnologyStack:     string(encoded),
		Confidentiality:     a.Confidentiality,
		Integrity:           a.Integrity,
		Availability:        a.Availability,
		SensitivityScore:    a.SensitivityScore,
		Revision:            a.Revision,
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
	}, nil
}

func (r *assetRow) model() (*models.Asset, error) {
	var stack []string
	if err := json.Unmarshal([]byte(r.TechnologyStack), &stack); err != nil {
		return nil, fmt.Errorf("decoding technology stack of asset %s: %w", r.ID, err)
	}
	return &models.Asset{
		ID:               r.ID,
		Name:             r.Name,
		OwnerID:          r.OwnerID,
		Type:             models.AssetType(r.AssetType),
		Classification:   models.ClassificationLevel(r.ClassificationLevel),
		TechnologyStack:  stack,
		Confidentiality:  r.Confidentiality,
		Integrity:        r.Integrity,
		Availability:     r.Availability,
		SensitivityScore: r.SensitivityScore,
		Revision:         r.Revision,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

func newThreatRow(t *models.Threat) *threatRow {
	return &threatRow{
		ID:             t.ID,
		AssetID:        t.AssetID,
		Title:          t.Title,
		STRIDECategory: string(t.STRIDECategory),
		MitreAttackID:  t.MitreAttackID,
		Likelihood:     t.Likelihood,
		Impact:         t.Impact,
		RiskScore:      t.RiskScore,
		Revision:       t.Revision,
		Status:         string(t.Status),
		AutoGenerated:  t.AutoGenerated,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (r *threatRow) model() *models.Threat {
	return &models.Threat{
		ID:             r.ID,
		AssetID:        r.AssetID,
		Title:          r.Title,
		STRIDECategory: models.STRIDECategory(r.STRIDECategory),
		MitreAttackID:  r.MitreAttackID,
		Likelihood:     r.Likelihood,
		Impact:         r.Impact,
		RiskScore:      r.RiskScore,
		Revision:       r.Revision,
		Status:         models.ThreatStatus(r.Status),
		AutoGenerated:  r.AutoGenerated,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func newHistoryRow(h *models.ThreatStateHistory) *historyRow {
	return &historyRow{
		ID:        h.ID,
		ThreatID:  h.ThreatID,
		FromState: string(h.FromState),
		ToState:   string(h.ToState),
		ChangedBy: h.ChangedBy,
		ChangedAt: h.ChangedAt,
	}
}

func (r *historyRow) model() *models.ThreatStateHistory {
	return &models.ThreatStateHistory{
		ID:        r.ID,
		ThreatID:  r.ThreatID,
		FromState: models.ThreatStatus(r.FromState),
		ToState:   models.ThreatStatus(r.ToState),
		ChangedBy: r.ChangedBy,
		ChangedAt: r.ChangedAt,
	}
}

func newAcceptanceRow(a *models.RiskAcceptance) *acceptanceRow {
	return &acceptanceRow{
		ID:                         a.ID,
		ThreatID:                   a.ThreatID,
		RequestedBy:                a.RequestedBy,
		ApprovedBy:                 a.ApprovedBy,
		Justification:              a.Justification,
		AcceptancePeriodDays:       a.PeriodDays,
		ExpirationDate:             formatDate(a.ExpirationDate),
		Status:                     string(a.Status),
		ApprovalSignatureName:      a.SignatureName,
		ApprovalSignatureTimestamp: a.SignedAt,
		CreatedAt:                  a.CreatedAt,
		UpdatedAt:                  a.UpdatedAt,
	}
}

func (r *acceptanceRow) model() (*models.RiskAcceptance, error) {
	expires, err := time.Parse(time.DateOnly, r.ExpirationDate)
	if err != nil {
		return nil, fmt.Errorf("parsing expiration date %q: %w", r.ExpirationDate, err)
	}
	return &models.RiskAcceptance{
		ID:             r.ID,
		ThreatID:       r.ThreatID,
		RequestedBy:    r.RequestedBy,
		ApprovedBy:     r.ApprovedBy,
		Justification:  r.Justification,
		PeriodDays:     r.AcceptancePeriodDays,
		ExpirationDate: expires,
		Status:         models.AcceptanceStatus(r.Status),
		SignatureName:  r.ApprovalSignatureName,
		SignedAt:       r.ApprovalSignatureTimestamp,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

func newRuleRow(r *models.PolicyRule) *ruleRow {
	return &ruleRow{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		Severity:        string(r.Severity),
		BodyLanguage:    r.Body.Language,
		BodySource:      r.Body.Source,
		Active:          r.Active,
		Version:         r.Version,
		EvaluationCount: r.EvaluationCount,
		Revision:        r.Revision,
		LastEvaluated:   r.LastEvaluated,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (r *ruleRow) model() *models.PolicyRule {
	return &models.PolicyRule{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		Severity:        models.PolicySeverity(r.Severity),
		Body:            models.RuleBody{Language: r.BodyLanguage, Source: r.BodySource},
		Active:          r.Active,
		Version:         r.Version,
		EvaluationCount: r.EvaluationCount,
		Revision:        r.Revision,
		LastEvaluated:   r.LastEvaluated,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (r *violationRow) model() *models.PolicyViolation {
	return &models.PolicyViolation{
		ID:          r.ID,
		FindingID:   r.FindingID,
		RuleID:      r.PolicyRuleID,
		RuleVersion: r.RuleVersion,
		Decision:    models.GateDecision(r.GateDecision),
		Detail:      r.Detail,
		EvaluatedAt: r.EvaluatedAt,
	}
}

func (r *controlRow) model() *models.Control {
	return &models.Control{
		ID:          r.ID,
		Framework:   models.ComplianceFramework(r.Framework),
		Code:        r.ControlCode,
		Description: r.Description,
	}
}

func formatDate(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
