// Package models contains the entities tracked by Sentinel: assets, threats and
// their state history, risk acceptances, policy rules, violations and controls.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Asset is a system whose confidentiality, integrity and availability ratings
// determine how sensitive it is.
type Asset struct {
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	SensitivityScore decimal.Decimal     `json:"sensitivity_score"`
	Revision         int64               `json:"revision"`
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	OwnerID          string              `json:"owner_id"`
	Type             AssetType           `json:"type"`
	Classification   ClassificationLevel `json:"classification_level"`
	TechnologyStack  []string            `json:"technology_stack,omitempty"`
	Confidentiality  int                 `json:"confidentiality"`
	Integrity        int                 `json:"integrity"`
	Availability     int                 `json:"availability"`
}

// Threat is a risk against a single asset.
type Threat struct {
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	RiskScore      decimal.Decimal `json:"risk_score"`
	Revision       int64           `json:"revision"`
	ID             string          `json:"id"`
	AssetID        string          `json:"asset_id"`
	Title          string          `json:"title"`
	STRIDECategory STRIDECategory  `json:"stride_category,omitempty"`
	MitreAttackID  string          `json:"mitre_attack_id,omitempty"`
	Status         ThreatStatus    `json:"status"`
	Likelihood     int             `json:"likelihood"`
	Impact         int             `json:"impact"`
	AutoGenerated  bool            `json:"auto_generated"`
}

// ThreatStateHistory records one lifecycle transition of a threat.
// Records are append-only.
type ThreatStateHistory struct {
	ChangedAt time.Time    `json:"changed_at"`
	ID        string       `json:"id"`
	ThreatID  string       `json:"threat_id"`
	FromState ThreatStatus `json:"from_state"`
	ToState   ThreatStatus `json:"to_state"`
	ChangedBy string       `json:"changed_by"`
}

// RiskAcceptance is a time-bounded exception allowing a threat to stay unmitigated.
type RiskAcceptance struct {
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	ExpirationDate time.Time        `json:"expiration_date"`
	SignedAt       *time.Time       `json:"approval_signature_timestamp,omitempty"`
	ID             string           `json:"id"`
	ThreatID       string           `json:"threat_id"`
	RequestedBy    string           `json:"requested_by"`
	ApprovedBy     string           `json:"approved_by,omitempty"`
	Justification  string           `json:"justification"`
	Status         AcceptanceStatus `json:"status"`
	SignatureName  string           `json:"approval_signature_name,omitempty"`
	PeriodDays     int              `json:"acceptance_period_days"`
}

// AcceptanceDecision is the set of fields written when a pending acceptance
// is approved or rejected.
type AcceptanceDecision struct {
	DecidedAt     time.Time
	Status        AcceptanceStatus
	DecidedBy     string
	SignatureName string
}

// RuleBody is the opaque payload of a policy rule. Sentinel never interprets
// it; it is handed verbatim to the configured evaluator.
type RuleBody struct {
	Language string `json:"language,omitempty" yaml:"language,omitempty"`
	Source   string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Equal reports whether two bodies are identical.
func (b RuleBody) Equal(other RuleBody) bool {
	return b.Language == other.Language && b.Source == other.Source
}

// IsEmpty reports whether the body carries no source.
func (b RuleBody) IsEmpty() bool {
	return b.Source == ""
}

// PolicyRule gates findings. Version is bumped only when Body changes.
type PolicyRule struct {
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	LastEvaluated   *time.Time     `json:"last_evaluated,omitempty"`
	Body            RuleBody       `json:"body"`
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Severity        PolicySeverity `json:"severity"`
	EvaluationCount int64          `json:"evaluation_count"`
	Revision        int64          `json:"revision"`
	Version         int            `json:"version"`
	Active          bool           `json:"active"`
}

// PolicyViolation records the outcome of one rule evaluation against one finding.
type PolicyViolation struct {
	EvaluatedAt time.Time    `json:"evaluated_at"`
	ID          string       `json:"id"`
	FindingID   string       `json:"finding_id"`
	RuleID      string       `json:"policy_rule_id"`
	Decision    GateDecision `json:"gate_decision"`
	Detail      string       `json:"detail,omitempty"`
	RuleVersion int          `json:"rule_version"`
}

// Control is a requirement from a compliance framework.
type Control struct {
	ID          string              `json:"id"`
	Framework   ComplianceFramework `json:"framework"`
	Code        string              `json:"control_code"`
	Description string              `json:"description"`
}

// PolicyControlMapping links a policy rule to a control.
type PolicyControlMapping struct {
	ID        string `json:"id"`
	RuleID    string `json:"policy_rule_id"`
	ControlID string `json:"control_id"`
}

// Finding is the structured finding data a rule is evaluated against.
// Findings are produced by scan ingestion and are not stored by Sentinel.
type Finding struct {
	Metadata          map[string]string `json:"metadata,omitempty"`
	ID                string            `json:"id"`
	AssetID           string            `json:"asset_id,omitempty"`
	ThreatID          string            `json:"threat_id,omitempty"`
	VulnerabilityType string            `json:"vulnerability_type"`
	CVEID             string            `json:"cve_id,omitempty"`
	Severity          string            `json:"severity"`
	Location          string            `json:"location,omitempty"`
	Status            string            `json:"status,omitempty"`
	ScannerSources    []string          `json:"scanner_sources,omitempty"`
}

// Verdict is what a rule evaluator returns for one finding.
type Verdict struct {
	Decision GateDecision `json:"decision"`
	Detail   string       `json:"detail,omitempty"`
}

// RuleStatistics summarizes how a policy rule has performed.
type RuleStatistics struct {
	RuleID              string  `json:"policy_rule_id"`
	EvaluationCount     int64   `json:"evaluation_count"`
	ViolationsCount     int64   `json:"violations_count"`
	ControlsMappedCount int64   `json:"controls_mapped_count"`
	PassRate            float64 `json:"pass_rate"`
}
