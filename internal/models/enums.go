package models

import (
	"fmt"
	"strings"
)

// ThreatStatus is a threat's position in the remediation lifecycle.
type ThreatStatus string

// Threat lifecycle states.
const (
	StatusIdentified ThreatStatus = "Identified"
	StatusAssessed   ThreatStatus = "Assessed"
	StatusVerified   ThreatStatus = "Verified"
	StatusEvaluated  ThreatStatus = "Evaluated"
	StatusPlanning   ThreatStatus = "Planning"
	StatusMitigated  ThreatStatus = "Mitigated"
	StatusAccepted   ThreatStatus = "Accepted"
	StatusMonitoring ThreatStatus = "Monitoring"
)

// ThreatStatuses returns every lifecycle state in lifecycle order.
func ThreatStatuses() []ThreatStatus {
	return []ThreatStatus{
		StatusIdentified,
		StatusAssessed,
		StatusVerified,
		StatusEvaluated,
		StatusPlanning,
		StatusMitigated,
		StatusAccepted,
		StatusMonitoring,
	}
}

// IsValid reports whether s is a known lifecycle state.
func (s ThreatStatus) IsValid() bool {
	for _, known := range ThreatStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// ParseThreatStatus parses a lifecycle state case-insensitively.
func ParseThreatStatus(s string) (ThreatStatus, error) {
	for _, known := range ThreatStatuses() {
		if strings.EqualFold(s, string(known)) {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown threat status %q", s)
}

// AcceptanceStatus is the state of a risk acceptance request.
type AcceptanceStatus string

// Risk acceptance states.
const (
	AcceptancePending  AcceptanceStatus = "PENDING"
	AcceptanceApproved AcceptanceStatus = "APPROVED"
	AcceptanceRejected AcceptanceStatus = "REJECTED"
	AcceptanceExpired  AcceptanceStatus = "EXPIRED"
)

// IsValid reports whether s is a known acceptance state.
func (s AcceptanceStatus) IsValid() bool {
	switch s {
	case AcceptancePending, AcceptanceApproved, AcceptanceRejected, AcceptanceExpired:
		return true
	default:
		return false
	}
}

// ParseAcceptanceStatus parses an acceptance state case-insensitively.
func ParseAcceptanceStatus(s string) (AcceptanceStatus, error) {
	status := AcceptanceStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", fmt.Errorf("unknown acceptance status %q", s)
	}
	return status, nil
}

// GateDecision is the outcome of evaluating a finding against a policy rule.
type GateDecision string

// Gate decisions, from most to least permissive.
const (
	DecisionPass  GateDecision = "PASS"
	DecisionWarn  GateDecision = "WARN"
	DecisionBlock GateDecision = "BLOCK"
)

// IsValid reports whether d is a known gate decision.
func (d GateDecision) IsValid() bool {
	switch d {
	case DecisionPass, DecisionWarn, DecisionBlock:
		return true
	default:
		return false
	}
}

// IsViolation reports whether the decision counts against a rule's pass rate.
func (d GateDecision) IsViolation() bool {
	return d == DecisionWarn || d == DecisionBlock
}

func (d GateDecision) rank() int {
	switch d {
	case DecisionPass:
		return 1
	case DecisionWarn:
		return 2
	case DecisionBlock:
		return 3
	default:
		return 0
	}
}

// Stricter returns the stricter of two decisions.
func Stricter(a, b GateDecision) GateDecision {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ParseGateDecision parses a gate decision case-insensitively.
func ParseGateDecision(s string) (GateDecision, error) {
	d := GateDecision(strings.ToUpper(strings.TrimSpace(s)))
	if !d.IsValid() {
		return "", fmt.Errorf("unknown gate decision %q", s)
	}
	return d, nil
}

// PolicySeverity is the severity assigned to a policy rule.
type PolicySeverity string

// Policy severities.
const (
	PolicySeverityInfo     PolicySeverity = "INFO"
	PolicySeverityLow      PolicySeverity = "LOW"
	PolicySeverityMedium   PolicySeverity = "MEDIUM"
	PolicySeverityHigh     PolicySeverity = "HIGH"
	PolicySeverityCritical PolicySeverity = "CRITICAL"
)

// ComplianceFramework identifies the framework a control belongs to.
type ComplianceFramework string

// Supported compliance frameworks.
const (
	FrameworkNIST80053 ComplianceFramework = "NIST_800_53"
	FrameworkISO27001  ComplianceFramework = "ISO_27001"
	FrameworkPCIDSS    ComplianceFramework = "PCI_DSS"
	FrameworkHIPAA     ComplianceFramework = "HIPAA"
	FrameworkGDPR      ComplianceFramework = "GDPR"
)

// AssetType classifies what kind of system an asset is.
type AssetType string

// Asset types.
const (
	AssetApplication    AssetType = "APPLICATION"
	AssetMicroservice   AssetType = "MICROSERVICE"
	AssetDatabase       AssetType = "DATABASE"
	AssetContainer      AssetType = "CONTAINER"
	AssetInfrastructure AssetType = "INFRASTRUCTURE"
	AssetServer         AssetType = "SERVER"
	AssetNetwork        AssetType = "NETWORK"
	AssetCloud          AssetType = "CLOUD"
)

// ClassificationLevel is the data classification of an asset.
type ClassificationLevel string

// Classification levels.
const (
	ClassificationPublic       ClassificationLevel = "PUBLIC"
	ClassificationInternal     ClassificationLevel = "INTERNAL"
	ClassificationConfidential ClassificationLevel = "CONFIDENTIAL"
	ClassificationRestricted   ClassificationLevel = "RESTRICTED"
)

// STRIDECategory is the STRIDE class of a threat.
type STRIDECategory string

// STRIDE categories.
const (
	STRIDESpoofing       STRIDECategory = "Spoofing"
	STRIDETampering      STRIDECategory = "Tampering"
	STRIDERepudiation    STRIDECategory = "Repudiation"
	STRIDEInfoDisclosure STRIDECategory = "Info_Disclosure"
	STRIDEDoS            STRIDECategory = "DoS"
	STRIDEElevation      STRIDECategory = "Elevation"
)

// IsValid reports whether s is a known policy severity.
func (s PolicySeverity) IsValid() bool {
	switch s {
	case PolicySeverityInfo, PolicySeverityLow, PolicySeverityMedium, PolicySeverityHigh, PolicySeverityCritical:
		return true
	default:
		return false
	}
}

// IsValid reports whether f is a supported framework.
func (f ComplianceFramework) IsValid() bool {
	switch f {
	case FrameworkNIST80053, FrameworkISO27001, FrameworkPCIDSS, FrameworkHIPAA, FrameworkGDPR:
		return true
	default:
		return false
	}
}

// IsValid reports whether t is a known asset type.
func (t AssetType) IsValid() bool {
	switch t {
	case AssetApplication, AssetMicroservice, AssetDatabase, AssetContainer,
		AssetInfrastructure, AssetServer, AssetNetwork, AssetCloud:
		return true
	default:
		return false
	}
}

// IsValid reports whether c is a known classification level.
func (c ClassificationLevel) IsValid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationRestricted:
		return true
	default:
		return false
	}
}

// IsValid reports whether c is a STRIDE category.
func (c STRIDECategory) IsValid() bool {
	switch c {
	case STRIDESpoofing, STRIDETampering, STRIDERepudiation, STRIDEInfoDisclosure, STRIDEDoS, STRIDEElevation:
		return true
	default:
		return false
	}
}
