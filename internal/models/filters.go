package models

// DefaultPageSize is used when a filter leaves Limit unset.
const DefaultPageSize = 100

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

// Normalize fills defaults and clamps negative values.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// AssetFilter narrows asset listings. Assets are ordered by name.
type AssetFilter struct {
	Search string
	Page
}

// ThreatFilter narrows threat listings. Threats are ordered by risk score, highest first.
type ThreatFilter struct {
	AssetID string
	Status  ThreatStatus
	Search  string
	Page
}

// AcceptanceFilter narrows acceptance listings. Newest first.
type AcceptanceFilter struct {
	ThreatID    string
	Status      AcceptanceStatus
	RequestedBy string
	Page
}

// RuleFilter narrows policy rule listings. Rules are ordered by name.
type RuleFilter struct {
	Active *bool
	Search string
	Page
}

// ViolationFilter narrows violation listings. Newest first.
type ViolationFilter struct {
	RuleID    string
	FindingID string
	Page
}
