// Package inventory manages assets and threats and keeps their derived
// sensitivity and risk scores consistent with their ratings.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joshsymonds/sentinel/internal/clock"
	"github.com/joshsymonds/sentinel/internal/lifecycle"
	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/internal/scoring"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

// ScoreFunc computes a threat's risk score from its asset.
type ScoreFunc = func(asset *models.Asset, threat *models.Threat) decimal.Decimal

// Store is the persistence inventory needs.
type Store interface {
	CreateAsset(ctx context.Context, asset *models.Asset) error
	GetAsset(ctx context.Context, id string) (*models.Asset, error)
	// UpdateAsset writes the asset if the stored revision still equals
	// asset.Revision and advances it, or returns models.ErrStale.
	UpdateAsset(ctx context.Context, asset *models.Asset) error
	ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.Asset, error)

	// CreateThreat stores the threat and its seed history record atomically.
	CreateThreat(ctx context.Context, threat *models.Threat, seed *models.ThreatStateHistory) error
	GetThreat(ctx context.Context, id string) (*models.Threat, error)
	// UpdateThreat writes the threat's descriptive fields and risk score under
	// the same revision guard as UpdateAsset. It never changes status.
	UpdateThreat(ctx context.Context, threat *models.Threat) error
	ListThreats(ctx context.Context, filter models.ThreatFilter) ([]*models.Threat, error)
	// RescoreThreats recomputes every threat of an asset in one transaction,
	// advancing the revision of each changed threat, and returns how many
	// scores changed.
	RescoreThreats(ctx context.Context, assetID string, score ScoreFunc, at time.Time) (int, error)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithMaxAttempts sets how many conditional writes an update makes before
// giving up with a conflict.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// Service creates and updates assets and threats.
type Service struct {
	store       Store
	clock       clock.Clock
	logger      logger.Logger
	maxAttempts int
}

// NewService creates an inventory service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		clock:       clock.Real{},
		logger:      logger.WithComponent("inventory"),
		maxAttempts: lifecycle.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAsset registers an asset and computes its sensitivity.
func (s *Service) CreateAsset(ctx context.Context, in models.AssetInput) (*models.Asset, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	asset := &models.Asset{
		ID:               uuid.New().String(),
		Name:             in.Name,
		OwnerID:          in.OwnerID,
		Type:             in.Type,
		Classification:   in.Classification,
		TechnologyStack:  in.TechnologyStack,
		Confidentiality:  in.Confidentiality,
		Integrity:        in.Integrity,
		Availability:     in.Availability,
		SensitivityScore: scoring.Sensitivity(in.Confidentiality, in.Integrity, in.Availability),
		Revision:         1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.CreateAsset(ctx, asset); err != nil {
		return nil, err
	}

	s.logger.Info("Asset created",
		"asset_id", asset.ID,
		"name", asset.Name,
		"sensitivity", asset.SensitivityScore.StringFixed(scoring.Places))
	return asset, nil
}

// UpdateAsset applies a partial update. Sensitivity is recomputed when any
// rating changes. Threat risk scores are not cascaded; see RecomputeAssetRisk.
// An update that races another write is re-applied to the fresh asset.
func (s *Service) UpdateAsset(ctx context.Context, id string, upd models.AssetUpdate) (*models.Asset, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		asset, err := s.store.GetAsset(ctx, id)
		if err != nil {
			return nil, err
		}

		applyAssetUpdate(asset, upd)
		asset.UpdatedAt = s.clock.Now()

		err = s.store.UpdateAsset(ctx, asset)
		if errors.Is(err, models.ErrStale) {
			s.logger.Debug("Asset changed concurrently, retrying",
				"asset_id", id,
				"attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("Asset updated",
			"asset_id", asset.ID,
			"ratings_changed", upd.ChangesRatings(),
			"sensitivity", asset.SensitivityScore.StringFixed(scoring.Places))
		return asset, nil
	}

	return nil, models.Conflict("asset", id, "changed concurrently %d times", s.maxAttempts)
}

func applyAssetUpdate(asset *models.Asset, upd models.AssetUpdate) {
	if upd.Name != nil {
		asset.Name = *upd.Name
	}
	if upd.Type != nil {
		asset.Type = *upd.Type
	}
	if upd.Classification != nil {
		asset.Classification = *upd.Classification
	}
	if upd.TechnologyStack != nil {
		asset.TechnologyStack = *upd.TechnologyStack
	}
	if upd.Confidentiality != nil {
		asset.Confidentiality = *upd.Confidentiality
	}
	if upd.Integrity != nil {
		asset.Integrity = *upd.Integrity
	}
	if upd.Availability != nil {
		asset.Availability = *upd.Availability
	}
	if upd.ChangesRatings() {
		asset.SensitivityScore = scoring.Sensitivity(asset.Confidentiality, asset.Integrity, asset.Availability)
	}
}

// GetAsset returns an asset by id.
func (s *Service) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	return s.store.GetAsset(ctx, id)
}

// ListAssets returns assets matching filter.
func (s *Service) ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.Asset, error) {
	filter.Page = filter.Page.Normalize()
	return s.store.ListAssets(ctx, filter)
}

// CreateThreat registers a threat against an asset in the Identified state
// and writes its seed history record.
func (s *Service) CreateThreat(ctx context.Context, in models.ThreatInput) (*models.Threat, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	asset, err := s.store.GetAsset(ctx, in.AssetID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	threat := &models.Threat{
		ID:             uuid.New().String(),
		AssetID:        asset.ID,
		Title:          in.Title,
		STRIDECategory: in.STRIDECategory,
		MitreAttackID:  in.MitreAttackID,
		Likelihood:     in.Likelihood,
		Impact:         in.Impact,
		RiskScore:      scoring.Risk(asset.SensitivityScore, in.Likelihood, in.Impact),
		Status:         lifecycle.InitialStatus,
		AutoGenerated:  in.AutoGenerated,
		Revision:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	seed := lifecycle.SeedRecord(threat.ID, in.CreatedBy, s.clock)
	seed.ChangedAt = now

	if err := s.store.CreateThreat(ctx, threat, seed); err != nil {
		return nil, err
	}

	s.logger.Info("Threat created",
		"threat_id", threat.ID,
		"asset_id", asset.ID,
		"risk_score", threat.RiskScore.StringFixed(scoring.Places),
		"category", scoring.CategoryOf(threat.RiskScore))
	return threat, nil
}

// UpdateThreat applies a partial update. The risk score is recomputed from
// the asset's current sensitivity when likelihood or impact changes. An update
// that races another write is re-applied to the fresh threat.
func (s *Service) UpdateThreat(ctx context.Context, id string, upd models.ThreatUpdate) (*models.Threat, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		threat, err := s.store.GetThreat(ctx, id)
		if err != nil {
			return nil, err
		}

		if upd.Title != nil {
			threat.Title = *upd.Title
		}
		if upd.STRIDECategory != nil {
			threat.STRIDECategory = *upd.STRIDECategory
		}
		if upd.MitreAttackID != nil {
			threat.MitreAttackID = *upd.MitreAttackID
		}
		if upd.Likelihood != nil {
			threat.Likelihood = *upd.Likelihood
		}
		if upd.Impact != nil {
			threat.Impact = *upd.Impact
		}
		if upd.ChangesScore() {
			asset, err := s.store.GetAsset(ctx, threat.AssetID)
			if err != nil {
				return nil, fmt.Errorf("loading asset for threat %s: %w", id, err)
			}
			threat.RiskScore = scoring.Risk(asset.SensitivityScore, threat.Likelihood, threat.Impact)
		}
		threat.UpdatedAt = s.clock.Now()

		err = s.store.UpdateThreat(ctx, threat)
		if errors.Is(err, models.ErrStale) {
			s.logger.Debug("Threat changed concurrently, retrying",
				"threat_id", id,
				"attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("Threat updated",
			"threat_id", threat.ID,
			"score_changed", upd.ChangesScore(),
			"risk_score", threat.RiskScore.StringFixed(scoring.Places))
		return threat, nil
	}

	return nil, models.Conflict("threat", id, "changed concurrently %d times", s.maxAttempts)
}

// GetThreat returns a threat by id.
func (s *Service) GetThreat(ctx context.Context, id string) (*models.Threat, error) {
	return s.store.GetThreat(ctx, id)
}

// ListThreats returns threats matching filter, highest risk first.
func (s *Service) ListThreats(ctx context.Context, filter models.ThreatFilter) ([]*models.Threat, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, models.Validation("threat", "unknown status %q", filter.Status)
	}
	filter.Page = filter.Page.Normalize()
	return s.store.ListThreats(ctx, filter)
}

// RecomputeAssetRisk recomputes the risk score of every threat on an asset
// from the asset's current sensitivity. It returns the number of threats
// whose score changed.
func (s *Service) RecomputeAssetRisk(ctx context.Context, assetID string) (int, error) {
	changed, err := s.store.RescoreThreats(ctx, assetID, func(asset *models.Asset, threat *models.Threat) decimal.Decimal {
		return scoring.Risk(asset.SensitivityScore, threat.Likelihood, threat.Impact)
	}, s.clock.Now())
	if err != nil {
		return 0, err
	}

	s.logger.Info("Recomputed threat risk scores",
		"asset_id", assetID,
		"changed", changed)
	return changed, nil
}
