package gormstore

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/joshsymonds/sentinel/internal/models"
)

// CreateAsset inserts a new asset.
func (s *Store) CreateAsset(ctx context.Context, asset *models.Asset) error {
	row, err := newAssetRow(asset)
	if err != nil {
		return err
	}
	return translate(s.conn(ctx).Create(row).Error, "inserting asset", "asset", asset.Name)
}

// GetAsset retrieves an asset by id.
func (s *Store) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	return getAsset(s.conn(ctx), id)
}

func getAsset(tx *gorm.DB, id string) (*models.Asset, error) {
	var row assetRow
	if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, translate(err, "getting asset", "asset", id)
	}
	return row.model()
}

// UpdateAsset writes every mutable asset field if the stored revision still
// equals asset.Revision. It returns models.ErrStale otherwise.
func (s *Store) UpdateAsset(ctx context.Context, asset *models.Asset) error {
	row, err := newAssetRow(asset)
	if err != nil {
		return err
	}
	tx := s.conn(ctx)
	result := tx.Model(&assetRow{}).Where("id = ? AND revision = ?", asset.ID, asset.Revision).UpdateColumns(map[string]any{
		"name":                 row.Name,
		"asset_type":           row.AssetType,
		"classification_level": row.ClassificationLevel,
		"technology_stack":     row.TechnologyStack,
		"confidentiality":      row.Confidentiality,
		"integrity":            row.Integrity,
		"availability":         row.Availability,
		"sensitivity_score":    row.SensitivityScore,
		"updated_at":           row.UpdatedAt,
		"revision":             gorm.Expr("revision + 1"),
	})
	if result.Error != nil {
		return translate(result.Error, "updating asset", "asset", asset.ID)
	}
	if err := staleOrMissing(tx, result, &assetRow{}, "asset", asset.ID); err != nil {
		return err
	}
	asset.Revision++
	return nil
}

// ListAssets returns assets ordered by name.
func (s *Store) ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.Asset, error) {
	q := s.conn(ctx).Model(&assetRow{})
	if filter.Search != "" {
		q = q.Where("name LIKE ?", "%"+filter.Search+"%")
	}

	var rows []assetRow
	if err := paginate(q.Order("name"), filter.Page).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing assets: %w", err)
	}

	assets := make([]*models.Asset, 0, len(rows))
	for i := range rows {
		asset, err := rows[i].model()
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

// CreateThreat inserts a threat together with its seed history record.
func (s *Store) CreateThreat(ctx context.Context, threat *models.Threat, seed *models.ThreatStateHistory) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireRow(tx, &assetRow{}, "asset", threat.AssetID); err != nil {
			return err
		}
		if err := tx.Create(newThreatRow(threat)).Error; err != nil {
			return translate(err, "inserting threat", "threat", threat.ID)
		}
		return translate(tx.Create(newHistoryRow(seed)).Error, "inserting threat history", "threat", threat.ID)
	})
}

// GetThreat retrieves a threat by id.
func (s *Store) GetThreat(ctx context.Context, id string) (*models.Threat, error) {
	var row threatRow
	if err := s.conn(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, translate(err, "getting threat", "threat", id)
	}
	return row.model(), nil
}

// UpdateThreat writes a threat's descriptive fields and risk score if the
// stored revision still equals threat.Revision. It returns models.ErrStale
// otherwise.
func (s *Store) UpdateThreat(ctx context.Context, threat *models.Threat) error {
	tx := s.conn(ctx)
	result := tx.Model(&threatRow{}).Where("id = ? AND revision = ?", threat.ID, threat.Revision).UpdateColumns(map[string]any{
		"title":           threat.Title,
		"stride_category": string(threat.STRIDECategory),
		"mitre_attack_id": threat.MitreAttackID,
		"likelihood":      threat.Likelihood,
		"impact":          threat.Impact,
		"risk_score":      threat.RiskScore,
		"updated_at":      threat.UpdatedAt,
		"revision":        gorm.Expr("revision + 1"),
	})
	if result.Error != nil {
		return translate(result.Error, "updating threat", "threat", threat.ID)
	}
	if err := staleOrMissing(tx, result, &threatRow{}, "threat", threat.ID); err != nil {
		return err
	}
	threat.Revision++
	return nil
}

// ListThreats returns threats ordered by risk score, highest first.
func (s *Store) ListThreats(ctx context.Context, filter models.ThreatFilter) ([]*models.Threat, error) {
	q := s.conn(ctx).Model(&threatRow{})
	if filter.AssetID != "" {
		q = q.Where("asset_id = ?", filter.AssetID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Search != "" {
		q = q.Where("title LIKE ?", "%"+filter.Search+"%")
	}

	var rows []threatRow
	q = q.Order("risk_score DESC").Order("created_at").Order("id")
	if err := paginate(q, filter.Page).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing threats: %w", err)
	}

	threats := make([]*models.Threat, len(rows))
	for i := range rows {
		threats[i] = rows[i].model()
	}
	return threats, nil
}

// TransitionThreat moves a threat from rec.FromState to rec.ToState and
// appends rec. It returns models.ErrStale when the status no longer matches.
func (s *Store) TransitionThreat(ctx context.Context, rec *models.ThreatStateHistory) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&threatRow{}).
			Where("id = ? AND status = ?", rec.ThreatID, string(rec.FromState)).
			UpdateColumns(map[string]any{
				"status":     string(rec.ToState),
				"updated_at": rec.ChangedAt,
			})
		if result.Error != nil {
			return translate(result.Error, "updating threat status", "threat", rec.ThreatID)
		}
		if err := staleOrMissing(tx, result, &threatRow{}, "threat", rec.ThreatID); err != nil {
			return err
		}
		return translate(tx.Create(newHistoryRow(rec)).Error, "inserting threat history", "threat", rec.ThreatID)
	})
}

// ListThreatHistory returns a threat's transitions, most recent first.
func (s *Store) ListThreatHistory(ctx context.Context, threatID string) ([]*models.ThreatStateHistory, error) {
	var rows []historyRow
	err := s.conn(ctx).Where("threat_id = ?", threatID).Order("seq DESC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing threat history: %w", err)
	}
	history := make([]*models.ThreatStateHistory, len(rows))
	for i := range rows {
		history[i] = rows[i].model()
	}
	return history, nil
}

// RescoreThreats recomputes the risk score of every threat on an asset in a
// single transaction and returns how many scores changed.
func (s *Store) RescoreThreats(ctx context.Context, assetID string, score func(*models.Asset, *models.Threat) decimal.Decimal, at time.Time) (int, error) {
	changed := 0
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		asset, err := getAsset(tx, assetID)
		if err != nil {
			return err
		}

		var rows []threatRow
		if err := tx.Where("asset_id = ?", assetID).Order("id").Find(&rows).Error; err != nil {
			return fmt.Errorf("listing threats of asset %s: %w", assetID, err)
		}

		for i := range rows {
			threat := rows[i].model()
			next := score(asset, threat)
			if next.Equal(threat.RiskScore) {
				continue
			}
			err := tx.Model(&threatRow{}).Where("id = ?", threat.ID).UpdateColumns(map[string]any{
				"risk_score": next,
				"updated_at": at,
				"revision":   gorm.Expr("revision + 1"),
			}).Error
			if err != nil {
				return translate(err, "rescoring threat", "threat", threat.ID)
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}
