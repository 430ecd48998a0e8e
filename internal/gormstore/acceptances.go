package gormstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/joshsymonds/sentinel/internal/models"
)

const entityAcceptance = "risk acceptance"

// CreateAcceptance inserts a risk acceptance.
func (s *Store) CreateAcceptance(ctx context.Context, a *models.RiskAcceptance) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireRow(tx, &threatRow{}, "threat", a.ThreatID); err != nil {
			return err
		}
		return translate(tx.Create(newAcceptanceRow(a)).Error, "inserting risk acceptance", entityAcceptance, a.ID)
	})
}

// GetAcceptance retrieves a risk acceptance by id.
func (s *Store) GetAcceptance(ctx context.Context, id string) (*models.RiskAcceptance, error) {
	var row acceptanceRow
	if err := s.conn(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, translate(err, "getting risk acceptance", entityAcceptance, id)
	}
	return row.model()
}

// ListAcceptances returns acceptances, newest first.
func (s *Store) ListAcceptances(ctx context.Context, filter models.AcceptanceFilter) ([]*models.RiskAcceptance, error) {
	q := s.conn(ctx).Model(&acceptanceRow{})
	if filter.ThreatID != "" {
		q = q.Where("threat_id = ?", filter.ThreatID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.RequestedBy != "" {
		q = q.Where("requested_by = ?", filter.RequestedBy)
	}

	var rows []acceptanceRow
	if err := paginate(q.Order("created_at DESC").Order("id DESC"), filter.Page).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing risk acceptances: %w", err)
	}
	return acceptanceModels(rows)
}

// DecideAcceptance records an approval or rejection if the acceptance is
// still pending. It returns models.ErrStale when it is not.
func (s *Store) DecideAcceptance(ctx context.Context, id string, d models.AcceptanceDecision) error {
	decidedAt := d.DecidedAt
	result := s.conn(ctx).Model(&acceptanceRow{}).
		Where("id = ? AND status = ?", id, string(models.AcceptancePending)).
		UpdateColumns(map[string]any{
			"status":                       string(d.Status),
			"approved_by":                  d.DecidedBy,
			"approval_signature_name":      d.SignatureName,
			"approval_signature_timestamp": &decidedAt,
			"updated_at":                   d.DecidedAt,
		})
	return s.staleOrMissing(ctx, result, "deciding risk acceptance", id)
}

// AmendAcceptance rewrites a pending acceptance's justification and period.
func (s *Store) AmendAcceptance(ctx context.Context, a *models.RiskAcceptance) error {
	result := s.conn(ctx).Model(&acceptanceRow{}).
		Where("id = ? AND status = ?", a.ID, string(models.AcceptancePending)).
		UpdateColumns(map[string]any{
			"justification":          a.Justification,
			"acceptance_period_days": a.PeriodDays,
			"expiration_date":        formatDate(a.ExpirationDate),
			"updated_at":             a.UpdatedAt,
		})
	return s.staleOrMissing(ctx, result, "amending risk acceptance", a.ID)
}

func (s *Store) staleOrMissing(ctx context.Context, result *gorm.DB, op, id string) error {
	if result.Error != nil {
		return translate(result.Error, op, entityAcceptance, id)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if err := requireRow(s.conn(ctx), &acceptanceRow{}, entityAcceptance, id); err != nil {
		return err
	}
	return models.ErrStale
}

// ListExpirable returns approved acceptances whose expiration date is before asOf.
func (s *Store) ListExpirable(ctx context.Context, asOf time.Time) ([]*models.RiskAcceptance, error) {
	var rows []acceptanceRow
	err := s.conn(ctx).
		Where("status = ? AND expiration_date < ?", string(models.AcceptanceApproved), formatDate(asOf)).
		Order("expiration_date").Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing expirable acceptances: %w", err)
	}
	return acceptanceModels(rows)
}

// ExpireAcceptance flips one approved acceptance to expired if its
// expiration date is still before asOf.
func (s *Store) ExpireAcceptance(ctx context.Context, id string, asOf, at time.Time) (bool, error) {
	result := s.conn(ctx).Model(&acceptanceRow{}).
		Where("id = ? AND status = ? AND expiration_date < ?", id, string(models.AcceptanceApproved), formatDate(asOf)).
		UpdateColumns(map[string]any{
			"status":     string(models.AcceptanceExpired),
			"updated_at": at,
		})
	if result.Error != nil {
		return false, translate(result.Error, "expiring risk acceptance", entityAcceptance, id)
	}
	return result.RowsAffected > 0, nil
}

func acceptanceModels(rows []acceptanceRow) ([]*models.RiskAcceptance, error) {
	out := make([]*models.RiskAcceptance, 0, len(rows))
	for i := range rows {
		a, err := rows[i].model()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
