package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/joshsymonds/sentinel/internal/models"
)

const acceptanceColumns = `id, threat_id, requested_by, approved_by, justification, acceptance_period_days,
	expiration_date, status, approval_signature_name, approval_signature_timestamp, created_at, updated_at`

const entityAcceptance = "risk acceptance"

// CreateAcceptance inserts a risk acceptance.
func (db *DB) CreateAcceptance(ctx context.Context, a *models.RiskAcceptance) error {
	query := `
		INSERT INTO risk_acceptances (` + acceptanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		a.ID,
		a.ThreatID,
		a.RequestedBy,
		a.ApprovedBy,
		a.Justification,
		a.PeriodDays,
		formatDate(a.ExpirationDate),
		a.Status,
		a.SignatureName,
		nullTime(a.SignedAt),
		a.CreatedAt,
		a.UpdatedAt,
	)
	return translate(err, "inserting risk acceptance", entityAcceptance, a.ID)
}

// GetAcceptance retrieves a risk acceptance by id.
func (db *DB) GetAcceptance(ctx context.Context, id string) (*models.RiskAcceptance, error) {
	row := db.QueryRowContext(ctx, `SELECT `+acceptanceColumns+` FROM risk_acceptances WHERE id = ?`, id)
	a, err := scanAcceptance(row)
	if err != nil {
		return nil, translate(err, "getting risk acceptance", entityAcceptance, id)
	}
	return a, nil
}

// ListAcceptances returns acceptances, newest first.
func (db *DB) ListAcceptances(ctx context.Context, filter models.AcceptanceFilter) ([]*models.RiskAcceptance, error) {
	var conditions []string
	var args []any

	if filter.ThreatID != "" {
		conditions = append(conditions, "threat_id = ?")
		args = append(args, filter.ThreatID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.RequestedBy != "" {
		conditions = append(conditions, "requested_by = ?")
		args = append(args, filter.RequestedBy)
	}

	query := `SELECT ` + acceptanceColumns + ` FROM risk_acceptances`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	page := filter.Page.Normalize()
	args = append(args, page.Limit, page.Offset)

	return db.queryAcceptances(ctx, query, args...)
}

// DecideAcceptance records an approval or rejection if the acceptance is
// still pending. It returns models.ErrStale when it is not.
func (db *DB) DecideAcceptance(ctx context.Context, id string, d models.AcceptanceDecision) error {
	query := `
		UPDATE risk_acceptances
		SET status = ?, approved_by = ?, approval_signature_name = ?, approval_signature_timestamp = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := db.ExecContext(ctx, query,
		d.Status, d.DecidedBy, d.SignatureName, d.DecidedAt, d.DecidedAt,
		id, models.AcceptancePending)
	if err != nil {
		return translate(err, "deciding risk acceptance", entityAcceptance, id)
	}
	return staleOrMissing(ctx, db.Conn(), result, "risk_acceptances", entityAcceptance, id)
}

// AmendAcceptance rewrites a pending acceptance's justification and period.
// It returns models.ErrStale when the acceptance is no longer pending.
func (db *DB) AmendAcceptance(ctx context.Context, a *models.RiskAcceptance) error {
	query := `
		UPDATE risk_acceptances
		SET justification = ?, acceptance_period_days = ?, expiration_date = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := db.ExecContext(ctx, query,
		a.Justification, a.PeriodDays, formatDate(a.ExpirationDate), a.UpdatedAt,
		a.ID, models.AcceptancePending)
	if err != nil {
		return translate(err, "amending risk acceptance", entityAcceptance, a.ID)
	}
	return staleOrMissing(ctx, db.Conn(), result, "risk_acceptances", entityAcceptance, a.ID)
}

// ListExpirable returns approved acceptances whose expiration date is before asOf.
func (db *DB) ListExpirable(ctx context.Context, asOf time.Time) ([]*models.RiskAcceptance, error) {
	query := `SELECT ` + acceptanceColumns + ` FROM risk_acceptances
		WHERE status = ? AND expiration_date < ?
		ORDER BY expiration_date, id`
	return db.queryAcceptances(ctx, query, models.AcceptanceApproved, formatDate(asOf))
}

// ExpireAcceptance flips one approved acceptance to expired if its expiration
// date is still before asOf. It reports whether the row changed.
func (db *DB) ExpireAcceptance(ctx context.Context, id string, asOf, at time.Time) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE risk_acceptances
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND expiration_date < ?`,
		models.AcceptanceExpired, at, id, models.AcceptanceApproved, formatDate(asOf))
	if err != nil {
		return false, translate(err, "expiring risk acceptance", entityAcceptance, id)
	}
	rows, err := affected(result)
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (db *DB) queryAcceptances(ctx context.Context, query string, args ...any) ([]*models.RiskAcceptance, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying risk acceptances: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*models.RiskAcceptance
	for rows.Next() {
		a, err := scanAcceptance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning risk acceptance: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAcceptance(row rowScanner) (*models.RiskAcceptance, error) {
	var a models.RiskAcceptance
	var expiration string
	var signedAt sql.NullTime
	err := row.Scan(
		&a.ID,
		&a.ThreatID,
		&a.RequestedBy,
		&a.ApprovedBy,
		&a.Justification,
		&a.PeriodDays,
		&expiration,
		&a.Status,
		&a.SignatureName,
		&signedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ExpirationDate, err = time.Parse(time.DateOnly, expiration)
	if err != nil {
		return nil, fmt.Errorf("parsing expiration date %q: %w", expiration, err)
	}
	if signedAt.Valid {
		t := signedAt.Time
		a.SignedAt = &t
	}
	return &a, nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
