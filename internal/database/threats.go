package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/internal/scoring"
)

const threatColumns = `id, asset_id, title, stride_category, mitre_attack_id, likelihood, impact,
	risk_score, status, auto_generated, created_at, updated_at`

const threatSelect = threatColumns + `, revision`

const historyColumns = `id, threat_id, from_state, to_state, changed_by, changed_at`

// CreateThreat inserts a threat together with its seed history record.
func (db *DB) CreateThreat(ctx context.Context, threat *models.Threat, seed *models.ThreatStateHistory) error {
	return db.InTransaction(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO threats (` + threatColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, query,
			threat.ID,
			threat.AssetID,
			threat.Title,
			threat.STRIDECategory,
			threat.MitreAttackID,
			threat.Likelihood,
			threat.Impact,
			threat.RiskScore.StringFixed(scoring.Places),
			threat.Status,
			threat.AutoGenerated,
			threat.CreatedAt,
			threat.UpdatedAt,
		)
		if err != nil {
			return translate(err, "inserting threat", "threat", threat.ID)
		}

		return insertHistory(ctx, tx, seed)
	})
}

// GetThreat retrieves a threat by id.
func (db *DB) GetThreat(ctx context.Context, id string) (*models.Threat, error) {
	row := db.QueryRowContext(ctx, `SELECT `+threatSelect+` FROM threats WHERE id = ?`, id)
	threat, err := scanThreat(row)
	if err != nil {
		return nil, translate(err, "getting threat", "threat", id)
	}
	return threat, nil
}

// UpdateThreat writes a threat's descriptive fields and risk score if the
// stored revision still equals threat.Revision, and advances the revision.
// It never changes status. It returns models.ErrStale when another write got
// there first.
func (db *DB) UpdateThreat(ctx context.Context, threat *models.Threat) error {
	query := `
		UPDATE threats
		SET title = ?, stride_category = ?, mitre_attack_id = ?, likelihood = ?, impact = ?,
			risk_score = ?, updated_at = ?, revision = revision + 1
		WHERE id = ? AND revision = ?
	`
	result, err := db.ExecContext(ctx, query,
		threat.Title,
		threat.STRIDECategory,
		threat.MitreAttackID,
		threat.Likelihood,
		threat.Impact,
		threat.RiskScore.StringFixed(scoring.Places),
		threat.UpdatedAt,
		threat.ID,
		threat.Revision,
	)
	if err != nil {
		return translate(err, "updating threat", "threat", threat.ID)
	}
	if err := staleOrMissing(ctx, db.Conn(), result, "threats", "threat", threat.ID); err != nil {
		return err
	}
	threat.Revision++
	return nil
}

// ListThreats returns threats ordered by risk score, highest first.
func (db *DB) ListThreats(ctx context.Context, filter models.ThreatFilter) ([]*models.Threat, error) {
	var conditions []string
	var args []any

	if filter.AssetID != "" {
		conditions = append(conditions, "asset_id = ?")
		args = append(args, filter.AssetID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		conditions = append(conditions, "title LIKE ?")
		args = append(args, "%"+filter.Search+"%")
	}

	query := `SELECT ` + threatSelect + ` FROM threats`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY CAST(risk_score AS REAL) DESC, created_at, id LIMIT ? OFFSET ?"
	page := filter.Page.Normalize()
	args = append(args, page.Limit, page.Offset)

	return queryThreats(ctx, db.Conn(), query, args...)
}

// TransitionThreat moves a threat from rec.FromState to rec.ToState and
// appends rec, all in one transaction. It returns models.ErrStale when the
// threat is no longer in rec.FromState.
func (db *DB) TransitionThreat(ctx context.Context, rec *models.ThreatStateHistory) error {
	return db.InTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE threats SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			rec.ToState, rec.ChangedAt, rec.ThreatID, rec.FromState)
		if err != nil {
			return translate(err, "updating threat status", "threat", rec.ThreatID)
		}

		rows, err := affected(result)
		if err != nil {
			return err
		}
		if rows == 0 {
			found, err := exists(ctx, tx, "threats", rec.ThreatID)
			if err != nil {
				return err
			}
			if !found {
				return models.NotFound("threat", rec.ThreatID)
			}
			return models.ErrStale
		}

		return insertHistory(ctx, tx, rec)
	})
}

// ListThreatHistory returns a threat's transitions, most recent first.
func (db *DB) ListThreatHistory(ctx context.Context, threatID string) ([]*models.ThreatStateHistory, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM threat_state_history WHERE threat_id = ? ORDER BY seq DESC`,
		threatID)
	if err != nil {
		return nil, fmt.Errorf("querying threat history: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var history []*models.ThreatStateHistory
	for rows.Next() {
		var h models.ThreatStateHistory
		if err := rows.Scan(&h.ID, &h.ThreatID, &h.FromState, &h.ToState, &h.ChangedBy, &h.ChangedAt); err != nil {
			return nil, fmt.Errorf("scanning threat history: %w", err)
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}

// RescoreThreats recomputes the risk score of every threat on an asset in a
// single transaction and returns how many scores changed.
func (db *DB) RescoreThreats(ctx context.Context, assetID string, score func(*models.Asset, *models.Threat) decimal.Decimal, at time.Time) (int, error) {
	changed := 0
	err := db.InTransaction(ctx, func(tx *sql.Tx) error {
		asset, err := getAssetTx(ctx, tx, assetID)
		if err != nil {
			return err
		}

		threats, err := queryThreats(ctx, tx,
			`SELECT `+threatSelect+` FROM threats WHERE asset_id = ? ORDER BY id`, assetID)
		if err != nil {
			return err
		}

		for _, threat := range threats {
			next := score(asset, threat)
			if next.Equal(threat.RiskScore) {
				continue
			}
			_, err := tx.ExecContext(ctx,
				`UPDATE threats SET risk_score = ?, updated_at = ?, revision = revision + 1 WHERE id = ?`,
				next.StringFixed(scoring.Places), at, threat.ID)
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

func insertHistory(ctx context.Context, tx *sql.Tx, rec *models.ThreatStateHistory) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO threat_state_history (`+historyColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ThreatID, rec.FromState, rec.ToState, rec.ChangedBy, rec.ChangedAt)
	return translate(err, "inserting threat history", "threat", rec.ThreatID)
}

func queryThreats(ctx context.Context, q querier, query string, args ...any) ([]*models.Threat, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying threats: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var threats []*models.Threat
	for rows.Next() {
		threat, err := scanThreat(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning threat: %w", err)
		}
		threats = append(threats, threat)
	}
	return threats, rows.Err()
}

func scanThreat(row rowScanner) (*models.Threat, error) {
	var threat models.Threat
	err := row.Scan(
		&threat.ID,
		&threat.AssetID,
		&threat.Title,
		&threat.STRIDECategory,
		&threat.MitreAttackID,
		&threat.Likelihood,
		&threat.Impact,
		&threat.RiskScore,
		&threat.Status,
		&threat.AutoGenerated,
		&threat.CreatedAt,
		&threat.UpdatedAt,
		&threat.Revision,
	)
	if err != nil {
		return nil, err
	}
	return &threat, nil
}
