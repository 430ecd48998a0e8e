package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/internal/scoring"
)

const assetColumns = `id, name, owner_id, asset_type, classification_level, technology_stack,
	confidentiality, integrity, availability, sensitivity_score, created_at, updated_at`

const assetSelect = assetColumns + `, revision`

// CreateAsset inserts a new asset.
func (db *DB) CreateAsset(ctx context.Context, asset *models.Asset) error {
	stack, err := marshalStack(asset.TechnologyStack)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO assets (` + assetColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		asset.ID,
		asset.Name,
		asset.OwnerID,
		asset.Type,
		asset.Classification,
		stack,
		asset.Confidentiality,
		asset.Integrity,
		asset.Availability,
		asset.SensitivityScore.StringFixed(scoring.Places),
		asset.CreatedAt,
		asset.UpdatedAt,
	)
	return translate(err, "inserting asset", "asset", asset.Name)
}

// GetAsset retrieves an asset by id.
func (db *DB) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	row := db.QueryRowContext(ctx, `SELECT `+assetSelect+` FROM assets WHERE id = ?`, id)
	asset, err := scanAsset(row)
	if err != nil {
		return nil, translate(err, "getting asset", "asset", id)
	}
	return asset, nil
}

// UpdateAsset writes every mutable asset field if the stored revision still
// equals asset.Revision, and advances the revision. It returns
// models.ErrStale when another write got there first.
func (db *DB) UpdateAsset(ctx context.Context, asset *models.Asset) error {
	stack, err := marshalStack(asset.TechnologyStack)
	if err != nil {
		return err
	}

	query := `
		UPDATE assets
		SET name = ?, asset_type = ?, classification_level = ?, technology_stack = ?,
			confidentiality = ?, integrity = ?, availability = ?, sensitivity_score = ?, updated_at = ?,
			revision = revision + 1
		WHERE id = ? AND revision = ?
	`
	result, err := db.ExecContext(ctx, query,
		asset.Name,
		asset.Type,
		asset.Classification,
		stack,
		asset.Confidentiality,
		asset.Integrity,
		asset.Availability,
		asset.SensitivityScore.StringFixed(scoring.Places),
		asset.UpdatedAt,
		asset.ID,
		asset.Revision,
	)
	if err != nil {
		return translate(err, "updating asset", "asset", asset.ID)
	}
	if err := staleOrMissing(ctx, db.Conn(), result, "assets", "asset", asset.ID); err != nil {
		return err
	}
	asset.Revision++
	return nil
}

// ListAssets returns assets ordered by name.
func (db *DB) ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.Asset, error) {
	var conditions []string
	var args []any

	if filter.Search != "" {
		conditions = append(conditions, "name LIKE ?")
		args = append(args, "%"+filter.Search+"%")
	}

	query := `SELECT ` + assetSelect + ` FROM assets`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY name LIMIT ? OFFSET ?"
	page := filter.Page.Normalize()
	args = append(args, page.Limit, page.Offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying assets: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var assets []*models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning asset: %w", err)
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func scanAsset(row rowScanner) (*models.Asset, error) {
	var asset models.Asset
	var stack string
	err := row.Scan(
		&asset.ID,
		&asset.Name,
		&asset.OwnerID,
		&asset.Type,
		&asset.Classification,
		&stack,
		&asset.Confidentiality,
		&asset.Integrity,
		&asset.Availability,
		&asset.SensitivityScore,
		&asset.CreatedAt,
		&asset.UpdatedAt,
		&asset.Revision,
	)
	if err != nil {
		return nil, err
	}
	if stack != "" {
		if err := json.Unmarshal([]byte(stack), &asset.TechnologyStack); err != nil {
			return nil, fmt.Errorf("unmarshaling technology stack: %w", err)
		}
	}
	return &asset, nil
}

func marshalStack(stack []string) (string, error) {
	if stack == nil {
		stack = []string{}
	}
	data, err := json.Marshal(stack)
	if err != nil {
		return "", fmt.Errorf("marshaling technology stack: %w", err)
	}
	return string(data), nil
}

// getAssetTx reads an asset inside a transaction.
func getAssetTx(ctx context.Context, tx *sql.Tx, id string) (*models.Asset, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assetSelect+` FROM assets WHERE id = ?`, id)
	asset, err := scanAsset(row)
	if err != nil {
		return nil, translate(err, "getting asset", "asset", id)
	}
	return asset, nil
}
