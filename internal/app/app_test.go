package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/sentinel/internal/clock"
	"github.com/joshsymonds/sentinel/internal/config"
	"github.com/joshsymonds/sentinel/internal/database"
	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

func TestNewWiresServices(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Archive.Dir = t.TempDir()

	fake := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	a, err := New(ctx, cfg, logger.NewMockLogger(), WithClock(fake))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	asset, err := a.Inventory.CreateAsset(ctx, models.AssetInput{
		Name: "ledger", OwnerID: "finance",
		Type: models.AssetDatabase, Classification: models.ClassificationRestricted,
		Confidentiality: 5, Integrity: 5, Availability: 3,
	})
	require.NoError(t, err)
	threat, err := a.Inventory.CreateThreat(ctx, models.ThreatInput{
		AssetID: asset.ID, Title: "SQL injection in reports", CreatedBy: "alice",
		Likelihood: 4, Impact: 5,
	})
	require.NoError(t, err)

	rule, err := a.Gate.CreateRule(ctx, models.RuleInput{
		Name:     "block critical",
		Severity: models.PolicySeverityCritical,
		Active:   true,
		Body:     models.RuleBody{Source: `decision = finding.severity == "critical" ? "BLOCK" : "PASS"`},
	})
	require.NoError(t, err)

	res, err := a.Gate.Evaluate(ctx, rule.ID, models.Finding{ID: "f-1", ThreatID: threat.ID, Severity: "critical"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionBlock, res.Decision)

	exporter, err := a.Exporter(ctx)
	require.NoError(t, err)
	location, err := exporter.ExportThreat(ctx, threat.ID)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(location))
	_, err = os.Stat(location)
	assert.NoError(t, err)
}

func TestNewWithStore(t *testing.T) {
	db, err := database.NewMemoryDB()
	require.NoError(t, err)

	a, err := New(context.Background(), config.Default(), logger.NewMockLogger(), WithStore(db))
	require.NoError(t, err)
	assert.Same(t, db, a.Store.(*database.DB))
	require.NoError(t, a.Close())
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.DatabaseConfig{Driver: "mysql"}, logger.NewMockLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown database driver")
}
