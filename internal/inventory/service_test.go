package inventory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/sentinel/internal/clock"
	"github.com/joshsymonds/sentinel/internal/database"
	"github.com/joshsymonds/sentinel/internal/inventory"
	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

func intPtr(i int) *int { return &i }

func setup(t *testing.T) (*inventory.Service, *database.DB, *clock.Fake, *logger.MockLogger) {
	t.Helper()
	db, err := database.NewMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fake := clock.NewFake(time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC))
	log := logger.NewMockLogger()
	return inventory.NewService(db, inventory.WithClock(fake), inventory.WithLogger(log)), db, fake, log
}

func assetInput(name string) models.AssetInput {
	return models.AssetInput{
		Name:            name,
		OwnerID:         "team-payments",
		Type:            models.AssetMicroservice,
		Classification:  models.ClassificationConfidential,
		TechnologyStack: []string{"go"},
		Confidentiality: 5,
		Integrity:       4,
		Availability:    4,
	}
}

func TestCreateAssetComputesSensitivity(t *testing.T) {
	svc, _, _, log := setup(t)
	ctx := context.Background()

	asset, err := svc.CreateAsset(ctx, assetInput("checkout"))
	require.NoError(t, err)
	assert.NotEmpty(t, asset.ID)
	assert.Equal(t, "4.33", asset.SensitivityScore.StringFixed(2))
	assert.True(t, log.HasMessage("INFO", "Asset created"))

	stored, err := svc.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, "4.33", stored.SensitivityScore.StringFixed(2))

	_, err = svc.CreateAsset(ctx, assetInput("checkout"))
	assert.True(t, models.IsConflict(err), "duplicate name: %v", err)

	bad := assetInput("ledger")
	bad.Integrity = 0
	_, err = svc.CreateAsset(ctx, bad)
	assert.True(t, models.IsValidation(err))
}

func TestCreateThreat(t *testing.T) {
	svc, db, _, _ := setup(t)
	ctx := context.Background()

	asset, err := svc.CreateAsset(ctx, assetInput("checkout"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		in       models.ThreatInput
		wantKind models.ErrorKind
		want     string
	}{
		{
			name: "scores from asset sensitivity",
			in: models.ThreatInput{
				AssetID: asset.ID, Title: "Session fixation", CreatedBy: "alice",
				STRIDECategory: models.STRIDESpoofing, Likelihood: 3, Impact: 4,
			},
			want: "51.96",
		},
		{
			name: "caps at one hundred",
			in:   models.ThreatInput{AssetID: asset.ID, Title: "RCE", CreatedBy: "alice", Likelihood: 5, Impact: 5},
			want: "100.00",
		},
		{
			name:     "unknown asset",
			in:       models.ThreatInput{AssetID: "missing", Title: "x", CreatedBy: "alice", Likelihood: 1, Impact: 1},
			wantKind: models.KindNotFound,
		},
		{
			name:     "missing creator",
			in:       models.ThreatInput{AssetID: asset.ID, Title: "x", Likelihood: 1, Impact: 1},
			wantKind: models.KindValidation,
		},
		{
			name:     "likelihood out of range",
			in:       models.ThreatInput{AssetID: asset.ID, Title: "x", CreatedBy: "alice", Likelihood: 6, Impact: 1},
			wantKind: models.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			threat, err := svc.CreateThreat(ctx, tt.in)
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, models.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, threat.RiskScore.StringFixed(2))
			assert.Equal(t, models.StatusIdentified, threat.Status)

			history, err := db.ListThreatHistory(ctx, threat.ID)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, models.StatusIdentified, history[0].FromState)
			assert.Equal(t, models.StatusIdentified, history[0].ToState)
			assert.Equal(t, tt.in.CreatedBy, history[0].ChangedBy)
		})
	}
}

func TestUpdateThreatRescoresOnRatingChange(t *testing.T) {
	svc, _, fake, _ := setup(t)
	ctx := context.Background()

	asset, err := svc.CreateAsset(ctx, assetInput("checkout"))
	require.NoError(t, err)
	threat, err := svc.CreateThreat(ctx, models.ThreatInput{
		AssetID: asset.ID, Title: "Session fixation", CreatedBy: "alice", Likelihood: 3, Impact: 4,
	})
	require.NoError(t, err)

	fake.Advance(time.Hour)
	title := "Session fixation via login redirect"
	updated, err := svc.UpdateThreat(ctx, threat.ID, models.ThreatUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "51.96", updated.RiskScore.StringFixed(2))
	assert.Equal(t, title, updated.Title)
	assert.True(t, updated.UpdatedAt.After(threat.UpdatedAt))

	updated, err = svc.UpdateThreat(ctx, threat.ID, models.ThreatUpdate{Likelihood: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, "17.32", updated.RiskScore.StringFixed(2))

	stored, err := svc.GetThreat(ctx, threat.ID)
	require.NoError(t, err)
	assert.Equal(t, "17.32", stored.RiskScore.StringFixed(2))
	assert.Equal(t, models.StatusIdentified, stored.Status)

	_, err = svc.UpdateThreat(ctx, "missing", models.ThreatUpdate{Likelihood: intPtr(1)})
	assert.True(t, models.IsNotFound(err))
}

func TestAssetRatingChangeAndRecompute(t *testing.T) {
	svc, _, _, _ := setup(t)
	ctx := context.Background()

	asset, err := svc.CreateAsset(ctx, assetInput("checkout"))
	require.NoError(t, err)
	threat, err := svc.CreateThreat(ctx, models.ThreatInput{
		AssetID: asset.ID, Title: "Session fixation", CreatedBy: "alice", Likelihood: 3, Impact: 4,
	})
	require.NoError(t, err)

	updated, err := svc.UpdateAsset(ctx, asset.ID, models.AssetUpdate{Availability: intPtr(5)})
	require.NoError(t, err)
	assert.Equal(t, "4.67", updated.SensitivityScore.StringFixed(2))

	// Threat scores are not cascaded until recomputed.
	stale, err := svc.GetThreat(ctx, threat.ID)
	require.NoError(t, err)
	assert.Equal(t, "51.96", stale.RiskScore.StringFixed(2))

	changed, err := svc.RecomputeAssetRisk(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	fresh, err := svc.GetThreat(ctx, threat.ID)
	require.NoError(t, err)
	assert.Equal(t, "56.04", fresh.RiskScore.StringFixed(2))

	changed, err = svc.RecomputeAssetRisk(ctx, asset.ID)
	require.NoError(t, err)
	assert.Zero(t, changed)

	name := "checkout-v2"
	renamed, err := svc.UpdateAsset(ctx, asset.ID, models.AssetUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "4.67", renamed.SensitivityScore.StringFixed(2))
}

// racingStore runs a competing write after the first read of an entity.
type racingStore struct {
	inventory.Store
	onAssetRead, onThreatRead func()
}

func (s *racingStore) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	asset, err := s.Store.GetAsset(ctx, id)
	if err == nil && s.onAssetRead != nil {
		run := s.onAssetRead
		s.onAssetRead = nil
		run()
	}
	return asset, err
}

func (s *racingStore) GetThreat(ctx context.Context, id string) (*models.Threat, error) {
	threat, err := s.Store.GetThreat(ctx, id)
	if err == nil && s.onThreatRead != nil {
		run := s.onThreatRead
		s.onThreatRead = nil
		run()
	}
	return threat, err
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	svc, db, fake, _ := setup(t)
	ctx := context.Background()

	asset, err := svc.CreateAsset(ctx, assetInput("checkout"))
	require.NoError(t, err)
	threat, err := svc.CreateThreat(ctx, models.ThreatInput{
		AssetID: asset.ID, Title: "Session fixation", CreatedBy: "alice", Likelihood: 3, Impact: 4,
	})
	require.NoError(t, err)

	t.Run("threat ratings from both editors are kept", func(t *testing.T) {
		log := logger.NewMockLogger()
		racing := &racingStore{Store: db, onThreatRead: func() {
			_, err := svc.UpdateThreat(ctx, threat.ID, models.ThreatUpdate{Likelihood: intPtr(1)})
			require.NoError(t, err)
		}}
		other := inventory.NewService(racing, inventory.WithClock(fake), inventory.WithLogger(log))

		updated, err := other.UpdateThreat(ctx, threat.ID, models.ThreatUpdate{Impact: intPtr(2)})
		require.NoError(t, err)
		assert.Equal(t, 1, updated.Likelihood)
		assert.Equal(t, 2, updated.Impact)
		assert.Equal(t, "8.66", updated.RiskScore.StringFixed(2))
		assert.True(t, log.HasMessage("DEBUG", "Threat changed concurrently, retrying"))

		stored, err := svc.GetThreat(ctx, threat.ID)
		require.NoError(t, err)
		assert.Equal(t, "8.66", stored.RiskScore.StringFixed(2))
	})

	t.Run("rename does not undo a rating change", func(t *testing.T) {
		log := logger.NewMockLogger()
		racing := &racingStore{Store: db, onAssetRead: func() {
			_, err := svc.UpdateAsset(ctx, asset.ID, models.AssetUpdate{Confidentiality: intPtr(1)})
			require.NoError(t, err)
		}}
		other := inventory.NewService(racing, inventory.WithClock(fake), inventory.WithLogger(log))

		name := "checkout-v2"
		renamed, err := other.UpdateAsset(ctx, asset.ID, models.AssetUpdate{Name: &name})
		require.NoError(t, err)
		assert.Equal(t, name, renamed.Name)
		assert.Equal(t, 1, renamed.Confidentiality)
		assert.Equal(t, "3.00", renamed.SensitivityScore.StringFixed(2))
		assert.True(t, log.HasMessage("DEBUG", "Asset changed concurrently, retrying"))
	})

	t.Run("rescore invalidates an in-flight edit", func(t *testing.T) {
		racing := &racingStore{Store: db, onThreatRead: func() {
			_, err := svc.RecomputeAssetRisk(ctx, asset.ID)
			require.NoError(t, err)
		}}
		other := inventory.NewService(racing, inventory.WithClock(fake),
			inventory.WithLogger(logger.NewMockLogger()), inventory.WithMaxAttempts(1))

		title := "edited"
		_, err := other.UpdateThreat(ctx, threat.ID, models.ThreatUpdate{Title: &title})
		assert.True(t, models.IsConflict(err), "got %v", err)

		stored, err := svc.GetThreat(ctx, threat.ID)
		require.NoError(t, err)
		assert.Equal(t, "Session fixation", stored.Title)
		assert.Equal(t, "6.00", stored.RiskScore.StringFixed(2))
	})
}

func TestListThreats(t *testing.T) {
	svc, _, _, _ := setup(t)
	ctx := context.Background()

	asset, err := svc.CreateAsset(ctx, assetInput("checkout"))
	require.NoError(t, err)
	for _, l := range []int{1, 5, 3} {
		_, err := svc.CreateThreat(ctx, models.ThreatInput{
			AssetID: asset.ID, Title: "threat", CreatedBy: "alice", Likelihood: l, Impact: 1,
		})
		require.NoError(t, err)
	}

	threats, err := svc.ListThreats(ctx, models.ThreatFilter{AssetID: asset.ID})
	require.NoError(t, err)
	require.Len(t, threats, 3)
	assert.Equal(t, 5, threats[0].Likelihood)
	assert.Equal(t, 1, threats[2].Likelihood)

	threats, err = svc.ListThreats(ctx, models.ThreatFilter{Status: models.StatusMitigated})
	require.NoError(t, err)
	assert.Empty(t, threats)

	_, err = svc.ListThreats(ctx, models.ThreatFilter{Status: "Closed"})
	assert.True(t, models.IsValidation(err))

	assets, err := svc.ListAssets(ctx, models.AssetFilter{Search: "check"})
	require.NoError(t, err)
	assert.Len(t, assets, 1)
}
