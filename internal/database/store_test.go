package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joshsymonds/sentinel/internal/models"
)

var fixtureTime = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	asset  *models.Asset
	threat *models.Threat
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewMemoryDB()
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Failed to close database: %v", err)
		}
	})
	return db
}

func seedFixture(t *testing.T, db *DB) fixture {
	t.Helper()
	ctx := context.Background()

	asset := &models.Asset{
		ID:               uuid.New().String(),
		Name:             "payments-api-" + uuid.New().String()[:8],
		OwnerID:          "team-payments",
		Type:             models.AssetApplication,
		Classification:   models.ClassificationRestricted,
		TechnologyStack:  []string{"go", "postgres"},
		Confidentiality:  5,
		Integrity:        4,
		Availability:     3,
		SensitivityScore: decimal.RequireFromString("4.00"),
		Revision:         1,
		CreatedAt:        fixtureTime,
		UpdatedAt:        fixtureTime,
	}
	if err := db.CreateAsset(ctx, asset); err != nil {
		t.Fatalf("Failed to create asset: %v", err)
	}

	threat := &models.Threat{
		ID:             uuid.New().String(),
		AssetID:        asset.ID,
		Title:          "Token replay against checkout",
		STRIDECategory: models.STRIDESpoofing,
		Likelihood:     3,
		Impact:         4,
		RiskScore:      decimal.RequireFromString("48.00"),
		Status:         models.StatusIdentified,
		Revision:       1,
		CreatedAt:      fixtureTime,
		UpdatedAt:      fixtureTime,
	}
	seed := &models.ThreatStateHistory{
		ID:        uuid.New().String(),
		ThreatID:  threat.ID,
		FromState: models.StatusIdentified,
		ToState:   models.StatusIdentified,
		ChangedBy: "alice",
		ChangedAt: fixtureTime,
	}
	if err := db.CreateThreat(ctx, threat, seed); err != nil {
		t.Fatalf("Failed to create threat: %v", err)
	}

	return fixture{asset: asset, threat: threat}
}

func seedRule(t *testing.T, db *DB, name string, active bool) *models.PolicyRule {
	t.Helper()
	rule := &models.PolicyRule{
		ID:        uuid.New().String(),
		Name:      name,
		Severity:  models.PolicySeverityHigh,
		Body:      models.RuleBody{Language: "tengo", Source: `decision = "PASS"`},
		Active:    active,
		Version:   1,
		Revision:  1,
		CreatedAt: fixtureTime,
		UpdatedAt: fixtureTime,
	}
	if err := db.CreateRule(context.Background(), rule); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}
	return rule
}

func TestAssetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := seedFixture(t, db)

	got, err := db.GetAsset(ctx, f.asset.ID)
	if err != nil {
		t.Fatalf("Failed to get asset: %v", err)
	}
	if got.Name != f.asset.Name {
		t.Errorf("Expected name %q, got %q", f.asset.Name, got.Name)
	}
	if !got.SensitivityScore.Equal(f.asset.SensitivityScore) {
		t.Errorf("Expected sensitivity %s, got %s", f.asset.SensitivityScore, got.SensitivityScore)
	}
	if len(got.TechnologyStack) != 2 || got.TechnologyStack[1] != "postgres" {
		t.Errorf("Unexpected technology stack: %v", got.TechnologyStack)
	}
	if !got.CreatedAt.Equal(fixtureTime) {
		t.Errorf("Expected created_at %v, got %v", fixtureTime, got.CreatedAt)
	}

	got.Availability = 5
	got.SensitivityScore = decimal.RequireFromString("4.67")
	if err := db.UpdateAsset(ctx, got); err != nil {
		t.Fatalf("Failed to update asset: %v", err)
	}
	updated, err := db.GetAsset(ctx, f.asset.ID)
	if err != nil {
		t.Fatalf("Failed to get asset: %v", err)
	}
	if updated.Availability != 5 || updated.SensitivityScore.String() != "4.67" {
		t.Errorf("Update not persisted: %+v", updated)
	}

	_, err = db.GetAsset(ctx, "missing")
	if !models.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}

	dup := *f.asset
	dup.ID = uuid.New().String()
	if err := db.CreateAsset(ctx, &dup); !models.IsConflict(err) {
		t.Errorf("Expected conflict for duplicate name, got %v", err)
	}
}

func TestListThreatsOrderedByRisk(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := seedFixture(t, db)

	for _, score := range []string{"12.50", "100.00", "9.00"} {
		threat := *f.threat
		threat.ID = uuid.New().String()
		threat.Title = "threat " + score
		threat.RiskScore = decimal.RequireFromString(score)
		seed := &models.ThreatStateHistory{
			ID:        uuid.New().String(),
			ThreatID:  threat.ID,
			FromState: models.StatusIdentified,
			ToState:   models.StatusIdentified,
			ChangedBy: "alice",
			ChangedAt: fixtureTime,
		}
		if err := db.CreateThreat(ctx, &threat, seed); err != nil {
			t.Fatalf("Failed to create threat: %v", err)
		}
	}

	threats, err := db.ListThreats(ctx, models.ThreatFilter{AssetID: f.asset.ID})
	if err != nil {
		t.Fatalf("Failed to list threats: %v", err)
	}
	want := []string{"100", "48", "12.5", "9"}
	if len(threats) != len(want) {
		t.Fatalf("Expected %d threats, got %d", len(want), len(threats))
	}
	for i, w := range want {
		if !threats[i].RiskScore.Equal(decimal.RequireFromString(w)) {
			t.Errorf("Position %d: expected score %s, got %s", i, w, threats[i].RiskScore)
		}
	}

	page, err := db.ListThreats(ctx, models.ThreatFilter{Page: models.Page{Limit: 2, Offset: 1}})
	if err != nil {
		t.Fatalf("Failed to list threats: %v", err)
	}
	if len(page) != 2 || !page[0].RiskScore.Equal(decimal.NewFromInt(48)) {
		t.Errorf("Unexpected page: %d threats", len(page))
	}
}

func TestCreateThreatRequiresAsset(t *testing.T) {
	db := newTestDB(t)
	threat := &models.Threat{
		ID:         uuid.New().String(),
		AssetID:    "missing",
		Title:      "orphan",
		Likelihood: 1,
		Impact:     1,
		RiskScore:  decimal.NewFromInt(1),
		Status:     models.StatusIdentified,
		CreatedAt:  fixtureTime,
		UpdatedAt:  fixtureTime,
	}
	seed := &models.ThreatStateHistory{
		ID:        uuid.New().String(),
		ThreatID:  threat.ID,
		FromState: models.StatusIdentified,
		ToState:   models.StatusIdentified,
		ChangedBy: "alice",
		ChangedAt: fixtureTime,
	}
	err := db.CreateThreat(context.Background(), threat, seed)
	if !models.IsNotFound(err) {
		t.Fatalf("Expected not found for missing asset, got %v", err)
	}
}

func TestTransitionThreat(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := seedFixture(t, db)

	rec := &models.ThreatStateHistory{
		ID:        uuid.New().String(),
		ThreatID:  f.threat.ID,
		FromState: models.StatusIdentified,
		ToState:   models.StatusAssessed,
		ChangedBy: "bob",
		ChangedAt: fixtureTime.Add(time.Hour),
	}
	if err := db.TransitionThreat(ctx, rec); err != nil {
		t.Fatalf("Failed to transition: %v", err)
	}

	threat, err := db.GetThreat(ctx, f.threat.ID)
	if err != nil {
		t.Fatalf("Failed to get threat: %v", err)
	}
	if threat.Status != models.StatusAssessed {
		t.Errorf("Expected status Assessed, got %s", threat.Status)
	}

	// Stale from-state loses the compare-and-set and writes no history.
	stale := *rec
	stale.ID = uuid.New().String()
	stale.ToState = models.StatusAccepted
	if err := db.TransitionThreat(ctx, &stale); !errors.Is(err, models.ErrStale) {
		t.Errorf("Expected ErrStale, got %v", err)
	}

	missing := *rec
	missing.ID = uuid.New().String()
	missing.ThreatID = "missing"
	if err := db.TransitionThreat(ctx, &missing); !models.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}

	history, err := db.ListThreatHistory(ctx, f.threat.ID)
	if err != nil {
		t.Fatalf("Failed to list history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 history records, got %d", len(history))
	}
	if history[0].ToState != models.StatusAssessed || history[0].ChangedBy != "bob" {
		t.Errorf("Expected newest record first, got %+v", history[0])
	}
	if history[1].FromState != models.StatusIdentified || history[1].ToState != models.StatusIdentified {
		t.Errorf("Expected seed record last, got %+v", history[1])
	}
}

func TestRescoreThreats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := seedFixture(t, db)

	double := func(_ *models.Asset, threat *models.Threat) decimal.Decimal {
		return threat.RiskScore.Mul(decimal.NewFromInt(2))
	}
	changed, err := db.RescoreThreats(ctx, f.asset.ID, double, fixtureTime)
	if err != nil {
		t.Fatalf("Failed to rescore: %v", err)
	}
	if changed != 1 {
		t.Errorf("Expected 1 changed threat, got %d", changed)
	}

	same := func(_ *models.Asset, threat *models.Threat) decimal.Decimal { return threat.RiskScore }
	changed, err = db.RescoreThreats(ctx, f.asset.ID, same, fixtureTime)
	if err != nil {
		t.Fatalf("Failed to rescore: %v", err)
	}
	if changed != 0 {
		t.Errorf("Expected no changes, got %d", changed)
	}

	if _, err := db.RescoreThreats(ctx, "missing", same, fixtureTime); !models.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func newAcceptance(threatID string, status models.AcceptanceStatus, expires time.Time) *models.RiskAcceptance {
	return &models.RiskAcceptance{
		ID:             uuid.New().String(),
		ThreatID:       threatID,
		RequestedBy:    "alice",
		Justification:  "compensating WAF rule deployed",
		PeriodDays:     30,
		ExpirationDate: expires,
		Status:         status,
		CreatedAt:      fixtureTime,
		UpdatedAt:      fixtureTime,
	}
}

func TestAcceptanceDecision(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := seedFixture(t, db)

	a := newAcceptance(f.threat.ID, models.AcceptancePending, time.Date(2025, 4, 13, 0, 0, 0, 0, time.UTC))
	if err := db.CreateAcceptance(ctx, a); err != nil {
		t.Fatalf("Failed to create acceptance: %v", err)
	}

	got, err := db.GetAcceptance(ctx, a.ID)
	if err != nil {
		t.Fatalf("Failed to get acceptance: %v", err)
	}
	if got.ExpirationDate.Format(time.DateOnly) != "2025-04-13" {
		t.Errorf("Unexpected expiration date %v", got.ExpirationDate)
	}
	if got.SignedAt != nil {
		t.Errorf("Expected no signature timestamp on a pending acceptance")
	}

	decision := models.AcceptanceDecision{
		Status:        models.AcceptanceApproved,
		DecidedBy:     "carol",
		SignatureName: "Carol CISO",
		DecidedAt:     fixtureTime.Add(time.Hour),
	}
	if err := db.DecideAcceptance(ctx, a.ID, decision); err != nil {
		t.Fatalf("Failed to decide: %v", err)
	}
	got, err = db.GetAcceptance(ctx, a.ID)
	if err != nil {
		t.Fatalf("Failed to get acceptance: %v", err)
	}
	if got.Status != models.AcceptanceApproved || got.ApprovedBy != "carol" || got.SignatureName != "Carol CISO" {
		t.Errorf("Decision not persisted: %+v", got)
	}
	if got.SignedAt == nil || !got.SignedAt.Equal(decision.DecidedAt) {
		t.Errorf("Expected signature timestamp %v, got %v", decision.DecidedAt, got.SignedAt)
	}

	if err := db.DecideAcceptance(ctx, a.ID, decision); !errors.Is(err, models.ErrStale) {
		t.Errorf("Expected ErrStale deciding twice, got %v", err)
	}
	if err := db.AmendAcceptance(ctx, got); !errors.Is(err, models.ErrStale) {
		t.Errorf("Expected ErrStale amending an approved acceptance, got %v", err)
	}
	if err := db.DecideAcceptance(ctx, "missing", decision); !models.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestExpireAcceptances(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := seedFixture(t, db)

	day := func(d int) time.Time { return time.Date(2025, 4, d, 0, 0, 0, 0, time.UTC) }

	due := newAcceptance(f.threat.ID, models.AcceptanceApproved, day(10))
	today := newAcceptance(f.threat.ID, models.AcceptanceApproved, day(11))
	pending := newAcceptance(f.threat.ID, models.AcceptancePending, day(1))
	for _, a := range []*models.RiskAcceptance{due, today, pending} {
		if err := db.CreateAcceptance(ctx, a); err != nil {
			t.Fatalf("Failed to create acceptance: %v", err)
		}
	}

	candidates, err := db.ListExpirable(ctx, day(11))
	if err != nil {
		t.Fatalf("Failed to list expirable: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != due.ID {
		t.Fatalf("Expected only the acceptance expiring before the day, got %d", len(candidates))
	}

	ok, err := db.ExpireAcceptance(ctx, due.ID, day(11), fixtureTime)
	if err != nil || !ok {
		t.Fatalf("Expected acceptance to expire, got %v %v", ok, err)
	}
	ok, err = db.ExpireAcceptance(ctx, due.ID, day(11), fixtureTime)
	if err != nil || ok {
		t.Errorf("Expected second expiry to be a no-op, got %v %v", ok, err)
	}
	ok, err = db.ExpireAcceptance(ctx, today.ID, day(11), fixtureTime)
	if err != nil || ok {
		t.Errorf("Expected acceptance expiring today to remain, got %v %v", ok, err)
	}

	expired, err := db.ListAcceptances(ctx, models.AcceptanceFilter{Status: models.AcceptanceExpired})
	if err != nil {
		t.Fatalf("Failed to list acceptances: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != due.ID {
		t.Errorf("Expected one expired acceptance, got %d", len(expired))
	}
}

func TestRuleVersioning(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	rule := seedRule(t, db, "no-critical-cves", true)

	rule.Description = "renamed"
	if err := db.UpdateRule(ctx, rule, false); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}
	got, err := db.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if got.Version != 1 || got.Description != "renamed" {
		t.Errorf("Expected version 1 with new description, got %d %q", got.Version, got.Description)
	}

	rule.Body.Source = `decision = "BLOCK"`
	if err := db.UpdateRule(ctx, rule, true); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}
	got, err = db.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if got.Version != 2 || got.Body.Source != rule.Body.Source {
		t.Errorf("Expected version 2 with new body, got %d %q", got.Version, got.Body.Source)
	}

	dup := *rule
	dup.ID = uuid.New().String()
	if err := db.CreateRule(ctx, &dup); !models.IsConflict(err) {
		t.Errorf("Expected conflict for duplicate rule name, got %v", err)
	}

	missing := *rule
	missing.ID = "missing"
	if err := db.UpdateRule(ctx, &missing, false); !models.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestStaleWritesRejected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	f := seedFixture(t, db)
	rule := seedRule(t, db, "no-critical-cves", true)

	// Two editors read the same rule; the first one to write wins.
	first, err := db.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	second, err := db.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}

	first.Body.Source = `decision = "BLOCK"`
	if err := db.UpdateRule(ctx, first, true); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}
	if first.Version != 2 || first.Revision != 2 {
		t.Errorf("Expected version 2 revision 2 after write, got %d %d", first.Version, first.Revision)
	}

	second.Severity = models.PolicySeverityLow
	if err := db.UpdateRule(ctx, second, false); !errors.Is(err, models.ErrStale) {
		t.Fatalf("Expected stale rule write, got %v", err)
	}
	got, err := db.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if got.Body.Source != `decision = "BLOCK"` || got.Version != 2 || got.Severity != models.PolicySeverityHigh {
		t.Errorf("Stale write leaked through: %+v", got)
	}

	staleAsset := *f.asset
	f.asset.Availability = 1
	if err := db.UpdateAsset(ctx, f.asset); err != nil {
		t.Fatalf("Failed to update asset: %v", err)
	}
	if err := db.UpdateAsset(ctx, &staleAsset); !errors.Is(err, models.ErrStale) {
		t.Errorf("Expected stale asset write, got %v", err)
	}

	staleThreat := *f.threat
	if _, err := db.RescoreThreats(ctx, f.asset.ID, func(_ *models.Asset, _ *models.Threat) decimal.Decimal {
		return decimal.NewFromInt(12)
	}, fixtureTime); err != nil {
		t.Fatalf("Failed to rescore threats: %v", err)
	}
	staleThreat.Title = "edited from an old copy"
	if err := db.UpdateThreat(ctx, &staleThreat); !errors.Is(err, models.ErrStale) {
		t.Errorf("Expected stale threat write after rescore, got %v", err)
	}
}

func TestRecordEvaluationAndStatistics(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	rule := seedRule(t, db, "no-critical-cves", true)
	seedRule(t, db, "disabled", false)

	decisions := []models.GateDecision{models.DecisionPass, models.DecisionWarn, models.DecisionBlock, models.DecisionPass}
	for i, d := range decisions {
		v := &models.PolicyViolation{
			ID:          uuid.New().String(),
			FindingID:   "finding-1",
			RuleID:      rule.ID,
			RuleVersion: 1,
			Decision:    d,
			EvaluatedAt: fixtureTime.Add(time.Duration(i) * time.Minute),
		}
		if err := db.RecordEvaluation(ctx, v); err != nil {
			t.Fatalf("Failed to record evaluation: %v", err)
		}
	}

	got, err := db.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if got.EvaluationCount != 4 {
		t.Errorf("Expected 4 evaluations, got %d", got.EvaluationCount)
	}
	if got.LastEvaluated == nil || !got.LastEvaluated.Equal(fixtureTime.Add(3*time.Minute)) {
		t.Errorf("Unexpected last evaluated: %v", got.LastEvaluated)
	}

	stats, err := db.RuleStatistics(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get statistics: %v", err)
	}
	if stats.EvaluationCount != 4 || stats.ViolationsCount != 2 || stats.ControlsMappedCount != 0 {
		t.Errorf("Unexpected statistics: %+v", stats)
	}

	violations, err := db.ListViolations(ctx, models.ViolationFilter{RuleID: rule.ID})
	if err != nil {
		t.Fatalf("Failed to list violations: %v", err)
	}
	if len(violations) != 4 || violations[0].Decision != models.DecisionPass || violations[1].Decision != models.DecisionBlock {
		t.Errorf("Expected newest evaluations first, got %d", len(violations))
	}

	orphan := &models.PolicyViolation{
		ID:          uuid.New().String(),
		FindingID:   "finding-1",
		RuleID:      "missing",
		Decision:    models.DecisionPass,
		EvaluatedAt: fixtureTime,
	}
	if err := db.RecordEvaluation(ctx, orphan); !models.IsNotFound(err) {
		t.Errorf("Expected not found for unknown rule, got %v", err)
	}

	if _, err := db.RuleStatistics(ctx, "missing"); !models.IsNotFound(err) {
		t.Errorf("Expected not found statistics, got %v", err)
	}

	active, err := db.ListActiveRules(ctx)
	if err != nil {
		t.Fatalf("Failed to list active rules: %v", err)
	}
	if len(active) != 1 || active[0].ID != rule.ID {
		t.Errorf("Expected only the active rule, got %d", len(active))
	}
}

func TestControlMappings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	rule := seedRule(t, db, "encrypt-at-rest", true)

	control := &models.Control{
		ID:          uuid.New().String(),
		Framework:   models.FrameworkNIST80053,
		Code:        "SC-28",
		Description: "Protection of information at rest",
	}
	if err := db.CreateControl(ctx, control); err != nil {
		t.Fatalf("Failed to create control: %v", err)
	}
	dup := *control
	dup.ID = uuid.New().String()
	if err := db.CreateControl(ctx, &dup); !models.IsConflict(err) {
		t.Errorf("Expected conflict for duplicate control code, got %v", err)
	}

	mapping := &models.PolicyControlMapping{ID: uuid.New().String(), RuleID: rule.ID, ControlID: control.ID}
	if err := db.MapControl(ctx, mapping); err != nil {
		t.Fatalf("Failed to map control: %v", err)
	}
	again := &models.PolicyControlMapping{ID: uuid.New().String(), RuleID: rule.ID, ControlID: control.ID}
	if err := db.MapControl(ctx, again); !models.IsConflict(err) {
		t.Errorf("Expected conflict mapping twice, got %v", err)
	}
	unknown := &models.PolicyControlMapping{ID: uuid.New().String(), RuleID: rule.ID, ControlID: "missing"}
	if err := db.MapControl(ctx, unknown); !models.IsNotFound(err) {
		t.Errorf("Expected not found for unknown control, got %v", err)
	}

	controls, err := db.ListRuleControls(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to list rule controls: %v", err)
	}
	if len(controls) != 1 || controls[0].Code != "SC-28" {
		t.Errorf("Expected SC-28 mapped, got %d controls", len(controls))
	}

	stats, err := db.RuleStatistics(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get statistics: %v", err)
	}
	if stats.ControlsMappedCount != 1 {
		t.Errorf("Expected 1 mapped control, got %d", stats.ControlsMappedCount)
	}

	if err := db.UnmapControl(ctx, rule.ID, control.ID); err != nil {
		t.Fatalf("Failed to unmap control: %v", err)
	}
	if err := db.UnmapControl(ctx, rule.ID, control.ID); !models.IsNotFound(err) {
		t.Errorf("Expected not found unmapping twice, got %v", err)
	}

	filtered, err := db.ListControls(ctx, models.FrameworkPCIDSS)
	if err != nil {
		t.Fatalf("Failed to list controls: %v", err)
	}
	if len(filtered) != 0 {
		t.Errorf("Expected no PCI DSS controls, got %d", len(filtered))
	}
}
