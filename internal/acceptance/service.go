// Package acceptance implements the risk acceptance workflow: request,
// approve or reject, amend while pending, and the expiration sweep.
package acceptance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joshsymonds/sentinel/internal/clock"
	"github.com/joshsymonds/sentinel/internal/metrics"
	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

var tracer = otel.Tracer("sentinel.acceptance")

const entity = "risk acceptance"

// Store is the persistence the workflow needs.
type Store interface {
	GetThreat(ctx context.Context, id string) (*models.Threat, error)

	CreateAcceptance(ctx context.Context, a *models.RiskAcceptance) error
	GetAcceptance(ctx context.Context, id string) (*models.RiskAcceptance, error)
	ListAcceptances(ctx context.Context, filter models.AcceptanceFilter) ([]*models.RiskAcceptance, error)
	// DecideAcceptance applies d only while the acceptance is pending and
	// returns models.ErrStale otherwise.
	DecideAcceptance(ctx context.Context, id string, d models.AcceptanceDecision) error
	// AmendAcceptance rewrites justification, period and expiration only
	// while the acceptance is pending and returns models.ErrStale otherwise.
	AmendAcceptance(ctx context.Context, a *models.RiskAcceptance) error
	// ListExpirable returns approved acceptances whose expiration date is before asOf.
	ListExpirable(ctx context.Context, asOf time.Time) ([]*models.RiskAcceptance, error)
	// ExpireAcceptance flips one acceptance to expired if it is still approved
	// and its expiration date is before asOf. It reports whether a row changed.
	ExpireAcceptance(ctx context.Context, id string, asOf, at time.Time) (bool, error)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock sets the time source used for request dates and decision timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// Service runs the acceptance workflow.
type Service struct {
	store  Store
	clock  clock.Clock
	logger logger.Logger
}

// NewService creates an acceptance service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		clock:  clock.Real{},
		logger: logger.WithComponent("acceptance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request files a pending acceptance for a threat. The expiration date is
// today plus the acceptance period.
func (s *Service) Request(ctx context.Context, in models.AcceptanceInput) (*models.RiskAcceptance, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetThreat(ctx, in.ThreatID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	a := &models.RiskAcceptance{
		ID:             uuid.New().String(),
		ThreatID:       in.ThreatID,
		RequestedBy:    in.RequestedBy,
		Justification:  in.Justification,
		PeriodDays:     in.PeriodDays,
		ExpirationDate: clock.AddDays(now, in.PeriodDays),
		Status:         models.AcceptancePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateAcceptance(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info("Risk acceptance requested",
		"acceptance_id", a.ID,
		"threat_id", a.ThreatID,
		"requested_by", a.RequestedBy,
		"expires", a.ExpirationDate.Format(time.DateOnly))
	return a, nil
}

// Approve approves a pending acceptance. The signature name defaults to the approver.
func (s *Service) Approve(ctx context.Context, id, approver, signatureName string) (*models.RiskAcceptance, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, models.Validation(entity, "approver is required")
	}
	if signatureName == "" {
		signatureName = approver
	}
	return s.decide(ctx, id, models.AcceptanceDecision{
		Status:        models.AcceptanceApproved,
		DecidedBy:     approver,
		SignatureName: signatureName,
	})
}

// Reject rejects a pending acceptance. The rejecter is recorded as the approver of record.
func (s *Service) Reject(ctx context.Context, id, rejecter string) (*models.RiskAcceptance, error) {
	if strings.TrimSpace(rejecter) == "" {
		return nil, models.Validation(entity, "rejecter is required")
	}
	return s.decide(ctx, id, models.AcceptanceDecision{
		Status:    models.AcceptanceRejected,
		DecidedBy: rejecter,
	})
}

func (s *Service) decide(ctx context.Context, id string, d models.AcceptanceDecision) (*models.RiskAcceptance, error) {
	a, err := s.store.GetAcceptance(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AcceptancePending {
		return nil, models.InvalidState(entity, id, "cannot move %s acceptance to %s", a.Status, d.Status)
	}

	d.DecidedAt = s.clock.Now()
	err = s.store.DecideAcceptance(ctx, id, d)
	if errors.Is(err, models.ErrStale) {
		// Someone else decided first; report the state they left behind.
		current, getErr := s.store.GetAcceptance(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, models.InvalidState(entity, id, "cannot move %s acceptance to %s", current.Status, d.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("deciding acceptance %s: %w", id, err)
	}

	a.Status = d.Status
	a.ApprovedBy = d.DecidedBy
	a.SignatureName = d.SignatureName
	decidedAt := d.DecidedAt
	a.SignedAt = &decidedAt
	a.UpdatedAt = d.DecidedAt

	metrics.AcceptanceDecisions.WithLabelValues(string(d.Status)).Inc()
	s.logger.Info("Risk acceptance decided",
		"acceptance_id", id,
		"status", d.Status,
		"decided_by", d.DecidedBy)
	return a, nil
}

// Amend changes the justification or period of a pending acceptance. A new
// period is counted from today.
func (s *Service) Amend(ctx context.Context, id, actor string, amend models.AcceptanceAmend) (*models.RiskAcceptance, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, models.Validation(entity, "actor is required")
	}
	if err := amend.Validate(); err != nil {
		return nil, err
	}

	a, err := s.store.GetAcceptance(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AcceptancePending {
		return nil, models.InvalidState(entity, id, "cannot amend %s acceptance", a.Status)
	}

	now := s.clock.Now()
	if amend.Justification != nil {
		a.Justification = *amend.Justification
	}
	if amend.PeriodDays != nil {
		a.PeriodDays = *amend.PeriodDays
		a.ExpirationDate = clock.AddDays(now, a.PeriodDays)
	}
	a.UpdatedAt = now

	err = s.store.AmendAcceptance(ctx, a)
	if errors.Is(err, models.ErrStale) {
		return nil, models.InvalidState(entity, id, "acceptance was decided while being amended")
	}
	if err != nil {
		return nil, fmt.Errorf("amending acceptance %s: %w", id, err)
	}

	s.logger.Info("Risk acceptance amended",
		"acceptance_id", id,
		"actor", actor,
		"period_days", a.PeriodDays)
	return a, nil
}

// Get returns an acceptance by id.
func (s *Service) Get(ctx context.Context, id string) (*models.RiskAcceptance, error) {
	return s.store.GetAcceptance(ctx, id)
}

// List returns acceptances matching filter, newest first.
func (s *Service) List(ctx context.Context, filter models.AcceptanceFilter) ([]*models.RiskAcceptance, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, models.Validation(entity, "unknown status %q", filter.Status)
	}
	filter.Page = filter.Page.Normalize()
	return s.store.ListAcceptances(ctx, filter)
}

// SweepReport summarizes one expiration sweep.
type SweepReport struct {
	AsOf       time.Time `json:"as_of"`
	Expired    []string  `json:"expired"`
	Failed     []string  `json:"failed,omitempty"`
	Candidates int       `json:"candidates"`
	// Skipped counts candidates another sweep or writer changed first.
	Skipped int `json:"skipped"`
}

// SweepExpired expires every approved acceptance whose expiration date is
// before asOf. Each record is expired by its own conditional update, so
// running the sweep again, or concurrently, changes nothing further.
// Per-record failures are logged and skipped.
func (s *Service) SweepExpired(ctx context.Context, asOf time.Time) (*SweepReport, error) {
	asOf = clock.Date(asOf)
	ctx, span := tracer.Start(ctx, "acceptance.SweepExpired",
		trace.WithAttributes(attribute.String("as_of", asOf.Format(time.DateOnly))))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.SweepRuns.Inc()

	candidates, err := s.store.ListExpirable(ctx, asOf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing expirable acceptances: %w", err)
	}

	report := &SweepReport{
		AsOf:       asOf,
		Candidates: len(candidates),
		Expired:    make([]string, 0, len(candidates)),
	}

	for _, a := range candidates {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return report, err
		}

		changed, err := s.store.ExpireAcceptance(ctx, a.ID, asOf, s.clock.Now())
		if err != nil {
			metrics.SweepFailures.Inc()
			report.Failed = append(report.Failed, a.ID)
			s.logger.Error("Failed to expire risk acceptance",
				"acceptance_id", a.ID,
				"error", err)
			continue
		}
		if !changed {
			report.Skipped++
			continue
		}
		report.Expired = append(report.Expired, a.ID)
		metrics.AcceptancesExpired.Inc()
		s.logger.Info("Risk acceptance expired",
			"acceptance_id", a.ID,
			"threat_id", a.ThreatID,
			"expiration_date", a.ExpirationDate.Format(time.DateOnly))
	}

	span.SetAttributes(
		attribute.Int("candidates", report.Candidates),
		attribute.Int("expired", len(report.Expired)),
		attribute.Int("failed", len(report.Failed)),
	)
	s.logger.Info("Expiration sweep complete",
		"as_of", asOf.Format(time.DateOnly),
		"candidates", report.Candidates,
		"expired", len(report.Expired),
		"skipped", report.Skipped,
		"failed", len(report.Failed))
	return report, nil
}
