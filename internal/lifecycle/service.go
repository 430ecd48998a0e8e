package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/joshsymonds/sentinel/internal/clock"
	"github.com/joshsymonds/sentinel/internal/metrics"
	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

// DefaultMaxAttempts bounds how often a transition is retried after losing a
// compare-and-set race.
const DefaultMaxAttempts = 3

// Store is the persistence the lifecycle needs.
type Store interface {
	GetThreat(ctx context.Context, id string) (*models.Threat, error)
	// TransitionThreat sets the threat's status to rec.ToState only if it is
	// still rec.FromState, and appends rec in the same transaction. It returns
	// models.ErrStale when the status no longer matches.
	TransitionThreat(ctx context.Context, rec *models.ThreatStateHistory) error
	ListThreatHistory(ctx context.Context, threatID string) ([]*models.ThreatStateHistory, error)
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

// WithMaxAttempts sets how many compare-and-set attempts a transition makes.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// Service applies transitions to stored threats.
type Service struct {
	store       Store
	clock       clock.Clock
	logger      logger.Logger
	maxAttempts int
}

// NewService creates a lifecycle service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		clock:       clock.Real{},
		logger:      logger.WithComponent("lifecycle"),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transition moves a threat to a new status on behalf of actor.
//
// The move is validated against the threat's current status. If another
// writer changes the status first, the threat is re-read and the move is
// validated again against the fresh status.
func (s *Service) Transition(ctx context.Context, threatID string, to models.ThreatStatus, actor string) (*models.Threat, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, models.Validation("threat", "actor is required")
	}
	if !to.IsValid() {
		return nil, models.Validation("threat", "unknown status %q", to)
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		threat, err := s.store.GetThreat(ctx, threatID)
		if err != nil {
			return nil, err
		}

		from := threat.Status
		if !CanTransition(from, to) {
			return nil, models.InvalidTransition(threatID, from, to)
		}

		rec := &models.ThreatStateHistory{
			ID:        uuid.New().String(),
			ThreatID:  threatID,
			FromState: from,
			ToState:   to,
			ChangedBy: actor,
			ChangedAt: s.clock.Now(),
		}

		err = s.store.TransitionThreat(ctx, rec)
		if errors.Is(err, models.ErrStale) {
			metrics.TransitionConflicts.Inc()
			s.logger.Debug("Threat status changed concurrently, retrying",
				"threat_id", threatID,
				"attempt", attempt,
				"expected", from)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("transitioning threat %s: %w", threatID, err)
		}

		metrics.ThreatTransitions.WithLabelValues(string(from), string(to)).Inc()
		s.logger.Info("Threat transitioned",
			"threat_id", threatID,
			"from", from,
			"to", to,
			"actor", actor)

		threat.Status = to
		threat.UpdatedAt = rec.ChangedAt
		return threat, nil
	}

	return nil, models.Conflict("threat", threatID, "status changed concurrently %d times", s.maxAttempts)
}

// History returns a threat's transitions, most recent first.
func (s *Service) History(ctx context.Context, threatID string) ([]*models.ThreatStateHistory, error) {
	if _, err := s.store.GetThreat(ctx, threatID); err != nil {
		return nil, err
	}
	return s.store.ListThreatHistory(ctx, threatID)
}

// SeedRecord builds the Identified to Identified record written when a threat is created.
func SeedRecord(threatID, actor string, c clock.Clock) *models.ThreatStateHistory {
	return &models.ThreatStateHistory{
		ID:        uuid.New().String(),
		ThreatID:  threatID,
		FromState: InitialStatus,
		ToState:   InitialStatus,
		ChangedBy: actor,
		ChangedAt: c.Now(),
	}
}
