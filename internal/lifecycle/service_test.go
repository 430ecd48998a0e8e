package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/sentinel/internal/clock"
	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

type memoryStore struct {
	threats map[string]*models.Threat
	// beforeSwap runs before the status comparison and may mutate state.
	beforeSwap func(threat *models.Threat)
	history    []*models.ThreatStateHistory
	mu         sync.Mutex
}

func newMemoryStore(threats ...*models.Threat) *memoryStore {
	m := &memoryStore{threats: make(map[string]*models.Threat)}
	for _, t := range threats {
		m.threats[t.ID] = t
	}
	return m
}

func (m *memoryStore) GetThreat(_ context.Context, id string) (*models.Threat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threats[id]
	if !ok {
		return nil, models.NotFound("threat", id)
	}
	cp := *t
	return &cp, nil
}

func (m *memoryStore) TransitionThreat(_ context.Context, rec *models.ThreatStateHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threats[rec.ThreatID]
	if !ok {
		return models.NotFound("threat", rec.ThreatID)
	}
	if m.beforeSwap != nil {
		m.beforeSwap(t)
	}
	if t.Status != rec.FromState {
		return models.ErrStale
	}
	t.Status = rec.ToState
	m.history = append(m.history, rec)
	return nil
}

func (m *memoryStore) ListThreatHistory(_ context.Context, threatID string) ([]*models.ThreatStateHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ThreatStateHistory
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ThreatID == threatID {
			out = append(out, m.history[i])
		}
	}
	return out, nil
}

func newTestService(store Store, opts ...Option) (*Service, *logger.MockLogger) {
	log := logger.NewMockLogger()
	fake := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	opts = append([]Option{WithLogger(log), WithClock(fake)}, opts...)
	return NewService(store, opts...), log
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(&models.Threat{ID: "t1", Status: models.StatusIdentified})
	svc, _ := newTestService(store)

	threat, err := svc.Transition(ctx, "t1", models.StatusAssessed, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssessed, threat.Status)

	threat, err = svc.Transition(ctx, "t1", models.StatusAccepted, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, threat.Status)

	history, err := svc.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.StatusAssessed, history[0].FromState)
	assert.Equal(t, models.StatusAccepted, history[0].ToState)
	assert.Equal(t, "bob", history[0].ChangedBy)
	assert.Equal(t, models.StatusIdentified, history[1].FromState)
	assert.Equal(t, "alice", history[1].ChangedBy)
}

func TestTransitionErrors(t *testing.T) {
	tests := []struct {
		check func(error) bool
		name  string
		id    string
		to    models.ThreatStatus
		actor string
	}{
		{name: "illegal move", id: "t1", to: models.StatusMonitoring, actor: "alice", check: models.IsInvalidTransition},
		{name: "unknown status", id: "t1", to: "Closed", actor: "alice", check: models.IsValidation},
		{name: "missing actor", id: "t1", to: models.StatusAssessed, actor: " ", check: models.IsValidation},
		{name: "missing threat", id: "nope", to: models.StatusAssessed, actor: "alice", check: models.IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore(&models.Threat{ID: "t1", Status: models.StatusIdentified})
			svc, _ := newTestService(store)

			_, err := svc.Transition(context.Background(), tt.id, tt.to, tt.actor)
			require.Error(t, err)
			assert.True(t, tt.check(err), err)
			assert.Empty(t, store.history)
		})
	}
}

func TestSelfTransitionRecordsHistory(t *testing.T) {
	store := newMemoryStore(&models.Threat{ID: "t1", Status: models.StatusPlanning})
	svc, _ := newTestService(store)

	_, err := svc.Transition(context.Background(), "t1", models.StatusPlanning, "alice")
	require.NoError(t, err)
	require.Len(t, store.history, 1)
	assert.Equal(t, models.StatusPlanning, store.history[0].FromState)
	assert.Equal(t, models.StatusPlanning, store.history[0].ToState)
}

func TestTransitionRevalidatesAfterLostRace(t *testing.T) {
	store := newMemoryStore(&models.Threat{ID: "t1", Status: models.StatusIdentified})
	raced := false
	store.beforeSwap = func(threat *models.Threat) {
		if !raced {
			raced = true
			threat.Status = models.StatusAccepted
		}
	}
	svc, log := newTestService(store)

	// Identified -> Assessed was legal, but the winner moved the threat to
	// Accepted, from which Assessed is not reachable.
	_, err := svc.Transition(context.Background(), "t1", models.StatusAssessed, "alice")
	require.Error(t, err)
	assert.True(t, models.IsInvalidTransition(err))
	assert.Empty(t, store.history)
	assert.True(t, log.HasMessage("DEBUG", "Threat status changed concurrently, retrying"))
}

func TestTransitionRetriesThenSucceeds(t *testing.T) {
	store := newMemoryStore(&models.Threat{ID: "t1", Status: models.StatusIdentified})
	raced := false
	store.beforeSwap = func(threat *models.Threat) {
		if !raced {
			raced = true
			threat.Status = models.StatusAssessed
		}
	}
	svc, _ := newTestService(store)

	threat, err := svc.Transition(context.Background(), "t1", models.StatusAccepted, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, threat.Status)
	require.Len(t, store.history, 1)
	assert.Equal(t, models.StatusAssessed, store.history[0].FromState)
}

func TestTransitionGivesUpAfterMaxAttempts(t *testing.T) {
	store := newMemoryStore(&models.Threat{ID: "t1", Status: models.StatusMonitoring})
	// Flip between two states from which Accepted is always legal.
	store.beforeSwap = func(threat *models.Threat) {
		if threat.Status == models.StatusMonitoring {
			threat.Status = models.StatusEvaluated
		} else {
			threat.Status = models.StatusMonitoring
		}
	}
	svc, _ := newTestService(store, WithMaxAttempts(2))

	_, err := svc.Transition(context.Background(), "t1", models.StatusAccepted, "alice")
	require.Error(t, err)
	assert.True(t, models.IsConflict(err))
	assert.Empty(t, store.history)
}

func TestHistoryMissingThreat(t *testing.T) {
	svc, _ := newTestService(newMemoryStore())
	_, err := svc.History(context.Background(), "nope")
	assert.True(t, models.IsNotFound(err))
}

func TestSeedRecord(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := SeedRecord("t1", "system", fake)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, models.StatusIdentified, rec.FromState)
	assert.Equal(t, models.StatusIdentified, rec.ToState)
	assert.Equal(t, fake.Now(), rec.ChangedAt)
}
