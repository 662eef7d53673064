package exposure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/biwatch/internal/apperr"
	"github.com/bissquit/biwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

type mockIncidentReader struct {
	incident *domain.Incident
	err      error
}

func (m *mockIncidentReader) GetIncident(_ context.Context, id string) (*domain.Incident, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.incident == nil || m.incident.ID != id {
		return nil, apperr.NotFound("incident_not_found", "incident "+id+" not found")
	}
	return m.incident, nil
}

type mockTestHistory struct {
	results []domain.BITestResult
	err     error
	block   bool
}

func (m *mockTestHistory) latest(ctx context.Context, outcome domain.BIOutcome, match func(time.Time) bool) (*domain.BITestResult, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	var found *domain.BITestResult
	for i := range m.results {
		r := m.results[i]
		if r.Outcome != outcome || !match(r.TestedAt) {
			continue
		}
		if found == nil || r.TestedAt.After(found.TestedAt) {
			found = &r
		}
	}
	return found, nil
}

func (m *mockTestHistory) LastFailedAtOrBefore(ctx context.Context, _ string, t time.Time) (*domain.BITestResult, error) {
	return m.latest(ctx, domain.BIOutcomeFail, func(x time.Time) bool { return !x.After(t) })
}

func (m *mockTestHistory) LastPassedBefore(ctx context.Context, _ string, t time.Time) (*domain.BITestResult, error) {
	return m.latest(ctx, domain.BIOutcomePass, func(x time.Time) bool { return x.Before(t) })
}

type mockTransitions struct {
	transitions []domain.AssetTransition
	err         error
	block       bool
	from, to    time.Time
	calls       int
}

func (m *mockTransitions) ListTransitions(ctx context.Context, _ string, from, to time.Time) ([]domain.AssetTransition, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m.calls++
	m.from, m.to = from, to
	return m.transitions, m.err
}

type mockRooms struct {
	events []domain.RoomStateEvent
	err    error
}

func (m *mockRooms) ListRoomEvents(_ context.Context, _ string, _, _ time.Time) ([]domain.RoomStateEvent, error) {
	return m.events, m.err
}

func testIncident() *domain.Incident {
	return &domain.Incident{
		ID:             "inc-1",
		IncidentNumber: "BI-20260301-ABCDEF",
		FacilityID:     "fac-1",
		FailureAt:      at(120),
		Status:         domain.IncidentStatusActive,
	}
}

func standardTests() *mockTestHistory {
	return &mockTestHistory{results: []domain.BITestResult{
		{ID: "t0", Outcome: domain.BIOutcomePass, TestedAt: at(-60)},
		{ID: "t1", Outcome: domain.BIOutcomePass, TestedAt: at(0)},
		{ID: "t2", Outcome: domain.BIOutcomeFail, TestedAt: at(100)},
	}}
}

func newTestCalculator(tests *mockTestHistory, transitions *mockTransitions, rooms *mockRooms) *Calculator {
	c := NewCalculator(&mockIncidentReader{incident: testIncident()}, tests, transitions, rooms, time.Second)
	c.now = func() time.Time { return at(500) }
	return c
}

func TestGenerate_GroupsByRoom(t *testing.T) {
	rooms := &mockRooms{events: []domain.RoomStateEvent{
		{RoomID: "or-2", RoomName: "OR 2", State: domain.RoomStateInUse, OccurredAt: at(-10)},
		{RoomID: "or-1", RoomName: "OR 1", State: domain.RoomStateAvailable, OccurredAt: at(-30)},
		{RoomID: "or-1", RoomName: "OR 1", State: domain.RoomStateInUse, OccurredAt: at(20)},
		{RoomID: "or-1", RoomName: "OR 1", State: domain.RoomStateCleaning, OccurredAt: at(60)},
		{RoomID: "or-3", RoomName: "OR 3", State: domain.RoomStateCleaning, OccurredAt: at(5)},
	}}
	transitions := &mockTransitions{transitions: []domain.AssetTransition{
		{AssetID: "tool-a", ToState: domain.AssetStateInUse, OccurredAt: at(25), RoomID: "or-1", UserID: "nurse-1"},
		{AssetID: "tool-a", ToState: domain.AssetStateDirty, OccurredAt: at(30), RoomID: "or-1", UserID: "nurse-2"},
		{AssetID: "tool-b", ToState: domain.AssetStateContaminated, OccurredAt: at(40), RoomID: "or-1", UserID: "nurse-1"},
		{AssetID: "tool-a", ToState: domain.AssetStateDirty, OccurredAt: at(45), RoomID: "or-1", UserID: "nurse-3"},
		{AssetID: "tool-c", ToState: domain.AssetStateDirty, OccurredAt: at(70), RoomID: "or-1", UserID: "nurse-4"},
		{AssetID: "tool-d", ToState: domain.AssetStateDirty, OccurredAt: at(15), RoomID: "or-2", UserID: "nurse-5"},
		{AssetID: "tool-e", ToState: domain.AssetStateDirty, OccurredAt: at(10), RoomID: "or-3", UserID: "nurse-6"},
		{AssetID: "tool-f", ToState: domain.AssetStateSterile, OccurredAt: at(50), RoomID: "or-2", UserID: "nurse-7"},
	}}

	c := newTestCalculator(standardTests(), transitions, rooms)

	report, err := c.Generate(context.Background(), "inc-1")
	require.NoError(t, err)

	assert.Equal(t, "BI-20260301-ABCDEF", report.IncidentNumber)
	assert.Equal(t, at(0), report.WindowStart)
	assert.Equal(t, at(100), report.WindowEnd)
	assert.Equal(t, at(0), transitions.from)
	assert.Equal(t, at(100), transitions.to)
	assert.Equal(t, at(500), report.GeneratedAt)
	require.Equal(t, 2, report.TotalRoomsAffected)
	require.Len(t, report.Rooms, 2)

	// or-2 was in use earlier than or-1.
	or2 := report.Rooms[0]
	assert.Equal(t, "or-2", or2.RoomID)
	assert.Equal(t, "OR 2", or2.RoomName)
	assert.Equal(t, at(-10), or2.InUseAt)
	assert.Equal(t, at(15), or2.ContaminatedAt)
	assert.Equal(t, []string{"tool-d"}, or2.ToolIDs)
	assert.Equal(t, []string{"nurse-5", "nurse-7"}, or2.Users)

	or1 := report.Rooms[1]
	assert.Equal(t, "or-1", or1.RoomID)
	assert.Equal(t, at(20), or1.InUseAt)
	assert.Equal(t, at(30), or1.ContaminatedAt)
	assert.Equal(t, []string{"tool-a", "tool-b"}, or1.ToolIDs)
	assert.Equal(t, []string{"nurse-1", "nurse-2", "nurse-3"}, or1.Users)
}

func TestGenerate_EmptyReport(t *testing.T) {
	c := newTestCalculator(standardTests(), &mockTransitions{}, &mockRooms{})

	report, err := c.Generate(context.Background(), "inc-1")
	require.NoError(t, err)

	assert.Equal(t, 0, report.TotalRoomsAffected)
	assert.NotNil(t, report.Rooms)
	assert.Empty(t, report.Rooms)
}

func TestGenerate_WindowUndefined(t *testing.T) {
	tests := &mockTestHistory{results: []domain.BITestResult{
		{ID: "t2", Outcome: domain.BIOutcomeFail, TestedAt: at(100)},
		{ID: "t3", Outcome: domain.BIOutcomePass, TestedAt: at(110)},
	}}
	c := newTestCalculator(tests, &mockTransitions{}, &mockRooms{})

	_, err := c.Generate(context.Background(), "inc-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrWindowUndefined))

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "no_prior_pass", appErr.Code)
	assert.False(t, appErr.IsRetryable())
}

func TestResolveWindow_FallsBackToFailureTime(t *testing.T) {
	tests := &mockTestHistory{results: []domain.BITestResult{
		{ID: "t1", Outcome: domain.BIOutcomePass, TestedAt: at(0)},
	}}
	c := newTestCalculator(tests, &mockTransitions{}, &mockRooms{})

	window, err := c.ResolveWindow(context.Background(), testIncident())
	require.NoError(t, err)
	assert.Equal(t, Window{Start: at(0), End: at(120)}, window)
}

func TestGenerate_IncidentNotFound(t *testing.T) {
	c := newTestCalculator(standardTests(), &mockTransitions{}, &mockRooms{})

	_, err := c.Generate(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestGenerate_UpstreamTimeoutIsRetryable(t *testing.T) {
	c := NewCalculator(&mockIncidentReader{incident: testIncident()}, standardTests(),
		&mockTransitions{block: true}, &mockRooms{}, 50*time.Millisecond)

	start := time.Now()
	_, err := c.Generate(context.Background(), "inc-1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.True(t, errors.Is(err, apperr.ErrUpstreamUnavailable))
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.True(t, appErr.IsRetryable())
}

func TestGenerate_TestHistoryTimeout(t *testing.T) {
	c := NewCalculator(&mockIncidentReader{incident: testIncident()}, &mockTestHistory{block: true},
		&mockTransitions{}, &mockRooms{}, 50*time.Millisecond)

	_, err := c.Generate(context.Background(), "inc-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrUpstreamUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGenerate_UpstreamFailure(t *testing.T) {
	c := newTestCalculator(standardTests(), &mockTransitions{}, &mockRooms{err: errors.New("bad response")})

	_, err := c.Generate(context.Background(), "inc-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrUpstreamUnavailable))
}

func TestCompute_Boundaries(t *testing.T) {
	window := Window{Start: at(0), End: at(100)}
	events := []domain.RoomStateEvent{
		{RoomID: "r1", State: domain.RoomStateInUse, OccurredAt: at(0)},
	}

	tests := []struct {
		name       string
		occurredAt time.Time
		want       int
	}{
		{"at window start", at(0), 1},
		{"at window end", at(100), 1},
		{"before window", at(-1), 0},
		{"after window", at(101), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rooms := Compute(window, []domain.AssetTransition{
				{AssetID: "tool", ToState: domain.AssetStateDirty, OccurredAt: tt.occurredAt, RoomID: "r1"},
			}, events)
			assert.Len(t, rooms, tt.want)
		})
	}
}

func TestCompute_TiesOrderedByRoomID(t *testing.T) {
	window := Window{Start: at(0), End: at(100)}
	events := []domain.RoomStateEvent{
		{RoomID: "r-b", State: domain.RoomStateInUse, OccurredAt: at(10)},
		{RoomID: "r-a", State: domain.RoomStateInUse, OccurredAt: at(10)},
	}
	transitions := []domain.AssetTransition{
		{AssetID: "t1", ToState: domain.AssetStateDirty, OccurredAt: at(20), RoomID: "r-b"},
		{AssetID: "t2", ToState: domain.AssetStateDirty, OccurredAt: at(30), RoomID: "r-a"},
	}

	rooms := Compute(window, transitions, events)
	require.Len(t, rooms, 2)
	assert.Equal(t, "r-a", rooms[0].RoomID)
	assert.Equal(t, "r-b", rooms[1].RoomID)
}

func TestCompute_SkipsTransitionsWithoutRoom(t *testing.T) {
	window := Window{Start: at(0), End: at(100)}
	rooms := Compute(window, []domain.AssetTransition{
		{AssetID: "t1", ToState: domain.AssetStateDirty, OccurredAt: at(20)},
	}, nil)
	assert.Empty(t, rooms)
}
