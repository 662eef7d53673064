// Package exposure computes which rooms, tools and users overlapped with a
// BI failure's contamination window.
package exposure

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bissquit/biwatch/internal/apperr"
	"github.com/bissquit/biwatch/internal/domain"
	"golang.org/x/sync/errgroup"
)

// DefaultCollaboratorTimeout bounds each collaborator call.
const DefaultCollaboratorTimeout = 30 * time.Second

// Window is the closed interval [Start, End] between the last passed and the
// failed BI test.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies within the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Calculator builds exposure reports from collaborator histories.
type Calculator struct {
	incidents   IncidentReader
	tests       TestResultHistory
	transitions AssetTransitionHistory
	rooms       RoomOccupancyHistory
	timeout     time.Duration
	now         func() time.Time
}

// NewCalculator creates a new exposure calculator. A non-positive timeout
// selects DefaultCollaboratorTimeout.
func NewCalculator(
	incidents IncidentReader,
	tests TestResultHistory,
	transitions AssetTransitionHistory,
	rooms RoomOccupancyHistory,
	timeout time.Duration,
) *Calculator {
	if timeout <= 0 {
		timeout = DefaultCollaboratorTimeout
	}
	return &Calculator{
		incidents:   incidents,
		tests:       tests,
		transitions: transitions,
		rooms:       rooms,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Generate computes the exposure report of an incident.
func (c *Calculator) Generate(ctx context.Context, incidentID string) (*domain.ExposureReport, error) {
	incident, err := c.Lookup(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	return c.Report(ctx, incident)
}

// Lookup loads the incident a report is generated for, bounded by the
// collaborator timeout.
func (c *Calculator) Lookup(ctx context.Context, incidentID string) (*domain.Incident, error) {
	var incident *domain.Incident
	err := c.call(ctx, "incident lookup", func(ctx context.Context) error {
		var getErr error
		incident, getErr = c.incidents.GetIncident(ctx, incidentID)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return incident, nil
}

// Report computes the exposure report of an already loaded incident.
func (c *Calculator) Report(ctx context.Context, incident *domain.Incident) (report *domain.ExposureReport, err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		reportDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	window, err := c.ResolveWindow(ctx, incident)
	if err != nil {
		return nil, err
	}

	var (
		transitions []domain.AssetTransition
		roomEvents  []domain.RoomStateEvent
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.call(gctx, "asset transition history", func(ctx context.Context) error {
			var listErr error
			transitions, listErr = c.transitions.ListTransitions(ctx, incident.FacilityID, window.Start, window.End)
			return listErr
		})
	})
	g.Go(func() error {
		return c.call(gctx, "room occupancy history", func(ctx context.Context) error {
			var listErr error
			roomEvents, listErr = c.rooms.ListRoomEvents(ctx, incident.FacilityID, window.Start, window.End)
			return listErr
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rooms := Compute(window, transitions, roomEvents)
	reportRooms.Observe(float64(len(rooms)))

	return &domain.ExposureReport{
		IncidentID:         incident.ID,
		IncidentNumber:     incident.IncidentNumber,
		FacilityID:         incident.FacilityID,
		WindowStart:        window.Start,
		WindowEnd:          window.End,
		TotalRoomsAffected: len(rooms),
		Rooms:              rooms,
		GeneratedAt:        c.now().UTC(),
	}, nil
}

// ResolveWindow finds [t_pass, t_fail] for an incident. t_fail is the latest
// failed test at or before the incident's failure time, or the failure time
// itself when no failed test was recorded.
func (c *Calculator) ResolveWindow(ctx context.Context, incident *domain.Incident) (Window, error) {
	var failed, passed *domain.BITestResult

	err := c.call(ctx, "test result history", func(ctx context.Context) error {
		var getErr error
		failed, getErr = c.tests.LastFailedAtOrBefore(ctx, incident.FacilityID, incident.FailureAt)
		return getErr
	})
	if err != nil {
		return Window{}, err
	}

	end := incident.FailureAt
	if failed != nil {
		end = failed.TestedAt
	}

	err = c.call(ctx, "test result history", func(ctx context.Context) error {
		var getErr error
		passed, getErr = c.tests.LastPassedBefore(ctx, incident.FacilityID, end)
		return getErr
	})
	if err != nil {
		return Window{}, err
	}

	if passed == nil {
		return Window{}, apperr.New(apperr.ErrWindowUndefined, "no_prior_pass",
			fmt.Sprintf("no passed BI test before %s for incident %s",
				end.UTC().Format(time.RFC3339), incident.IncidentNumber))
	}

	return Window{Start: passed.TestedAt, End: end}, nil
}

// call runs fn under the collaborator timeout and classifies its failure.
func (c *Calculator) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if ctx.Err() != nil && err != ctx.Err() {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return apperr.Upstream(name+" unavailable", err)
}

type roomInterval struct {
	start time.Time
	end   time.Time
}

type roomAggregate struct {
	exposure  domain.RoomExposure
	seenTools map[string]struct{}
	intervals []roomInterval
}

// Compute groups the contamination transitions of a window by the in-use
// room they happened in. Rooms are ordered by in-use time, then room id.
func Compute(window Window, transitions []domain.AssetTransition, roomEvents []domain.RoomStateEvent) []domain.RoomExposure {
	timelines := buildTimelines(roomEvents)

	ordered := append([]domain.AssetTransition(nil), transitions...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
	})

	aggregates := make(map[string]*roomAggregate)
	for _, t := range ordered {
		if !t.ToState.IsContaminated() || t.RoomID == "" || !window.Contains(t.OccurredAt) {
			continue
		}

		timeline := timelines[t.RoomID]
		idx := timeline.stateAt(t.OccurredAt)
		if idx < 0 || timeline[idx].State != domain.RoomStateInUse {
			continue
		}

		inUse := timeline[idx]
		interval := roomInterval{start: inUse.OccurredAt, end: window.End}
		if idx+1 < len(timeline) && timeline[idx+1].OccurredAt.Before(interval.end) {
			interval.end = timeline[idx+1].OccurredAt
		}

		agg, ok := aggregates[t.RoomID]
		if !ok {
			agg = &roomAggregate{
				exposure: domain.RoomExposure{
					RoomID:         t.RoomID,
					RoomName:       inUse.RoomName,
					ContaminatedAt: t.OccurredAt,
					InUseAt:        inUse.OccurredAt,
					Users:          []string{},
					ToolIDs:        []string{},
				},
				seenTools: make(map[string]struct{}),
			}
			aggregates[t.RoomID] = agg
		}

		if t.OccurredAt.Before(agg.exposure.ContaminatedAt) {
			agg.exposure.ContaminatedAt = t.OccurredAt
		}
		if inUse.OccurredAt.Before(agg.exposure.InUseAt) {
			agg.exposure.InUseAt = inUse.OccurredAt
		}
		if _, ok := agg.seenTools[t.AssetID]; !ok {
			agg.seenTools[t.AssetID] = struct{}{}
			agg.exposure.ToolIDs = append(agg.exposure.ToolIDs, t.AssetID)
		}
		agg.addInterval(interval)
	}

	rooms := make([]domain.RoomExposure, 0, len(aggregates))
	for _, agg := range aggregates {
		agg.exposure.Users = agg.usersPresent(ordered)
		rooms = append(rooms, agg.exposure)
	}

	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].InUseAt.Equal(rooms[j].InUseAt) {
			return rooms[i].InUseAt.Before(rooms[j].InUseAt)
		}
		return rooms[i].RoomID < rooms[j].RoomID
	})

	return rooms
}

func (a *roomAggregate) addInterval(in roomInterval) {
	for _, existing := range a.intervals {
		if existing.start.Equal(in.start) {
			return
		}
	}
	a.intervals = append(a.intervals, in)
}

// usersPresent collects distinct user ids scanned in the room during any of
// its qualifying in-use intervals, in scan order.
func (a *roomAggregate) usersPresent(transitions []domain.AssetTransition) []string {
	users := []string{}
	seen := make(map[string]struct{})

	for _, t := range transitions {
		if t.RoomID != a.exposure.RoomID || t.UserID == "" {
			continue
		}
		if !a.covers(t.OccurredAt) {
			continue
		}
		if _, ok := seen[t.UserID]; ok {
			continue
		}
		seen[t.UserID] = struct{}{}
		users = append(users, t.UserID)
	}
	return users
}

func (a *roomAggregate) covers(t time.Time) bool {
	for _, in := range a.intervals {
		if !t.Before(in.start) && !t.After(in.end) {
			return true
		}
	}
	return false
}

type roomTimeline []domain.RoomStateEvent

func buildTimelines(events []domain.RoomStateEvent) map[string]roomTimeline {
	timelines := make(map[string]roomTimeline)
	for _, e := range events {
		timelines[e.RoomID] = append(timelines[e.RoomID], e)
	}
	for id, tl := range timelines {
		sort.SliceStable(tl, func(i, j int) bool {
			return tl[i].OccurredAt.Before(tl[j].OccurredAt)
		})
		timelines[id] = tl
	}
	return timelines
}

// stateAt returns the index of the latest event at or before t, or -1.
func (tl roomTimeline) stateAt(t time.Time) int {
	i := sort.Search(len(tl), func(i int) bool {
		return tl[i].OccurredAt.After(t)
	})
	return i - 1
}
