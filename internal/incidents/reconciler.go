package incidents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/biwatch/internal/domain"
	"github.com/bissquit/biwatch/internal/store"
)

// ChangeSource delivers every incident change notification to fn without
// dropping any. fn must not block.
type ChangeSource interface {
	Notify(kind string, fn func(domain.IncidentChange)) func()
}

// Reconciler keeps the per-facility incident stores in line with persisted
// state. Local mutations are applied to the store as soon as they commit;
// change notifications mark a facility for a re-query of its most recent
// open incident, which is then synced into the store.
//
// All store writes of one facility are serialized, and a re-query holds the
// facility lock from query to sync, so results land in query order.
type Reconciler struct {
	service *Service
	stores  *store.Registry
	changes ChangeSource
	timeout time.Duration

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	pending    map[string]struct{}
	optimistic map[string]string
	wake       chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a new store reconciler.
func NewReconciler(service *Service, stores *store.Registry, changes ChangeSource, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reconciler{
		service:    service,
		stores:     stores,
		changes:    changes,
		timeout:    timeout,
		locks:      make(map[string]*sync.Mutex),
		pending:    make(map[string]struct{}),
		optimistic: make(map[string]string),
		wake:       make(chan struct{}, 1),
	}
}

// Start registers for every facility's changes and reconciles in the background.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	stop := r.changes.Notify("reconciler", func(change domain.IncidentChange) {
		r.enqueue(change.FacilityID)
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				for _, facilityID := range r.drain() {
					if err := r.Reconcile(ctx, facilityID); err != nil {
						slog.Warn("failed to reconcile incident store",
							"facility_id", facilityID,
							"error", err,
						)
					}
				}
			}
		}
	}()
}

// Stop ends the background loop and waits for it.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// enqueue marks a facility for reconciliation. Repeated marks before the loop
// picks them up collapse into one re-query.
func (r *Reconciler) enqueue(facilityID string) {
	if facilityID == "" {
		return
	}

	r.mu.Lock()
	r.pending[facilityID] = struct{}{}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reconciler) drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.pending))
	for facilityID := range r.pending {
		out = append(out, facilityID)
	}
	r.pending = make(map[string]struct{})
	return out
}

func (r *Reconciler) facilityLock(facilityID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[facilityID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[facilityID] = l
	}
	return l
}

func (r *Reconciler) isOptimistic(facilityID, incidentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.optimistic[facilityID] == incidentID
}

func (r *Reconciler) setOptimistic(facilityID, incidentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if incidentID == "" {
		delete(r.optimistic, facilityID)
		return
	}
	r.optimistic[facilityID] = incidentID
}

// Reconcile syncs the facility store with its most recent open incident.
func (r *Reconciler) Reconcile(ctx context.Context, facilityID string) error {
	lock := r.facilityLock(facilityID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	open, err := r.service.GetOpenIncident(ctx, facilityID)
	if err != nil {
		reconciliations.WithLabelValues("error").Inc()
		return err
	}

	r.stores.For(facilityID).SyncFromRemote(open)
	reconciliations.WithLabelValues("success").Inc()

	return nil
}

// Current returns the facility's current incident from its store, syncing the
// store first when it has never been written.
func (r *Reconciler) Current(ctx context.Context, facilityID string) (*domain.Incident, error) {
	s := r.stores.For(facilityID)
	if s.Version() == 0 {
		if err := r.Reconcile(ctx, facilityID); err != nil {
			return nil, err
		}
	}
	return s.Current(), nil
}

// CreateIncident shows the new incident in the facility store while it is
// being persisted. On success the persisted record replaces the local one;
// on failure the previous view is restored.
func (r *Reconciler) CreateIncident(ctx context.Context, input CreateIncidentInput) (*domain.Incident, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	details := store.ActivationDetails{
		DetectedBy:         input.DetectedBy,
		AffectedToolsCount: input.AffectedToolsCount,
		AffectedBatchIDs:   input.AffectedBatchIDs,
		FailureReason:      input.FailureReason,
	}
	if input.FailureAt != nil {
		details.FailureAt = *input.FailureAt
	}
	if input.Severity != nil {
		details.Severity = *input.Severity
	}

	s := r.stores.For(input.FacilityID)
	lock := r.facilityLock(input.FacilityID)

	lock.Lock()
	previous := s.Current()
	local, err := s.Activate(details)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	r.setOptimistic(input.FacilityID, local.ID)
	lock.Unlock()

	incident, err := r.service.CreateIncident(ctx, input)

	lock.Lock()
	defer lock.Unlock()
	r.setOptimistic(input.FacilityID, "")

	if err != nil {
		if current := s.Current(); current != nil && current.ID == local.ID {
			s.SyncFromRemote(previous)
		}
		return nil, err
	}
	return incident, nil
}

// IncidentCommitted applies a committed mutation to the facility store. An
// open incident becomes current when it is the one already shown, replaces a
// pending local record, or is newer than the current one. The current
// incident leaving the open states clears the view, and a re-query is queued
// to surface any other open incident.
func (r *Reconciler) IncidentCommitted(incident *domain.Incident) {
	s := r.stores.For(incident.FacilityID)
	lock := r.facilityLock(incident.FacilityID)
	lock.Lock()
	defer lock.Unlock()

	if s.Version() == 0 {
		// Never read yet; the first Current call loads it.
		return
	}

	current := s.Current()
	switch {
	case incident.Status.IsOpen():
		if current == nil ||
			current.ID == incident.ID ||
			r.isOptimistic(incident.FacilityID, current.ID) ||
			!incident.CreatedAt.Before(current.CreatedAt) {
			s.SyncFromRemote(incident)
		}
	case current != nil && current.ID == incident.ID:
		s.Deactivate()
		r.enqueue(incident.FacilityID)
	}
}
