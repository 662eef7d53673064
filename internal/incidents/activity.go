package incidents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/biwatch/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const defaultActivityTimeout = 5 * time.Second

// ActivityLog appends activity entries in the background. A failed append is
// logged and counted, never reported to the caller of the mutation.
type ActivityLog struct {
	repo    ActivityRepository
	timeout time.Duration

	wg sync.WaitGroup
}

// NewActivityLog creates a new activity log writer.
func NewActivityLog(repo ActivityRepository, timeout time.Duration) *ActivityLog {
	if timeout <= 0 {
		timeout = defaultActivityTimeout
	}
	return &ActivityLog{
		repo:    repo,
		timeout: timeout,
	}
}

// Record schedules an append for the given mutation and returns immediately.
func (l *ActivityLog) Record(ctx context.Context, activityType domain.ActivityType, incident *domain.Incident, operatorID string) {
	if l == nil || l.repo == nil {
		return
	}

	entry := &domain.ActivityLogEntry{
		Type:               activityType,
		Title:              l.buildTitle(activityType, incident),
		FacilityID:         incident.FacilityID,
		IncidentID:         incident.ID,
		OperatorID:         operatorID,
		AffectedToolsCount: incident.AffectedToolsCount,
		CreatedAt:          time.Now(),
	}

	// Detach from request cancellation but keep context values (logger, request id).
	bg := context.WithoutCancel(ctx)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		appendCtx, cancel := context.WithTimeout(bg, l.timeout)
		defer cancel()

		if err := l.repo.AppendActivity(appendCtx, entry); err != nil {
			slog.Warn("failed to append activity log entry",
				"type", entry.Type,
				"incident_id", entry.IncidentID,
				"error", err,
			)
			activityLogWrites.WithLabelValues("error").Inc()
			return
		}
		activityLogWrites.WithLabelValues("success").Inc()
	}()
}

// Wait blocks until all scheduled appends finish.
func (l *ActivityLog) Wait() {
	if l == nil {
		return
	}
	l.wg.Wait()
}

func (l *ActivityLog) buildTitle(activityType domain.ActivityType, incident *domain.Incident) string {
	severity := titleCase(string(incident.Severity))
	switch activityType {
	case domain.ActivityIncidentCreated:
		return fmt.Sprintf("%s severity BI failure %s detected", severity, incident.IncidentNumber)
	case domain.ActivityIncidentResolved:
		return fmt.Sprintf("BI failure %s resolved", incident.IncidentNumber)
	case domain.ActivityRegulatoryNotified:
		return fmt.Sprintf("Regulatory notification sent for %s", incident.IncidentNumber)
	default:
		status := titleCase(strings.ReplaceAll(string(incident.Status), "_", " "))
		return fmt.Sprintf("BI failure %s moved to %s", incident.IncidentNumber, status)
	}
}

// titleCase builds a new Caser per call; Casers are not safe for concurrent use.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}
