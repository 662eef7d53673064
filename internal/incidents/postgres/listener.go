package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/biwatch/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChangesChannel is the NOTIFY channel the incidents trigger publishes on.
const ChangesChannel = "incident_changes"

// ListenerConfig contains listener reconnect configuration.
type ListenerConfig struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultListenerConfig returns default listener configuration.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ChangeHandler receives decoded incident change notifications.
type ChangeHandler func(change domain.IncidentChange)

// Listener forwards incident row changes delivered through LISTEN/NOTIFY.
type Listener struct {
	config  ListenerConfig
	db      *pgxpool.Pool
	handler ChangeHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener creates a new change listener.
func NewListener(config ListenerConfig, db *pgxpool.Pool, handler ChangeHandler) *Listener {
	return &Listener{
		config:  config,
		db:      db,
		handler: handler,
	}
}

// Start launches the listen loop in the background.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	slog.Info("starting incident change listener", "channel", ChangesChannel)

	l.wg.Add(1)
	go l.run(ctx)
}

// Stop terminates the listen loop and waits for it to exit.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	slog.Info("incident change listener stopped")
}

func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()

	attempt := 0
	for {
		err := l.listen(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return
		}

		delay := l.backoff(attempt)
		attempt++
		slog.Warn("incident change listener disconnected, reconnecting",
			"error", err,
			"attempt", attempt,
			"retry_in", delay,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// listen holds one dedicated connection until it fails or ctx is done.
func (l *Listener) listen(ctx context.Context, onConnected func()) error {
	pooled, err := l.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	// A connection in LISTEN mode must not return to the pool.
	conn := pooled.Hijack()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangesChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	onConnected()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		change, err := decodeChange([]byte(notification.Payload))
		if err != nil {
			slog.Error("failed to decode incident change",
				"error", err,
				"payload", notification.Payload,
			)
			continue
		}
		l.handler(change)
	}
}

func (l *Listener) backoff(attempt int) time.Duration {
	backoff := float64(l.config.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= l.config.BackoffMultiplier
		if backoff > float64(l.config.MaxBackoff) {
			break
		}
	}

	if backoff > float64(l.config.MaxBackoff) {
		backoff = float64(l.config.MaxBackoff)
	}

	return time.Duration(backoff)
}

type changePayload struct {
	Operation  string    `json:"operation"`
	IncidentID string    `json:"incident_id"`
	FacilityID string    `json:"facility_id"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

func decodeChange(payload []byte) (domain.IncidentChange, error) {
	var p changePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.IncidentChange{}, err
	}
	if p.FacilityID == "" {
		return domain.IncidentChange{}, errors.New("payload has no facility_id")
	}

	return domain.IncidentChange{
		Operation:  domain.ChangeOperation(p.Operation),
		IncidentID: p.IncidentID,
		FacilityID: p.FacilityID,
		Status:     domain.IncidentStatus(p.Status),
		OccurredAt: p.OccurredAt,
	}, nil
}
