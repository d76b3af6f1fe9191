package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/noah-isme/schoolhub-participation/internal/dto"
	"github.com/noah-isme/schoolhub-participation/internal/service"
)

const reconcileQueueGroup = "roster-reconciler"

// systemActor attributes worker reconciliations in the audit trail.
var systemActor = service.ActivityActor{Role: "system"}

// RosterReconciler rebuilds roster projections on a schedule and after seat-changing feed events.
type RosterReconciler struct {
	roster   service.RosterService
	schedule string
	nats     *nats.Conn
	subject  string
	logger   zerolog.Logger

	cron    *cron.Cron
	sub     *nats.Subscription
	mu      sync.Mutex
	running map[uint]struct{}
}

// NewRosterReconciler constructs the worker. A nil NATS connection disables event-driven reconciles.
func NewRosterReconciler(roster service.RosterService, schedule string, natsConn *nats.Conn, subject string, logger zerolog.Logger) *RosterReconciler {
	return &RosterReconciler{
		roster:   roster,
		schedule: schedule,
		nats:     natsConn,
		subject:  subject,
		logger:   logger.With().Str("component", "roster_reconciler").Logger(),
		running:  make(map[uint]struct{}),
	}
}

// Start registers the cron job and the NATS subscription.
func (r *RosterReconciler) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() { r.ReconcileAll(ctx) }); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.schedule, err)
	}

	if r.nats != nil && r.subject != "" {
		sub, err := r.nats.QueueSubscribe(r.subject, reconcileQueueGroup, func(msg *nats.Msg) {
			message, err := service.DecodeFeedPayload(msg.Data)
			if err != nil {
				r.logger.Warn().Err(err).Msg("failed to decode participation change")
				return
			}
			r.HandleChange(ctx, message)
		})
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", r.subject, err)
		}
		r.sub = sub
	}

	r.cron.Start()
	r.logger.Info().Str("schedule", r.schedule).Bool("nats", r.sub != nil).Msg("roster reconciler started")
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (r *RosterReconciler) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// ReconcileAll rebuilds every approved event roster.
func (r *RosterReconciler) ReconcileAll(ctx context.Context) {
	reports, err := r.roster.ReconcileAll(ctx, systemActor)
	if err != nil {
		r.logger.Error().Err(err).Msg("scheduled roster reconciliation failed")
		return
	}

	changed := 0
	for _, report := range reports {
		if report.Changed {
			changed++
		}
	}
	r.logger.Info().Int("events", len(reports)).Int("changed", changed).Msg("scheduled roster reconciliation finished")
}

// HandleChange reconciles the event touched by a seat-changing feed message.
// Concurrent triggers for the same event collapse into the one already running.
func (r *RosterReconciler) HandleChange(ctx context.Context, message dto.ParticipationFeedMessage) {
	if !affectsSeats(message.Action) || message.EventID == 0 {
		return
	}

	r.mu.Lock()
	if _, busy := r.running[message.EventID]; busy {
		r.mu.Unlock()
		return
	}
	r.running[message.EventID] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.running, message.EventID)
		r.mu.Unlock()
	}()

	report, err := r.roster.Reconcile(ctx, systemActor, message.EventID)
	if err != nil {
		r.logger.Error().Err(err).Uint("event_id", message.EventID).Msg("roster reconciliation failed")
		return
	}
	if report.Changed {
		r.logger.Warn().
			Uint("event_id", message.EventID).
			Interface("added", report.Added).
			Interface("removed", report.Removed).
			Msg("roster drift repaired")
	}
}

func affectsSeats(action string) bool {
	switch action {
	case service.FeedActionApproved, service.FeedActionEnrolled, service.FeedActionWithdrawn, service.FeedActionDeleted, service.FeedActionSubmitted:
		return true
	default:
		return false
	}
}
