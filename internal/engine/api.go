package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/domain/schedule"
	"github.com/mkravets/eventsched/internal/faults"
	"github.com/mkravets/eventsched/internal/repo/redisq"
)

// defaultMaxRetries applies when a caller leaves max retries unset.
const defaultMaxRetries = 3

// ScheduleRequest is one event to schedule. Payload is opaque JSON text; the
// engine never parses it.
type ScheduleRequest struct {
	Topic      string `json:"topic" validate:"required"`
	EntityType string `json:"entityType" validate:"required"`
	Action     string `json:"action" validate:"required"`
	EntityID   string `json:"entityId"`
	Payload    string `json:"payload" validate:"required"`
	ActorType  string `json:"actorType"`
	ActorID    string `json:"actorId"`

	Headers map[string]string `json:"headers"`

	ScheduledAt     time.Time `json:"scheduledAt" validate:"required"`
	Priority        int       `json:"priority" validate:"gte=0,lte=100"`
	MaxDelaySeconds int       `json:"maxDelaySeconds" validate:"gte=0"`

	// MaxRetries nil means the default (3); an explicit 0 disables retries.
	MaxRetries *int `json:"maxRetries" validate:"omitempty,gte=0,lte=20"`

	CorrelationID string       `json:"correlationId"`
	Source        event.Source `json:"source"`
	SourceID      string       `json:"sourceId"`
}

// ScheduledRef tells the caller where an accepted event landed.
type ScheduledRef struct {
	ID          string    `json:"id"`
	Tier        string    `json:"tier"` // "columnar" or "keyvalue"
	ScheduledAt time.Time `json:"scheduledAt"`
}

// ScheduleEvent validates and places one event. Fire times inside the
// promotion horizon go straight to the hot tier; everything further out is
// parked in the columnar tier for the promoter.
func (e *Engine) ScheduleEvent(ctx context.Context, req ScheduleRequest) (ScheduledRef, error) {
	if err := e.validate.Struct(req); err != nil {
		return ScheduledRef{}, faults.Validation("engine.schedule", err)
	}
	return e.scheduleInternal(ctx, req, e.now())
}

func (e *Engine) scheduleInternal(ctx context.Context, req ScheduleRequest, now time.Time) (ScheduledRef, error) {
	if req.Source == "" {
		req.Source = event.SourceAPI
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	maxRetries := defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	scheduledAt := req.ScheduledAt.UTC()
	if scheduledAt.Before(now) {
		// a little skew means "fire now"; anything older is a caller bug
		if now.Sub(scheduledAt) > e.cfg.PastSkew {
			return ScheduledRef{}, faults.Validation("engine.schedule",
				fmt.Errorf("scheduled_at %s is in the past", scheduledAt.Format(time.RFC3339)))
		}
		scheduledAt = now
	}

	if scheduledAt.Sub(now) <= e.cfg.PromotionHorizon {
		he := event.HotEvent{
			ID:              event.HotEventID(uuid.NewString()),
			Topic:           req.Topic,
			EntityType:      req.EntityType,
			Action:          req.Action,
			EntityID:        req.EntityID,
			ActorType:       req.ActorType,
			ActorID:         req.ActorID,
			Payload:         []byte(req.Payload),
			Headers:         req.Headers,
			CorrelationID:   req.CorrelationID,
			ScheduledAt:     scheduledAt,
			Priority:        req.Priority,
			MaxDelaySeconds: req.MaxDelaySeconds,
			Source:          req.Source,
			SourceID:        req.SourceID,
			Status:          event.HotPending,
			MaxRetries:      maxRetries,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := e.hot.Put(ctx, he); err != nil {
			return ScheduledRef{}, err
		}
		e.countScheduled("keyvalue", req.Source)
		return ScheduledRef{ID: string(he.ID), Tier: "keyvalue", ScheduledAt: scheduledAt}, nil
	}

	de, err := e.delayed.Insert(ctx, event.DelayedEvent{
		Topic:           req.Topic,
		EntityType:      req.EntityType,
		Action:          req.Action,
		EntityID:        req.EntityID,
		ActorType:       req.ActorType,
		ActorID:         req.ActorID,
		Payload:         req.Payload,
		Headers:         req.Headers,
		CorrelationID:   req.CorrelationID,
		ScheduledAt:     scheduledAt,
		Priority:        req.Priority,
		MaxDelaySeconds: req.MaxDelaySeconds,
		Status:          event.StatusPending,
		Source:          req.Source,
		SourceID:        req.SourceID,
		MaxRetries:      maxRetries,
	})
	if err != nil {
		return ScheduledRef{}, err
	}
	e.countScheduled("columnar", req.Source)
	return ScheduledRef{ID: string(de.ID), Tier: "columnar", ScheduledAt: scheduledAt}, nil
}

func (e *Engine) countScheduled(tier string, source event.Source) {
	if e.prom != nil {
		e.prom.ScheduledTotal.WithLabelValues(tier, string(source)).Inc()
	}
}

// CronRequest creates a recurring definition through the API (as opposed to
// manifest sync).
type CronRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`

	EntityType string `json:"entityType" validate:"required"`
	Action     string `json:"action" validate:"required"`
	EntityID   string `json:"entityId"`
	Payload    string `json:"payload" validate:"required"`
	ActorType  string `json:"actorType"`
	ActorID    string `json:"actorId"`

	Headers map[string]string `json:"headers"`

	CronExpr string `json:"cronExpr" validate:"required"`
	Timezone string `json:"timezone"`

	MaxRetries *int   `json:"maxRetries" validate:"omitempty,gte=0,lte=20"`
	CreatedBy  string `json:"createdBy"`
}

func (e *Engine) ScheduleCronDefinition(ctx context.Context, req CronRequest) (schedule.CronDefinition, error) {
	if err := e.validate.Struct(req); err != nil {
		return schedule.CronDefinition{}, faults.Validation("engine.schedule_cron", err)
	}

	next, err := schedule.NextFire(req.CronExpr, req.Timezone, e.now())
	if err != nil {
		return schedule.CronDefinition{}, faults.Validation("engine.schedule_cron", err)
	}

	maxRetries := defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	return e.defs.Create(ctx, schedule.CronDefinition{
		Name:        req.Name,
		Description: req.Description,
		EntityType:  req.EntityType,
		Action:      req.Action,
		EntityID:    req.EntityID,
		Payload:     req.Payload,
		ActorType:   req.ActorType,
		ActorID:     req.ActorID,
		Headers:     req.Headers,
		CronExpr:    req.CronExpr,
		Timezone:    req.Timezone,
		MaxRetries:  maxRetries,
		Status:      schedule.StatusActive,
		NextFireAt:  &next,
		CreatedBy:   req.CreatedBy,
	})
}

// CancelEvent removes a still-pending event from whichever tier holds it.
// Events already claimed by a dispatcher report a conflict.
func (e *Engine) CancelEvent(ctx context.Context, id string) (string, error) {
	now := e.now()

	err := e.delayed.CancelPending(ctx, event.EventID(id))
	if err == nil {
		return "columnar", nil
	}
	if !errors.Is(err, event.ErrNotFound) {
		if errors.Is(err, event.ErrConflict) {
			return "", event.ErrConflict
		}
		return "", err
	}

	// not a columnar row; try the hot tier under the claim lock so we never
	// race a dispatcher
	hotID := event.HotEventID(id)
	token := uuid.NewString()
	locked, lockErr := e.hot.TryLock(ctx, hotID, token, e.cfg.ClaimTTL)
	if lockErr != nil {
		return "", lockErr
	}
	if !locked {
		return "", event.ErrConflict
	}
	defer func() { _ = e.hot.Unlock(ctx, hotID, token) }()

	he, getErr := e.hot.Get(ctx, hotID)
	if getErr != nil {
		if errors.Is(getErr, redisq.ErrNotFound) {
			return "", event.ErrNotFound
		}
		return "", getErr
	}
	if he.Status != event.HotPending {
		return "", event.ErrConflict
	}

	if err := e.hot.MarkTerminal(ctx, he, event.HotSkipped, "cancelled", now); err != nil {
		return "", err
	}
	if he.DelayedEventID != "" {
		_ = e.delayed.FinishPromoted(ctx, he.DelayedEventID, event.StatusSkipped, "cancelled", now)
	}
	e.recordCancelled(ctx, he, now)
	return "keyvalue", nil
}

// ReplayEvent puts a terminally failed columnar event back through the tiers
// with a fresh fire time.
func (e *Engine) ReplayEvent(ctx context.Context, id string, at time.Time) error {
	if at.IsZero() {
		at = e.now()
	}
	return e.delayed.Replay(ctx, event.EventID(id), at.UTC())
}

// PromoteEvent force-promotes one pending columnar event into the hot tier
// without waiting for its fire time to enter the horizon. Returns the hot key.
func (e *Engine) PromoteEvent(ctx context.Context, id string) (string, error) {
	de, err := e.delayed.Get(ctx, event.EventID(id))
	if err != nil {
		return "", err
	}
	if de.Status != event.StatusPending {
		return "", event.ErrConflict
	}

	now := e.now()
	hotID := event.HotEventID(uuid.NewString())
	if err := e.delayed.MarkPromoted(ctx, de.ID, string(hotID), now); err != nil {
		return "", err
	}
	if err := e.hot.Put(ctx, hotFromDelayed(de, hotID, now)); err != nil {
		// same crash window as the promoter; the janitor re-materializes
		return "", err
	}

	if e.prom != nil {
		e.prom.PromotedTotal.Inc()
	}
	e.log.Info("event force-promoted", "event", de.ID, "hot_key", hotID)
	return string(hotID), nil
}
