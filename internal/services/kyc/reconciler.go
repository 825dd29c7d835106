package kyc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/logger"
	"github.com/tenure/backend/internal/models"
	"gorm.io/datatypes"
)

// EventStore persists inbound webhooks
type EventStore interface {
	CreateEvent(ctx context.Context, ev *models.WebhookEvent) error
	SaveEvent(ctx context.Context, ev *models.WebhookEvent) error
	ListUnmatched(ctx context.Context, provider models.Provider, since time.Time, maxAttempts, limit int) ([]models.WebhookEvent, error)
}

// Ack is the reconciler's answer to a webhook
type Ack struct {
	Status          string                    `json:"status"`
	Matched         bool                      `json:"matched"`
	VerificationID  *uuid.UUID                `json:"verificationId,omitempty"`
	CanonicalStatus models.VerificationStatus `json:"canonicalStatus,omitempty"`
}

// Reconciler applies vendor webhooks to verification records
type Reconciler struct {
	svc    *Service
	events EventStore
	log    zerolog.Logger
}

// NewReconciler creates a reconciler sharing svc's provider, store and lock
func NewReconciler(svc *Service, events EventStore, log *zerolog.Logger) *Reconciler {
	return &Reconciler{
		svc:    svc,
		events: events,
		log:    logger.Component(log, "kyc.reconciler"),
	}
}

// Handle verifies, records and applies one webhook. Webhooks that match no
// record are acknowledged and kept for replay.
func (r *Reconciler) Handle(ctx context.Context, header http.Header, body []byte) (*Ack, error) {
	provider := r.svc.provider

	if err := provider.VerifyWebhook(ctx, header, body); err != nil {
		r.log.Warn().Err(err).Str("vendor", string(provider.Name())).Msg("webhook signature rejected")
		if errors.Is(err, ErrInvalidSignature) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	n, err := provider.ParseWebhook(body)
	if err != nil {
		return nil, err
	}

	ev := &models.WebhookEvent{
		Provider:               provider.Name(),
		ProviderVerificationID: n.ProviderVerificationID,
		EventType:              n.EventType,
		VendorStatus:           n.VendorStatus,
		Payload:                datatypes.JSON(body),
		SignatureValid:         true,
	}
	if err := r.events.CreateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to store webhook: %w", err)
	}

	r.log.Info().
		Str("event_id", ev.ID.String()).
		Str("session_id", n.ProviderVerificationID).
		Str("event_type", n.EventType).
		Str("vendor_status", n.VendorStatus).
		Msg("webhook received")

	return r.process(ctx, ev, models.SourceWebhook)
}

// ReplayUnmatched retries dead-lettered webhooks younger than maxAge. It
// returns how many now matched a record.
func (r *Reconciler) ReplayUnmatched(ctx context.Context, maxAge time.Duration, maxAttempts, limit int) (int, error) {
	events, err := r.events.ListUnmatched(ctx, r.svc.provider.Name(), r.svc.now().Add(-maxAge), maxAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unmatched webhooks: %w", err)
	}

	matched := 0
	for i := range events {
		ev := &events[i]
		ack, err := r.process(ctx, ev, models.SourceSweep)
		if err != nil {
			r.log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("webhook replay failed")
			continue
		}
		if ack.Matched {
			matched++
		}
	}
	return matched, nil
}

func (r *Reconciler) process(ctx context.Context, ev *models.WebhookEvent, source models.HistorySource) (*Ack, error) {
	svc := r.svc
	ev.Attempts++

	release, err := svc.locker.Acquire(ctx, lockKey(ev.Provider, ev.ProviderVerificationID), svc.lockTTL)
	if err != nil {
		return nil, r.fail(ctx, ev, fmt.Errorf("failed to lock verification %s: %w", ev.ProviderVerificationID, err))
	}
	defer release()

	rec, err := svc.store.FindByProviderRef(ctx, ev.Provider, ev.ProviderVerificationID)
	if errors.Is(err, ErrNotFound) {
		r.log.Warn().
			Str("event_id", ev.ID.String()).
			Str("session_id", ev.ProviderVerificationID).
			Int("attempts", ev.Attempts).
			Msg(ErrReconciliationNoMatch.Error())
		ev.ProcessingError = ErrReconciliationNoMatch.Error()
		if err := r.events.SaveEvent(ctx, ev); err != nil {
			r.log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("failed to dead-letter webhook")
		}
		return &Ack{Status: "ignored"}, nil
	}
	if err != nil {
		return nil, r.fail(ctx, ev, fmt.Errorf("failed to load verification record: %w", err))
	}

	result, err := svc.provider.FetchResult(ctx, ev.ProviderVerificationID)
	if err != nil {
		return nil, r.fail(ctx, ev, err)
	}
	if err := svc.apply(ctx, rec, result, source, false); err != nil {
		return nil, r.fail(ctx, ev, err)
	}

	// Matched only once applied, so a failed refetch stays replayable
	now := svc.now().UTC()
	ev.Matched = true
	ev.ProcessedAt = &now
	ev.ProcessingError = ""
	if err := r.events.SaveEvent(ctx, ev); err != nil {
		r.log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("failed to mark webhook processed")
	}

	id := rec.ID
	return &Ack{
		Status:          "processed",
		Matched:         true,
		VerificationID:  &id,
		CanonicalStatus: rec.CanonicalStatus,
	}, nil
}

// fail records err on the event and returns it
func (r *Reconciler) fail(ctx context.Context, ev *models.WebhookEvent, err error) error {
	ev.ProcessingError = err.Error()
	if saveErr := r.events.SaveEvent(ctx, ev); saveErr != nil {
		r.log.Error().Err(saveErr).Str("event_id", ev.ID.String()).Msg("failed to record webhook error")
	}
	return err
}
