package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	perrors "github.com/rcourtman/clinic-portal/internal/errors"
	"github.com/rcourtman/clinic-portal/internal/portal/idempotency"
	"github.com/rcourtman/clinic-portal/internal/portal/portalmetrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookConfig configures the webhook handler.
type WebhookConfig struct {
	Secret string
	// FailClosed rejects events with 503 when the idempotency store cannot be
	// reached. Without it the event is processed once and the gap is logged.
	FailClosed bool
}

// WebhookHandler verifies Stripe events and applies each one at most once.
type WebhookHandler struct {
	cfg        WebhookConfig
	guard      idempotency.Guard
	reconciler *Reconciler
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
	Skipped  bool `json:"skipped,omitempty"`
}

func NewWebhookHandler(cfg WebhookConfig, guard idempotency.Guard, reconciler *Reconciler) *WebhookHandler {
	return &WebhookHandler{cfg: cfg, guard: guard, reconciler: reconciler}
}

// ServeHTTP runs verify, claim, dispatch, then finalize or compensate.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		portalmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		portalmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.cfg.Secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.cfg.Secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)
	if strings.TrimSpace(event.ID) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "event id missing"})
		return
	}

	logger := log.With().Str("event_id", event.ID).Str("event_type", eventType).Logger()

	claimed, err := h.guard.TryAcquire(r.Context(), event.ID)
	switch {
	case err != nil && h.cfg.FailClosed:
		portalmetrics.GuardOutcomes.WithLabelValues("unavailable").Inc()
		logger.Error().Err(err).Msg("Idempotency store unavailable, rejecting event")
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "idempotency store unavailable"})
		return
	case err != nil:
		portalmetrics.GuardOutcomes.WithLabelValues("unavailable").Inc()
		logger.Warn().Err(err).Msg("Idempotency store unavailable, processing event without duplicate protection")
	case !claimed:
		portalmetrics.GuardOutcomes.WithLabelValues("duplicate").Inc()
		logger.Info().Msg("Duplicate Stripe event skipped")
		writeJSON(w, status, webhookReceivedResponse{Received: true, Skipped: true})
		return
	default:
		portalmetrics.GuardOutcomes.WithLabelValues("acquired").Inc()
	}

	// Compensation must run even if the sender hangs up mid-request.
	bg := context.WithoutCancel(r.Context())

	if err := h.handleEvent(r.Context(), &event); err != nil {
		if claimed {
			if relErr := h.guard.Release(bg, event.ID); relErr != nil {
				logger.Error().Err(relErr).Msg("Failed to release idempotency marker")
			} else {
				portalmetrics.GuardOutcomes.WithLabelValues("released").Inc()
			}
		}
		if perrors.IsRetryableError(err) {
			logger.Error().Err(err).Bool("retryable", true).Msg("Stripe webhook processing failed")
		} else {
			logger.Warn().Err(err).Bool("retryable", false).Msg("Stripe webhook rejected, redelivery will fail the same way")
		}
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	if claimed {
		if err := h.guard.Finalize(bg, event.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to finalize idempotency marker, extending processing marker")
			if extErr := h.guard.Extend(bg, event.ID); extErr != nil {
				logger.Error().Err(extErr).Msg("Failed to extend idempotency marker")
			} else {
				portalmetrics.GuardOutcomes.WithLabelValues("extended").Inc()
			}
		} else {
			portalmetrics.GuardOutcomes.WithLabelValues("finalized").Inc()
		}
	}

	writeJSON(w, status, webhookReceivedResponse{Received: true})
}

// decodeObject unmarshals the event's data object. A signed event without
// data is malformed and will not improve on redelivery.
func decodeObject(event *stripelib.Event, label string, v any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return perrors.Validation("decode_"+label, "event %s has no data", event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", label, err)
	}
	return nil
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) error {
	eventType := string(event.Type)
	switch eventType {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := decodeObject(event, "checkout.session", &session); err != nil {
			return err
		}
		return h.reconciler.HandleCheckout(ctx, event.ID, session)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub Subscription
		if err := decodeObject(event, "subscription", &sub); err != nil {
			return err
		}
		return h.reconciler.HandleSubscriptionChanged(ctx, event.ID, eventType, sub)

	case "customer.subscription.deleted":
		var sub Subscription
		if err := decodeObject(event, "subscription", &sub); err != nil {
			return err
		}
		return h.reconciler.HandleSubscriptionDeleted(ctx, event.ID, sub)

	case "invoice.paid":
		var inv Invoice
		if err := decodeObject(event, "invoice", &inv); err != nil {
			return err
		}
		return h.reconciler.HandleInvoicePaid(ctx, event.ID, inv)

	case "invoice.payment_failed":
		var inv Invoice
		if err := decodeObject(event, "invoice", &inv); err != nil {
			return err
		}
		return h.reconciler.HandleInvoicePaymentFailed(ctx, event.ID, inv)

	default:
		log.Info().
			Str("event_type", eventType).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("portal.stripe: encode webhook response")
	}
}
