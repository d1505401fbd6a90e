package stripe

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	perrors "github.com/rcourtman/clinic-portal/internal/errors"
	"github.com/rcourtman/clinic-portal/internal/portal/auditlog"
	"github.com/rcourtman/clinic-portal/internal/portal/entitlement"
	"github.com/rcourtman/clinic-portal/internal/portal/portalmetrics"
)

// Reconciler applies billing events to the entitlement store and records
// each transition in the audit log.
type Reconciler struct {
	store   *entitlement.Store
	audit   *auditlog.Log
	billing BillingProvider
}

// NewReconciler wires the reconciler. billing may be nil, in which case
// period end and seats come from the event payload alone.
func NewReconciler(store *entitlement.Store, audit *auditlog.Log, billing BillingProvider) *Reconciler {
	return &Reconciler{store: store, audit: audit, billing: billing}
}

// HandleCheckout binds the billing customer to the tenant named in the
// session and activates it.
func (r *Reconciler) HandleCheckout(ctx context.Context, eventID string, session CheckoutSession) error {
	const op = "checkout.session.completed"

	tenantID := session.TenantID()
	if tenantID == "" {
		return perrors.Integrity(op, fmt.Errorf("checkout session %s carries no tenant id", session.ID))
	}
	customerID := session.Customer.String()
	if customerID == "" {
		return perrors.Integrity(op, fmt.Errorf("checkout session %s has no customer", session.ID)).WithTenant(tenantID)
	}

	act := entitlement.Activation{
		TenantID:          tenantID,
		BillingCustomerID: customerID,
		Seats:             session.MetadataSeats(),
	}
	subID := session.Subscription.String()
	if subID != "" {
		sub, err := r.liveSubscription(ctx, subID)
		if err != nil {
			return perrors.Unavailable(op, err).WithTenant(tenantID)
		}
		if sub != nil {
			act.ActiveUntil = sub.PeriodEnd()
			if q := sub.Quantity(); q > 0 {
				act.Seats = q
			}
			act.PlanID = sub.PlanID()
		}
	}
	if act.Seats < 1 {
		act.Seats = 1
	}

	change, err := r.store.Activate(ctx, act)
	if err != nil {
		return fmt.Errorf("activate tenant %s: %w", tenantID, err)
	}

	meta := map[string]string{
		"event_id":         eventID,
		"event_type":       op,
		"checkout_session": session.ID,
		"quantity":         strconv.Itoa(act.Seats),
	}
	if subID != "" {
		meta["subscription_id"] = subID
	}
	if err := r.record(ctx, auditlog.ActionActivate, change, meta); err != nil {
		return err
	}

	log.Info().
		Str("event_id", eventID).
		Str("tenant_id", tenantID).
		Str("customer_id", customerID).
		Int("seats", act.Seats).
		Str("previous_status", string(change.Previous)).
		Msg("Tenant activated from checkout")
	return nil
}

// HandleSubscriptionChanged covers customer.subscription.created and
// customer.subscription.updated. Unmapped customers are a logged no-op:
// the binding arrives with checkout and a later event will catch up.
func (r *Reconciler) HandleSubscriptionChanged(ctx context.Context, eventID, eventType string, sub Subscription) error {
	tenant, err := r.tenantForCustomer(ctx, sub.Customer.String())
	if err != nil {
		return err
	}
	if tenant == nil {
		log.Warn().
			Str("event_id", eventID).
			Str("event_type", eventType).
			Str("customer_id", sub.Customer.String()).
			Msg("Subscription event for unmapped customer ignored")
		return nil
	}

	status := entitlement.MapStripeStatus(sub.Status)
	change, err := r.store.UpdateStatus(ctx, tenant.TenantID, entitlement.StatusUpdate{
		Status:      status,
		ActiveUntil: sub.PeriodEnd(),
		Seats:       sub.Quantity(),
		PlanID:      sub.PlanID(),
	})
	if err != nil {
		return fmt.Errorf("update tenant %s: %w", tenant.TenantID, err)
	}
	if change == nil {
		return nil
	}

	meta := map[string]string{
		"event_id":        eventID,
		"event_type":      eventType,
		"subscription_id": sub.ID,
		"stripe_status":   sub.Status,
	}
	if q := sub.Quantity(); q > 0 {
		meta["quantity"] = strconv.Itoa(q)
	}
	if err := r.record(ctx, auditlog.ActionUpdateStatus, change, meta); err != nil {
		return err
	}

	log.Info().
		Str("event_id", eventID).
		Str("tenant_id", tenant.TenantID).
		Str("stripe_status", sub.Status).
		Str("status", string(status)).
		Msg("Subscription status reconciled")
	return nil
}

// HandleSubscriptionDeleted cancels the tenant bound to the customer.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, eventID string, sub Subscription) error {
	tenant, err := r.tenantForCustomer(ctx, sub.Customer.String())
	if err != nil {
		return err
	}
	if tenant == nil {
		log.Info().
			Str("event_id", eventID).
			Str("customer_id", sub.Customer.String()).
			Msg("Subscription deleted for unmapped customer")
		return nil
	}

	change, err := r.store.UpdateStatus(ctx, tenant.TenantID, entitlement.StatusUpdate{Status: entitlement.StatusCanceled})
	if err != nil {
		return fmt.Errorf("cancel tenant %s: %w", tenant.TenantID, err)
	}
	if change == nil {
		return nil
	}
	if err := r.record(ctx, auditlog.ActionCancel, change, map[string]string{
		"event_id":        eventID,
		"event_type":      "customer.subscription.deleted",
		"subscription_id": sub.ID,
	}); err != nil {
		return err
	}

	log.Info().Str("event_id", eventID).Str("tenant_id", tenant.TenantID).Msg("Tenant canceled")
	return nil
}

// HandleInvoicePaid renews access using the live subscription's period end
// and seat count.
func (r *Reconciler) HandleInvoicePaid(ctx context.Context, eventID string, inv Invoice) error {
	const op = "invoice.paid"

	tenant, err := r.tenantForCustomer(ctx, inv.Customer.String())
	if err != nil {
		return err
	}
	if tenant == nil {
		log.Info().Str("event_id", eventID).Str("customer_id", inv.Customer.String()).Msg("Invoice paid for unmapped customer")
		return nil
	}

	upd := entitlement.StatusUpdate{Status: entitlement.StatusActive, ActiveUntil: inv.LinePeriodEnd()}
	subID := inv.SubscriptionID()
	if subID != "" {
		sub, err := r.liveSubscription(ctx, subID)
		if err != nil {
			return perrors.Unavailable(op, err).WithTenant(tenant.TenantID)
		}
		if sub != nil {
			if end := sub.PeriodEnd(); end != nil {
				upd.ActiveUntil = end
			}
			upd.Seats = sub.Quantity()
			upd.PlanID = sub.PlanID()
		}
	}

	change, err := r.store.UpdateStatus(ctx, tenant.TenantID, upd)
	if err != nil {
		return fmt.Errorf("renew tenant %s: %w", tenant.TenantID, err)
	}
	if change == nil {
		return nil
	}
	meta := map[string]string{
		"event_id":   eventID,
		"event_type": op,
		"invoice_id": inv.ID,
		"reason":     "renewal",
	}
	if upd.Seats > 0 {
		meta["quantity"] = strconv.Itoa(upd.Seats)
	}
	if err := r.record(ctx, auditlog.ActionUpdateStatus, change, meta); err != nil {
		return err
	}

	log.Info().Str("event_id", eventID).Str("tenant_id", tenant.TenantID).Msg("Subscription renewed")
	return nil
}

// HandleInvoicePaymentFailed moves the tenant to PAST_DUE.
func (r *Reconciler) HandleInvoicePaymentFailed(ctx context.Context, eventID string, inv Invoice) error {
	tenant, err := r.tenantForCustomer(ctx, inv.Customer.String())
	if err != nil {
		return err
	}
	if tenant == nil {
		log.Info().Str("event_id", eventID).Str("customer_id", inv.Customer.String()).Msg("Payment failure for unmapped customer")
		return nil
	}

	change, err := r.store.UpdateStatus(ctx, tenant.TenantID, entitlement.StatusUpdate{Status: entitlement.StatusPastDue})
	if err != nil {
		return fmt.Errorf("mark tenant %s past due: %w", tenant.TenantID, err)
	}
	if change == nil {
		return nil
	}
	if err := r.record(ctx, auditlog.ActionUpdateStatus, change, map[string]string{
		"event_id":   eventID,
		"event_type": "invoice.payment_failed",
		"invoice_id": inv.ID,
		"reason":     "payment_failed",
	}); err != nil {
		return err
	}

	log.Warn().Str("event_id", eventID).Str("tenant_id", tenant.TenantID).Msg("Invoice payment failed, tenant past due")
	return nil
}

func (r *Reconciler) tenantForCustomer(ctx context.Context, customerID string) (*entitlement.TenantAccessRecord, error) {
	if customerID == "" {
		return nil, nil
	}
	rec, err := r.store.GetByBillingCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("lookup tenant by customer %s: %w", customerID, err)
	}
	return rec, nil
}

func (r *Reconciler) liveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if r.billing == nil {
		return nil, nil
	}
	return r.billing.GetSubscription(ctx, subscriptionID)
}

func (r *Reconciler) record(ctx context.Context, action auditlog.Action, change *entitlement.Change, meta map[string]string) error {
	_, err := r.audit.Append(ctx, auditlog.Entry{
		TenantID:  change.Record.TenantID,
		Action:    action,
		OldStatus: change.Previous,
		NewStatus: change.Record.Status,
		Source:    auditlog.SourceStripe,
		Metadata:  meta,
	})
	if err != nil {
		return err
	}
	portalmetrics.EntitlementTransitions.WithLabelValues(string(action), string(auditlog.SourceStripe), string(change.Record.Status)).Inc()
	return nil
}
