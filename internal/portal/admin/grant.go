package admin

import (
	"context"
	"fmt"
	"strings"

	perrors "github.com/rcourtman/clinic-portal/internal/errors"
	"github.com/rcourtman/clinic-portal/internal/portal/auditlog"
	"github.com/rcourtman/clinic-portal/internal/portal/entitlement"
	"github.com/rcourtman/clinic-portal/internal/portal/portalmetrics"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTrialDays = 14
	DefaultSeatLimit = 1
	MaxTrialDays     = 90
	MaxSeatLimit     = 100
)

// GrantRequest is an operator trial grant. Nil fields take their defaults.
type GrantRequest struct {
	TenantID  string `json:"tenantId"`
	Days      *int   `json:"days,omitempty"`
	SeatLimit *int   `json:"seatLimit,omitempty"`
}

func (req GrantRequest) normalize() (tenantID string, days, seats int, err error) {
	const op = "grant_trial"
	tenantID = strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return "", 0, 0, perrors.Validation(op, "tenantId is required")
	}
	days, seats = DefaultTrialDays, DefaultSeatLimit
	if req.Days != nil {
		days = *req.Days
	}
	if req.SeatLimit != nil {
		seats = *req.SeatLimit
	}
	if days < 1 || days > MaxTrialDays {
		return "", 0, 0, perrors.Validation(op, "days must be between 1 and %d", MaxTrialDays)
	}
	if seats < 1 || seats > MaxSeatLimit {
		return "", 0, 0, perrors.Validation(op, "seatLimit must be between 1 and %d", MaxSeatLimit)
	}
	return tenantID, days, seats, nil
}

// Granter applies manual trial grants and records them. Both the HTTP
// endpoint and the CLI go through it.
type Granter struct {
	store *entitlement.Store
	audit *auditlog.Log
}

// NewGranter creates a Granter.
func NewGranter(store *entitlement.Store, audit *auditlog.Log) *Granter {
	return &Granter{store: store, audit: audit}
}

// Grant validates req, puts the tenant into a trial and appends a
// GRANT_TRIAL entry attributed to actorEmail. Validation failures never
// touch the store.
func (g *Granter) Grant(ctx context.Context, req GrantRequest, actorEmail string, meta map[string]string) (*entitlement.TenantAccessRecord, error) {
	tenantID, days, seats, err := req.normalize()
	if err != nil {
		portalmetrics.ManualGrantsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	change, err := g.store.GrantTrial(ctx, tenantID, days, seats)
	if err != nil {
		portalmetrics.ManualGrantsTotal.WithLabelValues("error").Inc()
		return nil, perrors.Unavailable("grant_trial", err).WithTenant(tenantID)
	}

	if meta == nil {
		meta = map[string]string{}
	}
	meta["days"] = fmt.Sprint(days)
	meta["seat_limit"] = fmt.Sprint(seats)

	if _, err := g.audit.Append(ctx, auditlog.Entry{
		TenantID:   tenantID,
		Action:     auditlog.ActionGrantTrial,
		OldStatus:  change.Previous,
		NewStatus:  change.Record.Status,
		Source:     auditlog.SourceManual,
		ActorEmail: actorEmail,
		Metadata:   meta,
	}); err != nil {
		portalmetrics.ManualGrantsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Trial granted but audit entry could not be written")
		return nil, perrors.Unavailable("grant_trial", fmt.Errorf("append audit entry: %w", err)).WithTenant(tenantID)
	}

	portalmetrics.ManualGrantsTotal.WithLabelValues("granted").Inc()
	portalmetrics.EntitlementTransitions.WithLabelValues(string(auditlog.ActionGrantTrial), string(auditlog.SourceManual), string(change.Record.Status)).Inc()
	log.Info().
		Str("tenant_id", tenantID).
		Str("actor", actorEmail).
		Int("days", days).
		Int("seat_limit", seats).
		Str("old_status", string(change.Previous)).
		Msg("Trial granted")
	return change.Record, nil
}
