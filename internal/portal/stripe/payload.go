package stripe

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Ref is a Stripe reference that arrives either as a bare id or as an
// expanded object carrying an "id" field.
type Ref string

func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = Ref(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = Ref(strings.TrimSpace(obj.ID))
	return nil
}

func (r Ref) String() string { return string(r) }

// CheckoutSession is the subset of checkout.session used for activation.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          Ref               `json:"customer"`
	Subscription      Ref               `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// TenantID returns the tenant correlation id carried by the session.
func (s *CheckoutSession) TenantID() string {
	if v := strings.TrimSpace(s.Metadata["tenant_id"]); v != "" {
		return v
	}
	return strings.TrimSpace(s.ClientReferenceID)
}

// MetadataSeats reads a seat count from session metadata, 0 when absent.
func (s *CheckoutSession) MetadataSeats() int {
	for _, key := range []string{"seats", "quantity"} {
		if n, err := strconv.Atoi(strings.TrimSpace(s.Metadata[key])); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

type subscriptionItem struct {
	Quantity         int64 `json:"quantity"`
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Price            struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	} `json:"price"`
}

type subscriptionItemList struct {
	Data []subscriptionItem `json:"data"`
}

// Subscription is the subset of a Stripe subscription the portal reads.
// Period end lives on the items in current API versions and on the
// subscription itself in older ones; both are accepted.
type Subscription struct {
	ID               string               `json:"id"`
	Customer         Ref                  `json:"customer"`
	Status           string               `json:"status"`
	CurrentPeriodEnd int64                `json:"current_period_end"`
	TrialEnd         int64                `json:"trial_end"`
	Metadata         map[string]string    `json:"metadata"`
	Items            subscriptionItemList `json:"items"`
}

// PeriodEnd returns the current billing period end, nil when unknown.
func (s *Subscription) PeriodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return unixTime(end)
}

// TrialEndsAt returns the trial end, nil when the subscription never trialed.
func (s *Subscription) TrialEndsAt() *time.Time {
	return unixTime(s.TrialEnd)
}

// Quantity sums item quantities. Zero means the payload did not say.
func (s *Subscription) Quantity() int {
	var total int64
	for _, item := range s.Items.Data {
		if item.Quantity > 0 {
			total += item.Quantity
		}
	}
	return int(total)
}

// FirstPriceID returns the price id of the first item that has one.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id
		}
	}
	return ""
}

// PlanID derives the plan from subscription metadata, then price metadata,
// then the price id.
func (s *Subscription) PlanID() string {
	if v := planFromMetadata(s.Metadata); v != "" {
		return v
	}
	for _, item := range s.Items.Data {
		if v := planFromMetadata(item.Price.Metadata); v != "" {
			return v
		}
	}
	if priceID := s.FirstPriceID(); priceID != "" {
		return "stripe_price:" + priceID
	}
	return ""
}

func planFromMetadata(m map[string]string) string {
	for _, key := range []string{"plan_id", "plan"} {
		if v := strings.TrimSpace(m[key]); v != "" {
			return v
		}
	}
	return ""
}

// Invoice is the subset of a Stripe invoice needed to find its subscription.
type Invoice struct {
	ID           string `json:"id"`
	Customer     Ref    `json:"customer"`
	Subscription Ref    `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription Ref `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// SubscriptionID returns the subscription the invoice bills, from either
// the legacy top-level field or the parent details.
func (inv *Invoice) SubscriptionID() string {
	if id := inv.Parent.SubscriptionDetails.Subscription.String(); id != "" {
		return id
	}
	return inv.Subscription.String()
}

// LinePeriodEnd returns the latest line item period end, nil when absent.
func (inv *Invoice) LinePeriodEnd() *time.Time {
	var end int64
	for _, line := range inv.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	return unixTime(end)
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

var stripeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{5,128}$`)

// IsSafeStripeID reports whether a Stripe id (cus_..., sub_...) is safe to
// use as a lookup key or inside a search query.
func IsSafeStripeID(stripeID string) bool {
	return stripeIDPattern.MatchString(stripeID)
}
