package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
)

// BillingProvider answers live subscription queries. Both methods return
// (nil, nil) when nothing matches.
type BillingProvider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	FindSubscriptionForTenant(ctx context.Context, tenantID string) (*Subscription, error)
}

const maxSearchCandidates = 10

var tenantQueryPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)

// StripeBilling queries the Stripe API.
type StripeBilling struct {
	getSubscription     func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	searchSubscriptions func(params *stripelib.SubscriptionSearchParams) *stripesub.SearchIter
}

// NewStripeBilling configures the Stripe SDK key and returns a provider.
func NewStripeBilling(apiKey string) *StripeBilling {
	stripelib.Key = strings.TrimSpace(apiKey)
	return &StripeBilling{
		getSubscription:     stripesub.Get,
		searchSubscriptions: stripesub.Search,
	}
}

func (b *StripeBilling) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if !IsSafeStripeID(subscriptionID) {
		return nil, nil
	}
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := b.getSubscription(subscriptionID, params)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	return fromStripeSubscription(sub)
}

// FindSubscriptionForTenant searches subscriptions tagged with the tenant id
// in metadata and prefers one that still grants access.
func (b *StripeBilling) FindSubscriptionForTenant(ctx context.Context, tenantID string) (*Subscription, error) {
	tenantID = strings.TrimSpace(tenantID)
	if !tenantQueryPattern.MatchString(tenantID) {
		return nil, nil
	}

	params := &stripelib.SubscriptionSearchParams{
		SearchParams: stripelib.SearchParams{
			Query:   fmt.Sprintf("metadata['tenant_id']:'%s'", tenantID),
			Context: ctx,
		},
	}
	iter := b.searchSubscriptions(params)

	var first *Subscription
	for n := 0; n < maxSearchCandidates && iter.Next(); n++ {
		sub, err := fromStripeSubscription(iter.Subscription())
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = sub
		}
		switch strings.ToLower(sub.Status) {
		case "active", "trialing", "past_due":
			return sub, nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("search subscriptions for tenant %s: %w", tenantID, err)
	}
	return first, nil
}

func fromStripeSubscription(s *stripelib.Subscription) (*Subscription, error) {
	if s == nil {
		return nil, nil
	}
	var raw []byte
	if s.LastResponse != nil && len(s.LastResponse.RawJSON) > 0 {
		raw = s.LastResponse.RawJSON
	} else {
		var err error
		if raw, err = json.Marshal(s); err != nil {
			return nil, fmt.Errorf("encode subscription %s: %w", s.ID, err)
		}
	}
	var sub Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", s.ID, err)
	}
	return &sub, nil
}

func isNotFound(err error) bool {
	var stripeErr *stripelib.Error
	return errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound
}
