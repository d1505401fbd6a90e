package stripe

import (
	"encoding/json"
	"testing"
)

func TestRefUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Ref
	}{
		{"string", `{"customer":"cus_123"}`, "cus_123"},
		{"expanded object", `{"customer":{"id":"cus_456","object":"customer"}}`, "cus_456"},
		{"null", `{"customer":null}`, ""},
		{"missing", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v struct {
				Customer Ref `json:"customer"`
			}
			if err := json.Unmarshal([]byte(tt.raw), &v); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if v.Customer != tt.want {
				t.Errorf("Customer = %q, want %q", v.Customer, tt.want)
			}
		})
	}
}

func TestSubscriptionDerivedFields(t *testing.T) {
	raw := `{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"current_period_end": 1700000000,
		"metadata": {},
		"items": {"data": [
			{"quantity": 2, "current_period_end": 1785000000, "price": {"id": "price_a", "metadata": {"plan": "clinic-basic"}}},
			{"quantity": 3, "current_period_end": 1784000000, "price": {"id": "price_b"}}
		]}
	}`
	var sub Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if end := sub.PeriodEnd(); end == nil || end.Unix() != 1785000000 {
		t.Errorf("PeriodEnd = %v", end)
	}
	if q := sub.Quantity(); q != 5 {
		t.Errorf("Quantity = %d, want 5", q)
	}
	if plan := sub.PlanID(); plan != "clinic-basic" {
		t.Errorf("PlanID = %q", plan)
	}

	var bare Subscription
	if bare.PeriodEnd() != nil || bare.Quantity() != 0 || bare.PlanID() != "" {
		t.Errorf("empty subscription derived non-zero fields")
	}
}

func TestCheckoutSessionHelpers(t *testing.T) {
	s := CheckoutSession{ClientReferenceID: " T9 ", Metadata: map[string]string{"quantity": "7"}}
	if s.TenantID() != "T9" {
		t.Errorf("TenantID = %q", s.TenantID())
	}
	if s.MetadataSeats() != 7 {
		t.Errorf("MetadataSeats = %d", s.MetadataSeats())
	}

	s.Metadata = map[string]string{"tenant_id": "T1", "seats": "abc"}
	if s.TenantID() != "T1" {
		t.Errorf("TenantID = %q, metadata should win", s.TenantID())
	}
	if s.MetadataSeats() != 0 {
		t.Errorf("MetadataSeats = %d, want 0 for junk", s.MetadataSeats())
	}
}

func TestInvoiceSubscriptionID(t *testing.T) {
	var legacy, current Invoice
	if err := json.Unmarshal([]byte(`{"id":"in_1","subscription":"sub_old"}`), &legacy); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"id":"in_2","parent":{"subscription_details":{"subscription":"sub_new"}},"lines":{"data":[{"period":{"end":1785000000}}]}}`), &current); err != nil {
		t.Fatal(err)
	}
	if legacy.SubscriptionID() != "sub_old" {
		t.Errorf("legacy SubscriptionID = %q", legacy.SubscriptionID())
	}
	if current.SubscriptionID() != "sub_new" {
		t.Errorf("current SubscriptionID = %q", current.SubscriptionID())
	}
	if end := current.LinePeriodEnd(); end == nil || end.Unix() != 1785000000 {
		t.Errorf("LinePeriodEnd = %v", end)
	}
}

func TestIsSafeStripeID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"cus_ABC123", true},
		{"sub_1-2_3", true},
		{"cus", false},
		{"cus_../../etc", false},
		{"cus_123' OR 1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSafeStripeID(tt.id); got != tt.want {
			t.Errorf("IsSafeStripeID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
