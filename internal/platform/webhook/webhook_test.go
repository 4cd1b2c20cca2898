package webhook

import (
	"testing"
)

func TestSignPayload(t *testing.T) {
	payload := []byte(`{"type":"consent.granted","id":"c-1"}`)
	sig1 := SignPayload(payload, "secret-key")
	sig2 := SignPayload(payload, "secret-key")
	if sig1 != sig2 {
		t.Error("expected deterministic signatures")
	}
	if len(sig1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig1))
	}
	if SignPayload(payload, "other-key") == sig1 {
		t.Error("expected different secrets to produce different signatures")
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"type":"consent.granted","id":"c-1"}`)
	sig := SignPayload(payload, "secret-key")

	if !VerifySignature(payload, "secret-key", sig) {
		t.Error("expected bare signature to verify")
	}
	if !VerifySignature(payload, "secret-key", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature(payload, "wrong-secret", sig) {
		t.Error("expected wrong secret to fail verification")
	}
	if VerifySignature([]byte(`tampered`), "secret-key", sig) {
		t.Error("expected tampered payload to fail verification")
	}
	if VerifySignature(payload, "secret-key", "not-a-signature") {
		t.Error("expected garbage signature to fail verification")
	}
}

func TestGenerateSecret(t *testing.T) {
	s1, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	if len(s1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(s1))
	}
	s2, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	if s1 == s2 {
		t.Error("expected unique secrets")
	}
}

func TestValidateURL(t *testing.T) {
	valid := []string{
		"https://example.com/hook",
		"http://localhost:8080/webhooks",
	}
	for _, u := range valid {
		if err := ValidateURL(u); err != nil {
			t.Errorf("ValidateURL(%q): unexpected error %v", u, err)
		}
	}

	invalid := []string{
		"",
		"ftp://example.com/hook",
		"example.com/hook",
		"://nope",
	}
	for _, u := range invalid {
		if err := ValidateURL(u); err == nil {
			t.Errorf("ValidateURL(%q): expected error", u)
		}
	}
}

func TestEventMatches(t *testing.T) {
	cases := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"consent.granted", "consent.granted", true},
		{"consent.granted", "consent.revoked", false},
		{"*", "anything.at.all", true},
		{"consent.*", "consent.revoked", true},
		{"consent.*", "ledger.appended", false},
		{"*.created", "checkpoint.created", true},
		{"*.created", "anchor.created", true},
		{"*.created", "consent.granted", false},
	}
	for _, tc := range cases {
		if got := eventMatches(tc.pattern, tc.eventType); got != tc.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tc.pattern, tc.eventType, got, tc.want)
		}
	}
}

func TestEndpointSubscribed(t *testing.T) {
	ep := &Endpoint{Events: []string{"consent.*", EventCheckpointCreated}}

	if !ep.Subscribed(EventConsentGranted) {
		t.Error("expected consent.* to cover consent.granted")
	}
	if !ep.Subscribed(EventCheckpointCreated) {
		t.Error("expected exact match to subscribe")
	}
	if ep.Subscribed(EventLedgerAppended) {
		t.Error("expected ledger.appended to be unsubscribed")
	}
}
