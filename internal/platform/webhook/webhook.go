// Package webhook notifies registered endpoints of integrity events:
// ledger appends, checkpoint and anchor creation, consent changes, and
// committed bundles. Payloads are HMAC-SHA256 signed and delivery runs
// behind a per-endpoint circuit breaker with a retry schedule.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the service.
const (
	EventLedgerAppended    = "ledger.appended"
	EventCheckpointCreated = "checkpoint.created"
	EventAnchorCreated     = "anchor.created"
	EventConsentGranted    = "consent.granted"
	EventConsentRevoked    = "consent.revoked"
	EventResourceCommitted = "resource.committed"
	EventTest              = "webhook.test"
)

// Delivery statuses. Skipped means the endpoint's circuit breaker was open.
const (
	DeliveryPending = "pending"
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
)

// SignatureHeader carries "sha256=<hex>" over the request body.
const SignatureHeader = "X-Webhook-Signature"

var (
	ErrNotFound         = errors.New("webhook: not found")
	ErrAlreadyDelivered = errors.New("webhook: delivery already succeeded")
)

// Endpoint is a registered delivery destination.
type Endpoint struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is the envelope POSTed to endpoints.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	Type         string          `json:"type"`
	TenantID     string          `json:"tenant_id,omitempty"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// DeliveryAttempt is one event's delivery record for one endpoint. Retries
// update the same record, bumping Attempts.
type DeliveryAttempt struct {
	ID          uuid.UUID       `json:"id"`
	EndpointID  uuid.UUID       `json:"endpoint_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	StatusCode  int             `json:"status_code"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DeliveryResult summarises one endpoint's outcome for a delivered event.
type DeliveryResult struct {
	EndpointID uuid.UUID `json:"endpoint_id"`
	Status     string    `json:"status"`
	StatusCode int       `json:"status_code"`
	Error      string    `json:"error,omitempty"`
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches SignPayload in constant
// time. A "sha256=" prefix on the signature is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// GenerateSecret produces a random 32-byte hex secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ValidateURL checks that the endpoint URL is http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// eventMatches checks an event type against a subscription pattern: exact
// ("consent.granted"), suffix wildcard ("consent.*"), prefix wildcard
// ("*.created"), or "*" for everything.
func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(eventType, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

// Subscribed reports whether the endpoint wants the event type.
func (ep *Endpoint) Subscribed(eventType string) bool {
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}
