package models

import (
	"encoding/json"
	"time"
)

type Organization struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Plan      string          `json:"plan"`
	Settings  json.RawMessage `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const (
	DefaultOrganizationName = "Default Organization"
	DefaultPlan             = "free"
)

const (
	SourceGeneric = "generic"
	SourceStripe  = "stripe"
	SourceGitHub  = "github"
	SourceShopify = "shopify"
)

type Integration struct {
	ID                 string    `json:"id"`
	OrganizationID     string    `json:"organization_id"`
	Name               string    `json:"name"`
	TargetURL          string    `json:"target_url"`
	SourceType         string    `json:"source_type"`
	SigningSecret      *string   `json:"-"`
	RetryPolicy        string    `json:"retry_policy"` // JSON object, see retry.Policy
	IdempotencyKeyPath *string   `json:"idempotency_key_path,omitempty"`
	OrderingKeyPath    *string   `json:"ordering_key_path,omitempty"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type WebhookStatus string

const (
	StatusPending   WebhookStatus = "pending"
	StatusDelivered WebhookStatus = "delivered"
	StatusFailed    WebhookStatus = "failed"
	StatusReplayed  WebhookStatus = "replayed"
)

// Terminal reports whether no further pipeline transition is allowed.
func (s WebhookStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

type Webhook struct {
	ID              string        `json:"id"`
	IntegrationID   string        `json:"integration_id"`
	IdempotencyKey  *string       `json:"idempotency_key,omitempty"`
	OrderingKey     *string       `json:"ordering_key,omitempty"`
	SourceIP        *string       `json:"source_ip,omitempty"`
	Headers         string        `json:"headers"` // JSON map
	Payload         string        `json:"payload"`
	PayloadEncoding string        `json:"payload_encoding"`
	PayloadLocation *string       `json:"payload_location,omitempty"`
	PayloadHash     string        `json:"payload_hash"`
	ReceivedAt      time.Time     `json:"received_at"`
	Status          WebhookStatus `json:"status"`
	FailedAt        *time.Time    `json:"failed_at,omitempty"`
}

// Payload encodings. Bodies that are not valid UTF-8 or contain NUL are
// stored base64.
const (
	EncodingText   = "text"
	EncodingBase64 = "base64"
)

// StalledDelivery is a pending webhook together with its latest recorded
// attempt.
type StalledDelivery struct {
	WebhookID       string
	IntegrationID   string
	LastAttempt     int
	LastStatusCode  *int
	LastCompletedAt time.Time
}

type DeliveryAttempt struct {
	ID            string    `json:"id"`
	WebhookID     string    `json:"webhook_id"`
	AttemptNumber int       `json:"attempt_number"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	StatusCode    *int      `json:"status_code,omitempty"`
	ResponseBody  *string   `json:"response_body,omitempty"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
}
