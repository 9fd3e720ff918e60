package integrations

import (
	"encoding/json"
	"errors"
	"time"

	"telecom-ingest/internal/telephony"
)

var (
	ErrNotFound        = errors.New("integrations: not found")
	ErrInactive        = errors.New("integrations: inactive")
	ErrInvalidArgument = errors.New("integrations: invalid argument")
)

// Integration links one account to one provider. Rows are deactivated, never deleted.
type Integration struct {
	ID           string                 `json:"id"`
	AccountID    string                 `json:"account_id"`
	Provider     telephony.Provider     `json:"provider"`
	Capabilities []telephony.Capability `json:"capabilities"`
	Active       bool                   `json:"active"`
	WebhookToken string                 `json:"-"`

	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	WebhookReceivedAt *time.Time `json:"webhook_received_at,omitempty"`

	HealthPct       int        `json:"health_pct"`
	DegradedReason  string     `json:"degraded_reason,omitempty"`
	LastPollError   string     `json:"last_poll_error,omitempty"`
	LastPollErrorAt *time.Time `json:"last_poll_error_at,omitempty"`

	Config json.RawMessage `json:"config,omitempty"`
	// CredentialsEncrypted is a vault-sealed JSON object of provider credentials.
	CredentialsEncrypted string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Account struct {
	ID                string `json:"id"`
	ReportingCurrency string `json:"reporting_currency"`
}

type Agent struct {
	ID              string `json:"id"`
	IntegrationID   string `json:"integration_id"`
	ProviderAgentID string `json:"provider_agent_id"`
	Name            string `json:"name"`
}

// WebhookSecret is one version of an integration's signing secret.
// ExpiresAt is nil for the current version; a rotated-out version stays valid until ExpiresAt.
type WebhookSecret struct {
	ID              string     `json:"id"`
	IntegrationID   string     `json:"integration_id"`
	Version         int        `json:"version"`
	Algorithm       string     `json:"algorithm"`
	SecretEncrypted string     `json:"-"`
	ActivatedAt     time.Time  `json:"activated_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// ValidAt reports whether the secret may verify a request received at t.
func (s WebhookSecret) ValidAt(t time.Time) bool {
	if t.Before(s.ActivatedAt) {
		return false
	}
	return s.ExpiresAt == nil || t.Before(*s.ExpiresAt)
}
