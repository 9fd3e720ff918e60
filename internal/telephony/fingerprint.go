package telephony

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Fingerprint is a stable content hash over the canonical fields of an event.
// Transport metadata (receive time, headers) is excluded so a webhook and a
// poll of the same provider state hash identically.
func (e CanonicalEvent) Fingerprint() string {
	view := struct {
		NativeID        string         `json:"native_id"`
		Type            EventType      `json:"type"`
		Direction       Direction      `json:"direction"`
		Layer           Layer          `json:"layer"`
		CorrelationID   string         `json:"correlation_id"`
		ProviderAgentID string         `json:"provider_agent_id"`
		Status          string         `json:"status"`
		DurationSeconds int            `json:"duration_seconds"`
		CostMicros      int64          `json:"cost_micros"`
		Currency        string         `json:"currency"`
		OccurredAt      string         `json:"occurred_at"`
		SourceUpdatedAt string         `json:"source_updated_at"`
		Fields          map[string]any `json:"fields"`
	}{
		NativeID:        e.NativeID,
		Type:            e.Type,
		Direction:       e.Direction,
		Layer:           e.Layer,
		CorrelationID:   e.CorrelationID,
		ProviderAgentID: e.ProviderAgentID,
		Status:          e.Status,
		DurationSeconds: e.DurationSeconds,
		CostMicros:      e.CostMicros,
		Currency:        e.Currency,
		OccurredAt:      stamp(e.OccurredAt),
		SourceUpdatedAt: stamp(e.SourceUpdatedAt),
		Fields:          e.Fields,
	}
	// encoding/json sorts map keys, so nested field maps serialize deterministically.
	b, _ := json.Marshal(view)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
