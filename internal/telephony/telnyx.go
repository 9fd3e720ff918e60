package telephony

import (
	"fmt"
	"strings"
	"time"
)

// TelnyxNormalizer maps Telnyx v2 webhooks ({"data": {"event_type", "payload"}}).
// Telnyx has no list API wired here, so it is webhook-only.
type TelnyxNormalizer struct{}

func (TelnyxNormalizer) Provider() Provider { return ProviderTelnyx }
func (TelnyxNormalizer) Layer() Layer       { return LayerCarrier }

func telnyxKind(eventType string, payload object) (EventType, string) {
	switch {
	case strings.HasPrefix(eventType, "call.recording."):
		if id := payload.str("recording_id"); id != "" {
			return EventTypeRecording, id
		}
		return EventTypeRecording, payload.str("call_leg_id") + ":recording"
	case strings.HasPrefix(eventType, "call.transcription"):
		return EventTypeTranscript, payload.str("call_leg_id") + ":transcript"
	case strings.HasPrefix(eventType, "call."):
		return EventTypeCall, payload.str("call_leg_id")
	case strings.HasPrefix(eventType, "message."):
		return EventTypeSMS, payload.str("id")
	}
	return EventTypeUnclassified, ""
}

func (TelnyxNormalizer) Envelope(body []byte) (Envelope, error) {
	root, err := decodeObject(body)
	if err != nil {
		return Envelope{}, err
	}
	data := root.obj("data")
	if data == nil {
		return fallbackEnvelope(root), nil
	}
	et := data.str("event_type")
	kind, id := telnyxKind(et, data.obj("payload"))
	if kind == EventTypeUnclassified {
		id = data.str("id")
	}
	return Envelope{EventType: et, NativeID: id, EntityType: kind}, nil
}

var telnyxCallStage = map[string]time.Duration{
	"call.initiated": 0, "call.answered": 1, "call.bridged": 2, "call.hangup": 3,
}

func (TelnyxNormalizer) Normalize(raw RawEvent) ([]CanonicalEvent, error) {
	root, err := decodeObject(raw.Body)
	if err != nil {
		return nil, err
	}
	data := root.obj("data")
	payload := data.obj("payload")
	et := firstNonEmpty(data.str("event_type"), raw.EventType)
	kind, id := telnyxKind(et, payload)
	if kind == EventTypeUnclassified || id == "" || strings.HasPrefix(id, ":") {
		return nil, ErrUnrecognizedEventShape
	}

	occurred := data.time("occurred_at")
	ev := CanonicalEvent{
		NativeID:        id,
		Type:            kind,
		Direction:       telnyxDirection(payload.str("direction")),
		Layer:           LayerCarrier,
		Status:          strings.TrimPrefix(et, telnyxPrefix(kind)),
		OccurredAt:      firstNonZero(payload.time("start_time"), occurred),
		SourceUpdatedAt: occurred.Add(telnyxCallStage[et] * time.Millisecond),
	}
	switch kind {
	case EventTypeCall:
		ev.CorrelationID = payload.str("call_control_id")
		if s, e := payload.time("start_time"), payload.time("end_time"); !s.IsZero() && e.After(s) {
			ev.DurationSeconds = int(e.Sub(s).Round(time.Second) / time.Second)
		}
		ev.Fields = payload.fields("from", "to", "call_session_id", "hangup_cause", "state")
	case EventTypeRecording, EventTypeTranscript:
		ev.CorrelationID = payload.str("call_control_id")
		ev.Fields = payload.fields("recording_urls", "public_recording_urls", "channels", "transcription_data")
	case EventTypeSMS:
		ev.Status = firstNonEmpty(telnyxMessageStatus(payload), ev.Status)
		ev.OccurredAt = firstNonZero(payload.time("sent_at"), payload.time("received_at"), occurred)
		ev.Fields = payload.fields("from", "to", "parts", "type", "errors")
		ev.SourceUpdatedAt = firstNonZero(payload.time("completed_at"), occurred)
	}
	if cost := payload.obj("cost"); cost != nil && cost.num("amount") != "" {
		micros, err := ParseMicros(cost.num("amount"))
		if err != nil {
			return nil, fmt.Errorf("%w: cost: %v", ErrMalformedPayload, err)
		}
		ev.CostMicros = micros
		ev.Currency = strings.ToUpper(firstNonEmpty(cost.str("currency"), "USD"))
	}
	return []CanonicalEvent{ev}, nil
}

func telnyxPrefix(kind EventType) string {
	if kind == EventTypeSMS {
		return "message."
	}
	return "call."
}

// Outbound message status lives on the first recipient.
func telnyxMessageStatus(payload object) string {
	if to, ok := payload["to"].([]any); ok && len(to) > 0 {
		if first, ok := to[0].(map[string]any); ok {
			return object(first).str("status")
		}
	}
	return ""
}

func telnyxDirection(d string) Direction {
	switch d {
	case "incoming", "inbound":
		return DirectionInbound
	case "outgoing", "outbound":
		return DirectionOutbound
	}
	return DirectionUnknown
}
