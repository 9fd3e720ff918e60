package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const retellPolledType = "call_polled"

// RetellNormalizer maps Retell webhooks ({"event": ..., "call": {...}}).
type RetellNormalizer struct{}

func (RetellNormalizer) Provider() Provider { return ProviderRetell }
func (RetellNormalizer) Layer() Layer       { return LayerAgent }

func (RetellNormalizer) Envelope(body []byte) (Envelope, error) {
	root, err := decodeObject(body)
	if err != nil {
		return Envelope{}, err
	}
	call := root.obj("call")
	if call == nil {
		return fallbackEnvelope(root), nil
	}
	env := Envelope{EventType: root.str("event"), NativeID: call.str("call_id"), EntityType: EventTypeUnclassified}
	if retellCallEvent(env.EventType) {
		env.EntityType = EventTypeCall
	}
	return env, nil
}

func retellCallEvent(t string) bool {
	switch t {
	case "call_started", "call_ended", "call_analyzed", retellPolledType:
		return true
	}
	return false
}

func (RetellNormalizer) Normalize(raw RawEvent) ([]CanonicalEvent, error) {
	root, err := decodeObject(raw.Body)
	if err != nil {
		return nil, err
	}
	call := root.obj("call")
	callID := call.str("call_id")
	event := firstNonEmpty(root.str("event"), raw.EventType)
	if callID == "" {
		return nil, ErrUnrecognizedEventShape
	}

	ids := call.obj("telephony_identifier")
	correlation := firstNonEmpty(ids.str("twilio_call_sid"), ids.str("telnyx_call_control_id"))
	if correlation == "" {
		correlation = "retell:" + callID
	}
	started := call.time("start_timestamp")
	ended := call.time("end_timestamp")
	base := CanonicalEvent{
		Direction:       retellDirection(call.str("direction")),
		Layer:           LayerAgent,
		CorrelationID:   correlation,
		ProviderAgentID: call.str("agent_id"),
		OccurredAt:      started,
		// Retell has no update marker. call_analyzed repeats call_ended's timestamps,
		// so the lifecycle stage breaks the tie.
		SourceUpdatedAt: latest(started, ended).Add(retellStage(event, call) * time.Millisecond),
	}

	if !retellCallEvent(event) {
		ev := base
		ev.NativeID = callID + ":" + event
		ev.Type = EventTypeUnclassified
		ev.Status = call.str("call_status")
		ev.Fields = map[string]any{"event": event, "call": map[string]any(call)}
		return []CanonicalEvent{ev}, nil
	}

	callEv := base
	callEv.NativeID = callID
	callEv.Type = EventTypeCall
	callEv.Status = call.str("call_status")
	if ms := call.int("duration_ms"); ms > 0 {
		callEv.DurationSeconds = (ms + 500) / 1000
	} else if !started.IsZero() && ended.After(started) {
		callEv.DurationSeconds = int(ended.Sub(started).Seconds() + 0.5)
	}
	if cents := call.obj("call_cost").num("combined_cost"); cents != "" {
		micros, err := centsToMicros(cents)
		if err != nil {
			return nil, fmt.Errorf("%w: call_cost: %v", ErrMalformedPayload, err)
		}
		callEv.CostMicros = micros
		callEv.Currency = "USD"
	}
	callEv.Fields = call.fields("call_type", "from_number", "to_number", "disconnection_reason")
	if analysis := call.obj("call_analysis"); analysis != nil {
		callEv.Fields["call_analysis"] = map[string]any(analysis)
	}
	out := []CanonicalEvent{callEv}

	if t := call.str("transcript"); t != "" {
		ev := base
		ev.NativeID = callID + ":transcript"
		ev.Type = EventTypeTranscript
		ev.Status = "completed"
		ev.Fields = map[string]any{"text": t}
		out = append(out, ev)
	}
	if u := call.str("recording_url"); u != "" {
		ev := base
		ev.NativeID = callID + ":recording"
		ev.Type = EventTypeRecording
		ev.Status = "completed"
		ev.DurationSeconds = callEv.DurationSeconds
		ev.Fields = map[string]any{"url": u}
		out = append(out, ev)
	}
	return out, nil
}

func retellStage(event string, call object) time.Duration {
	switch {
	case event == "call_analyzed", call.obj("call_analysis") != nil:
		return 2
	case event == "call_ended", call.str("call_status") == "ended":
		return 1
	}
	return 0
}

func retellDirection(d string) Direction {
	switch d {
	case "inbound":
		return DirectionInbound
	case "outbound":
		return DirectionOutbound
	}
	return DirectionUnknown
}

// RetellClient lists calls via POST /v2/list-calls.
type RetellClient struct {
	http    *HTTPClient
	baseURL string
}

func NewRetellClient(h *HTTPClient, baseURL string) *RetellClient {
	if baseURL == "" {
		baseURL = "https://api.retellai.com"
	}
	return &RetellClient{http: h, baseURL: baseURL}
}

func (c *RetellClient) Provider() Provider { return ProviderRetell }

type retellConfig struct {
	AgentIDs []string `json:"agent_ids"`
}

func (c *RetellClient) ListEvents(ctx context.Context, creds Credentials, config json.RawMessage, req ListRequest) ([]PolledEvent, error) {
	if err := requireCred(ProviderRetell, creds, "api_key"); err != nil {
		return nil, err
	}
	var cfg retellConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	filter := map[string]any{}
	if !req.Since.IsZero() {
		filter["start_timestamp"] = map[string]any{"lower_threshold": req.Since.UnixMilli()}
	}
	if len(cfg.AgentIDs) > 0 {
		filter["agent_id"] = cfg.AgentIDs
	}
	size := req.PageSize()

	// Retell pages by pagination_key, the call_id of the last call in the previous page.
	var (
		out     []PolledEvent
		lastKey string
	)
	for pages := 0; ; {
		body := map[string]any{"filter_criteria": filter, "limit": size, "sort_order": "descending"}
		if lastKey != "" {
			body["pagination_key"] = lastKey
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequest(http.MethodPost, c.baseURL+"/v2/list-calls", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+creds["api_key"])
		httpReq.Header.Set("Content-Type", "application/json")

		var calls []json.RawMessage
		if err := c.http.Do(ctx, ProviderRetell, httpReq, &calls); err != nil {
			return nil, err
		}
		pages++

		key := ""
		for _, call := range calls {
			var head struct {
				CallID string `json:"call_id"`
			}
			if err := json.Unmarshal(call, &head); err != nil || head.CallID == "" {
				continue
			}
			key = head.CallID
			b, err := json.Marshal(map[string]any{"event": retellPolledType, "call": call})
			if err != nil {
				return nil, err
			}
			out = append(out, PolledEvent{EventType: retellPolledType, NativeID: head.CallID, Body: b})
		}
		if len(calls) < size || key == "" || key == lastKey || req.Done(len(out), pages) {
			break
		}
		lastKey = key
	}
	return req.trim(out), nil
}
