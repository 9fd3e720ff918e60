package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const vapiPolledType = "call.polled"

// VapiNormalizer maps Vapi server messages ({"message": {...}}) to canonical events.
// An end-of-call report fans out to the call plus its transcript and recording.
type VapiNormalizer struct{}

func (VapiNormalizer) Provider() Provider { return ProviderVapi }
func (VapiNormalizer) Layer() Layer       { return LayerAgent }

func (VapiNormalizer) Envelope(body []byte) (Envelope, error) {
	root, err := decodeObject(body)
	if err != nil {
		return Envelope{}, err
	}
	msg := root.obj("message")
	if msg == nil {
		return fallbackEnvelope(root), nil
	}
	env := Envelope{EventType: msg.str("type"), NativeID: msg.obj("call").str("id"), EntityType: EventTypeUnclassified}
	if vapiCallMessage(env.EventType) {
		env.EntityType = EventTypeCall
	}
	return env, nil
}

func vapiCallMessage(t string) bool {
	switch t {
	case "status-update", "end-of-call-report", vapiPolledType:
		return true
	}
	return false
}

func (VapiNormalizer) Normalize(raw RawEvent) ([]CanonicalEvent, error) {
	root, err := decodeObject(raw.Body)
	if err != nil {
		return nil, err
	}
	msg := root.obj("message")
	call := msg.obj("call")
	callID := call.str("id")
	msgType := firstNonEmpty(msg.str("type"), raw.EventType)
	if msg == nil || callID == "" {
		return nil, ErrUnrecognizedEventShape
	}

	correlation := call.str("phoneCallProviderId")
	if correlation == "" {
		correlation = "vapi:" + callID
	}
	occurred := firstNonZero(call.time("startedAt"), call.time("createdAt"), msg.time("timestamp"))
	updated := firstNonZero(call.time("updatedAt"), msg.time("timestamp"), occurred)
	base := CanonicalEvent{
		Direction:       vapiDirection(call.str("type")),
		Layer:           LayerAgent,
		CorrelationID:   correlation,
		ProviderAgentID: firstNonEmpty(call.str("assistantId"), msg.obj("assistant").str("id")),
		OccurredAt:      occurred,
		SourceUpdatedAt: updated,
	}

	if !vapiCallMessage(msgType) {
		ev := base
		ev.NativeID = callID + ":" + msgType
		ev.Type = EventTypeUnclassified
		ev.Status = msg.str("status")
		ev.Fields = map[string]any{"message_type": msgType, "message": map[string]any(msg)}
		return []CanonicalEvent{ev}, nil
	}

	callEv := base
	callEv.NativeID = callID
	callEv.Type = EventTypeCall
	callEv.Status = firstNonEmpty(msg.str("status"), call.str("status"))
	if msgType == "end-of-call-report" && callEv.Status == "" {
		callEv.Status = "ended"
	}
	callEv.DurationSeconds = msg.int("durationSeconds")
	if callEv.DurationSeconds == 0 {
		if s, e := call.time("startedAt"), call.time("endedAt"); !s.IsZero() && e.After(s) {
			callEv.DurationSeconds = int(e.Sub(s).Round(time.Second) / time.Second)
		}
	}
	cost := firstNonEmpty(msg.num("cost"), call.num("cost"))
	if cost != "" {
		micros, err := ParseMicros(cost)
		if err != nil {
			return nil, fmt.Errorf("%w: cost: %v", ErrMalformedPayload, err)
		}
		callEv.CostMicros = micros
		callEv.Currency = "USD"
	}
	callEv.Fields = call.fields("type", "phoneNumberId", "customer", "endedReason", "phoneCallProvider", "orgId")
	if r := msg.str("endedReason"); r != "" {
		callEv.Fields["endedReason"] = r
	}
	out := []CanonicalEvent{callEv}

	artifact := msg.obj("artifact")
	if artifact == nil {
		artifact = call.obj("artifact")
	}
	if transcript := firstNonEmpty(artifact.str("transcript"), msg.str("transcript")); transcript != "" {
		ev := base
		ev.NativeID = callID + ":transcript"
		ev.Type = EventTypeTranscript
		ev.Status = "completed"
		ev.Fields = map[string]any{"text": transcript}
		if summary := msg.obj("analysis").str("summary"); summary != "" {
			ev.Fields["summary"] = summary
		}
		out = append(out, ev)
	}
	if rec := firstNonEmpty(artifact.str("recordingUrl"), msg.str("recordingUrl")); rec != "" {
		ev := base
		ev.NativeID = callID + ":recording"
		ev.Type = EventTypeRecording
		ev.Status = "completed"
		ev.DurationSeconds = callEv.DurationSeconds
		ev.Fields = map[string]any{"url": rec}
		if stereo := artifact.str("stereoRecordingUrl"); stereo != "" {
			ev.Fields["stereo_url"] = stereo
		}
		out = append(out, ev)
	}
	return out, nil
}

func vapiDirection(callType string) Direction {
	switch callType {
	case "inboundPhoneCall":
		return DirectionInbound
	case "outboundPhoneCall":
		return DirectionOutbound
	}
	return DirectionUnknown
}

// VapiClient lists calls from the Vapi REST API.
type VapiClient struct {
	http    *HTTPClient
	baseURL string
}

func NewVapiClient(h *HTTPClient, baseURL string) *VapiClient {
	if baseURL == "" {
		baseURL = "https://api.vapi.ai"
	}
	return &VapiClient{http: h, baseURL: baseURL}
}

func (c *VapiClient) Provider() Provider { return ProviderVapi }

type vapiConfig struct {
	AssistantID string `json:"assistant_id"`
}

func (c *VapiClient) ListEvents(ctx context.Context, creds Credentials, config json.RawMessage, req ListRequest) ([]PolledEvent, error) {
	if err := requireCred(ProviderVapi, creds, "api_key"); err != nil {
		return nil, err
	}
	var cfg vapiConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	size := req.PageSize()
	q := url.Values{}
	q.Set("limit", strconv.Itoa(size))
	if !req.Since.IsZero() {
		q.Set("createdAtGt", req.Since.UTC().Format(time.RFC3339))
	}
	if cfg.AssistantID != "" {
		q.Set("assistantId", cfg.AssistantID)
	}

	// Calls come newest first; each further page asks for calls created before the oldest seen.
	var (
		out    []PolledEvent
		before time.Time
	)
	for pages := 0; ; {
		if !before.IsZero() {
			q.Set("createdAtLt", before.Format(time.RFC3339Nano))
		}
		httpReq, err := http.NewRequest(http.MethodGet, c.baseURL+"/call?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+creds["api_key"])

		var calls []json.RawMessage
		if err := c.http.Do(ctx, ProviderVapi, httpReq, &calls); err != nil {
			return nil, err
		}
		pages++

		var oldest time.Time
		for _, call := range calls {
			var head struct {
				ID        string `json:"id"`
				CreatedAt string `json:"createdAt"`
			}
			if err := json.Unmarshal(call, &head); err != nil || head.ID == "" {
				continue
			}
			if t := parseTime(head.CreatedAt); !t.IsZero() && (oldest.IsZero() || t.Before(oldest)) {
				oldest = t
			}
			body, err := json.Marshal(map[string]any{"message": map[string]any{"type": vapiPolledType, "call": call}})
			if err != nil {
				return nil, err
			}
			out = append(out, PolledEvent{EventType: vapiPolledType, NativeID: head.ID, Body: body})
		}
		if len(calls) < size || oldest.IsZero() || (!before.IsZero() && !oldest.Before(before)) || req.Done(len(out), pages) {
			break
		}
		before = oldest
	}
	return req.trim(out), nil
}
