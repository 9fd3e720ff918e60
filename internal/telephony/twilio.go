package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TwilioNormalizer maps Twilio status callbacks. Callback fields are PascalCase
// (CallSid, CallStatus, Price ...); the polling client reshapes REST rows the same way.
type TwilioNormalizer struct{}

func (TwilioNormalizer) Provider() Provider { return ProviderTwilio }
func (TwilioNormalizer) Layer() Layer       { return LayerCarrier }

func twilioKind(o object) (EventType, string) {
	switch {
	case o.str("TranscriptionSid") != "":
		return EventTypeTranscript, o.str("TranscriptionSid")
	case o.str("RecordingSid") != "":
		return EventTypeRecording, o.str("RecordingSid")
	case o.str("MessageSid") != "" || o.str("SmsSid") != "":
		return EventTypeSMS, firstNonEmpty(o.str("MessageSid"), o.str("SmsSid"))
	case o.str("CallSid") != "":
		return EventTypeCall, o.str("CallSid")
	}
	return EventTypeUnclassified, ""
}

func twilioEventType(kind EventType, o object) string {
	switch kind {
	case EventTypeCall:
		return "call." + firstNonEmpty(o.str("CallStatus"), "status")
	case EventTypeSMS:
		return "message." + firstNonEmpty(o.str("MessageStatus"), o.str("SmsStatus"), "status")
	case EventTypeRecording:
		return "recording." + firstNonEmpty(o.str("RecordingStatus"), "status")
	case EventTypeTranscript:
		return "transcription." + firstNonEmpty(o.str("TranscriptionStatus"), "status")
	}
	return "unknown"
}

func (TwilioNormalizer) Envelope(body []byte) (Envelope, error) {
	o, err := decodeObject(body)
	if err != nil {
		return Envelope{}, err
	}
	kind, id := twilioKind(o)
	return Envelope{EventType: twilioEventType(kind, o), NativeID: id, EntityType: kind}, nil
}

// Later lifecycle states win over earlier ones carrying the same timestamp.
var twilioStatusRank = map[string]time.Duration{
	"queued": 0, "accepted": 0, "initiated": 1, "sending": 1, "ringing": 2, "sent": 2,
	"in-progress": 3, "answered": 3, "delivered": 4, "undelivered": 4, "received": 4,
	"completed": 5, "busy": 5, "failed": 5, "no-answer": 5, "canceled": 5, "absent": 5, "read": 6,
}

func (TwilioNormalizer) Normalize(raw RawEvent) ([]CanonicalEvent, error) {
	o, err := decodeObject(raw.Body)
	if err != nil {
		return nil, err
	}
	kind, id := twilioKind(o)
	if id == "" {
		return nil, ErrUnrecognizedEventShape
	}

	ev := CanonicalEvent{
		NativeID:  id,
		Type:      kind,
		Direction: twilioDirection(o.str("Direction")),
		Layer:     LayerCarrier,
	}
	stamp := firstNonZero(o.time("DateUpdated"), o.time("Timestamp"))
	switch kind {
	case EventTypeCall:
		// A dialed leg joins its parent call's group.
		ev.CorrelationID = firstNonEmpty(o.str("ParentCallSid"), o.str("CallSid"))
		ev.Status = o.str("CallStatus")
		ev.DurationSeconds = o.int("CallDuration")
		ev.OccurredAt = firstNonZero(o.time("StartTime"), o.time("Timestamp"))
		ev.Fields = o.fields("From", "To", "ParentCallSid", "AnsweredBy", "EndTime")
	case EventTypeSMS:
		ev.Status = firstNonEmpty(o.str("MessageStatus"), o.str("SmsStatus"))
		ev.OccurredAt = firstNonZero(o.time("DateSent"), o.time("Timestamp"))
		ev.Fields = o.fields("From", "To", "NumSegments", "ErrorCode")
	case EventTypeRecording:
		ev.CorrelationID = o.str("CallSid")
		ev.Status = o.str("RecordingStatus")
		ev.DurationSeconds = o.int("RecordingDuration")
		ev.OccurredAt = firstNonZero(o.time("RecordingStartTime"), o.time("Timestamp"))
		ev.Fields = o.fields("RecordingUrl", "RecordingChannels", "RecordingSource")
	case EventTypeTranscript:
		ev.CorrelationID = o.str("CallSid")
		ev.Status = o.str("TranscriptionStatus")
		ev.OccurredAt = o.time("Timestamp")
		ev.Fields = o.fields("TranscriptionText", "RecordingSid", "TranscriptionUrl")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = stamp
	}
	ev.SourceUpdatedAt = firstNonZero(stamp, ev.OccurredAt).Add(twilioStatusRank[ev.Status] * time.Millisecond)
	if price := o.num("Price"); price != "" {
		micros, err := ParseMicros(price)
		if err != nil {
			return nil, fmt.Errorf("%w: price: %v", ErrMalformedPayload, err)
		}
		ev.CostMicros = micros
		ev.Currency = strings.ToUpper(firstNonEmpty(o.str("PriceUnit"), "USD"))
	}
	return []CanonicalEvent{ev}, nil
}

func twilioDirection(d string) Direction {
	switch {
	case d == "inbound":
		return DirectionInbound
	case strings.HasPrefix(d, "outbound"):
		return DirectionOutbound
	}
	return DirectionUnknown
}

// TwilioClient polls the Calls and Messages list resources.
type TwilioClient struct {
	http    *HTTPClient
	baseURL string
}

func NewTwilioClient(h *HTTPClient, baseURL string) *TwilioClient {
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &TwilioClient{http: h, baseURL: baseURL}
}

func (c *TwilioClient) Provider() Provider { return ProviderTwilio }

type twilioCall struct {
	Sid           string  `json:"sid"`
	ParentCallSid *string `json:"parent_call_sid"`
	From          string  `json:"from"`
	To            string  `json:"to"`
	Direction     string  `json:"direction"`
	Status        string  `json:"status"`
	Duration      string  `json:"duration"`
	Price         *string `json:"price"`
	PriceUnit     string  `json:"price_unit"`
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	DateUpdated   string  `json:"date_updated"`
}

type twilioMessage struct {
	Sid         string  `json:"sid"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Direction   string  `json:"direction"`
	Status      string  `json:"status"`
	NumSegments string  `json:"num_segments"`
	Price       *string `json:"price"`
	PriceUnit   string  `json:"price_unit"`
	DateSent    string  `json:"date_sent"`
	DateUpdated string  `json:"date_updated"`
}

type twilioPage struct {
	Calls       []twilioCall    `json:"calls"`
	Messages    []twilioMessage `json:"messages"`
	NextPageURI *string         `json:"next_page_uri"`
}

func (c *TwilioClient) ListEvents(ctx context.Context, creds Credentials, _ json.RawMessage, req ListRequest) ([]PolledEvent, error) {
	if err := requireCred(ProviderTwilio, creds, "account_sid", "auth_token"); err != nil {
		return nil, err
	}
	base := "/2010-04-01/Accounts/" + url.PathEscape(creds["account_sid"])
	day := req.Since.UTC().Format("2006-01-02")

	q := url.Values{}
	q.Set("PageSize", strconv.Itoa(req.PageSize()))
	if !req.Since.IsZero() {
		q.Set("StartTime>", day)
	}
	var calls []PolledEvent
	err := c.pages(ctx, creds, base+"/Calls.json?"+q.Encode(), req, func(page twilioPage) int {
		for _, r := range page.Calls {
			body := map[string]any{
				"CallSid": r.Sid, "From": r.From, "To": r.To, "Direction": r.Direction,
				"CallStatus": r.Status, "CallDuration": r.Duration, "StartTime": r.StartTime,
				"EndTime": r.EndTime, "DateUpdated": r.DateUpdated, "PriceUnit": r.PriceUnit,
			}
			if r.ParentCallSid != nil {
				body["ParentCallSid"] = *r.ParentCallSid
			}
			if r.Price != nil {
				body["Price"] = *r.Price
			}
			if ev, err := twilioPolled(r.Sid, body); err == nil {
				calls = append(calls, ev)
			}
		}
		return len(calls)
	})
	if err != nil {
		return nil, err
	}

	q.Del("StartTime>")
	if !req.Since.IsZero() {
		q.Set("DateSent>", day)
	}
	var msgs []PolledEvent
	err = c.pages(ctx, creds, base+"/Messages.json?"+q.Encode(), req, func(page twilioPage) int {
		for _, r := range page.Messages {
			body := map[string]any{
				"MessageSid": r.Sid, "From": r.From, "To": r.To, "Direction": r.Direction,
				"MessageStatus": r.Status, "NumSegments": r.NumSegments, "DateSent": r.DateSent,
				"DateUpdated": r.DateUpdated, "PriceUnit": r.PriceUnit,
			}
			if r.Price != nil {
				body["Price"] = *r.Price
			}
			if ev, err := twilioPolled(r.Sid, body); err == nil {
				msgs = append(msgs, ev)
			}
		}
		return len(msgs)
	})
	if err != nil {
		return nil, err
	}
	return append(req.trim(calls), req.trim(msgs)...), nil
}

// pages follows next_page_uri until the list ends or req says to stop.
// collect returns the running number of events gathered so far.
func (c *TwilioClient) pages(ctx context.Context, creds Credentials, path string, req ListRequest, collect func(twilioPage) int) error {
	for pages := 0; path != ""; {
		var page twilioPage
		if err := c.get(ctx, creds, path, &page); err != nil {
			return err
		}
		pages++
		n := collect(page)
		path = ""
		if page.NextPageURI != nil && !req.Done(n, pages) {
			path = twilioNextPath(*page.NextPageURI)
		}
	}
	return nil
}

// twilioNextPath keeps only the path and query so credentials are only ever sent to baseURL.
func twilioNextPath(next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil || !strings.HasPrefix(u.Path, "/") {
		return ""
	}
	return u.RequestURI()
}

func twilioPolled(sid string, body map[string]any) (PolledEvent, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return PolledEvent{}, err
	}
	kind, _ := twilioKind(object(body))
	return PolledEvent{EventType: twilioEventType(kind, object(body)), NativeID: sid, Body: b}, nil
}

func (c *TwilioClient) get(ctx context.Context, creds Credentials, path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(creds["account_sid"], creds["auth_token"])
	return c.http.Do(ctx, ProviderTwilio, req, out)
}
