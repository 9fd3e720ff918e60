package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Provider identifies an external telephony/messaging platform.
type Provider string

const (
	ProviderVapi   Provider = "vapi"
	ProviderRetell Provider = "retell"
	ProviderTwilio Provider = "twilio"
	ProviderTelnyx Provider = "telnyx"
)

// Providers lists every provider with a normalizer variant.
var Providers = []Provider{ProviderVapi, ProviderRetell, ProviderTwilio, ProviderTelnyx}

func ParseProvider(s string) (Provider, bool) {
	for _, p := range Providers {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

type Capability string

const (
	CapabilityVoice Capability = "voice"
	CapabilitySMS   Capability = "sms"
)

// EventType is the canonical event classification.
type EventType string

const (
	EventTypeCall         EventType = "call"
	EventTypeSMS          EventType = "sms"
	EventTypeTranscript   EventType = "transcript"
	EventTypeRecording    EventType = "recording"
	EventTypeUnclassified EventType = "unclassified"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionUnknown  Direction = "unknown"
)

// Layer tags whether an event comes from the voice-agent platform or the carrier beneath it.
type Layer string

const (
	LayerAgent   Layer = "agent"
	LayerCarrier Layer = "carrier"
)

var (
	// ErrUnrecognizedEventShape means the payload parsed but could not be mapped.
	// Callers store such payloads as unclassified events instead of failing.
	ErrUnrecognizedEventShape = errors.New("telephony: unrecognized event shape")
	// ErrMalformedPayload means the body is not the JSON the provider sends.
	ErrMalformedPayload = errors.New("telephony: malformed payload")
	// ErrInvalidConfig means an integration's provider config blob does not decode.
	ErrInvalidConfig = errors.New("telephony: invalid integration config")
)

// Envelope is what the gateway needs from a payload before queueing it.
type Envelope struct {
	EventType  string
	NativeID   string
	EntityType EventType
}

// RawEvent is the queued payload: the provider body plus transport metadata.
// It is written by the gateway and the poller and read back by the normalizer.
type RawEvent struct {
	Provider   Provider          `json:"provider"`
	EventType  string            `json:"event_type"`
	Source     string            `json:"source"` // webhook | poll
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body"`
	ReceivedAt time.Time         `json:"received_at"`
}

// CanonicalEvent is the provider-agnostic view produced by a Normalizer.
type CanonicalEvent struct {
	NativeID        string
	Type            EventType
	Direction       Direction
	Layer           Layer
	CorrelationID   string
	ProviderAgentID string
	Status          string
	DurationSeconds int
	CostMicros      int64
	Currency        string
	OccurredAt      time.Time
	// SourceUpdatedAt orders competing versions of the same event.
	SourceUpdatedAt time.Time
	Fields          map[string]any
}

// Normalizer is one variant of the provider tagged union.
// Add providers by adding variants, not by branching inside shared code.
type Normalizer interface {
	Provider() Provider
	Layer() Layer
	Envelope(body []byte) (Envelope, error)
	Normalize(raw RawEvent) ([]CanonicalEvent, error)
}

// Credentials are decrypted provider credentials, held only for the duration of a call.
type Credentials map[string]string

// ListRequest selects what a Client fetches. Limit > 0 asks for the most recent
// Limit events; Limit == 0 asks for everything since Since, page by page.
type ListRequest struct {
	Since time.Time
	Limit int
	// MaxPages bounds how many pages one call may fetch; DefaultMaxPages when zero.
	MaxPages int
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
	DefaultMaxPages = 200
)

// PageSize is the per-request size sent to the provider. It is never zero.
func (r ListRequest) PageSize() int {
	if r.Limit > 0 && r.Limit <= MaxPageSize {
		return r.Limit
	}
	return DefaultPageSize
}

// Done reports whether a client that has collected n events over pages requests should stop.
func (r ListRequest) Done(n, pages int) bool {
	max := r.MaxPages
	if max <= 0 {
		max = DefaultMaxPages
	}
	if pages >= max {
		return true
	}
	return r.Limit > 0 && n >= r.Limit
}

func (r ListRequest) trim(events []PolledEvent) []PolledEvent {
	if r.Limit > 0 && len(events) > r.Limit {
		return events[:r.Limit]
	}
	return events
}

// PolledEvent is one candidate returned by a provider list API, already shaped
// like the body the provider's webhooks carry.
type PolledEvent struct {
	EventType string
	NativeID  string
	Body      json.RawMessage
}

// Client fetches recent or historical events from a provider API.
type Client interface {
	Provider() Provider
	ListEvents(ctx context.Context, creds Credentials, config json.RawMessage, req ListRequest) ([]PolledEvent, error)
}

// Registry resolves provider variants.
type Registry struct {
	normalizers map[Provider]Normalizer
	clients     map[Provider]Client
}

func NewRegistry() *Registry {
	return &Registry{normalizers: map[Provider]Normalizer{}, clients: map[Provider]Client{}}
}

// DefaultRegistry wires every built-in normalizer and, when http is non-nil, every polling client.
func DefaultRegistry(http *HTTPClient) *Registry {
	r := NewRegistry()
	r.RegisterNormalizer(VapiNormalizer{})
	r.RegisterNormalizer(RetellNormalizer{})
	r.RegisterNormalizer(TwilioNormalizer{})
	r.RegisterNormalizer(TelnyxNormalizer{})
	if http != nil {
		r.RegisterClient(NewVapiClient(http, ""))
		r.RegisterClient(NewRetellClient(http, ""))
		r.RegisterClient(NewTwilioClient(http, ""))
	}
	return r
}

func (r *Registry) RegisterNormalizer(n Normalizer) { r.normalizers[n.Provider()] = n }

func (r *Registry) RegisterClient(c Client) { r.clients[c.Provider()] = c }

func (r *Registry) Normalizer(p Provider) (Normalizer, bool) {
	n, ok := r.normalizers[p]
	return n, ok
}

func (r *Registry) Client(p Provider) (Client, bool) {
	c, ok := r.clients[p]
	return c, ok
}

// Pollable reports whether the provider has a list API the poller can use.
func (r *Registry) Pollable(p Provider) bool {
	_, ok := r.clients[p]
	return ok
}
