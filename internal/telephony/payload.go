package telephony

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// object is a decoded JSON object. Numbers stay json.Number so costs keep their exact decimal form.
type object map[string]any

func decodeObject(body []byte) (object, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: expected JSON object", ErrMalformedPayload)
	}
	return object(m), nil
}

// fallbackEnvelope describes a well-formed body that lacks the provider's wrapper.
// It is queued as unclassified rather than rejected.
func fallbackEnvelope(root object) Envelope {
	return Envelope{
		EventType:  firstNonEmpty(root.str("type"), root.str("event"), root.str("event_type")),
		NativeID:   root.str("id"),
		EntityType: EventTypeUnclassified,
	}
}

func decodeConfig(config json.RawMessage, into any) error {
	if len(bytes.TrimSpace(config)) == 0 {
		return nil
	}
	if err := json.Unmarshal(config, into); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (o object) obj(key string) object {
	if o == nil {
		return nil
	}
	m, _ := o[key].(map[string]any)
	return object(m)
}

func (o object) str(key string) string {
	if o == nil {
		return ""
	}
	switch v := o[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// num returns the raw decimal text of a numeric or numeric-string field.
func (o object) num(key string) string {
	if o == nil {
		return ""
	}
	switch v := o[key].(type) {
	case json.Number:
		return v.String()
	case string:
		return strings.TrimSpace(v)
	}
	return ""
}

func (o object) int(key string) int {
	s := o.num(key)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

// time parses RFC 3339 strings, RFC 1123 strings (Twilio API), or unix seconds/millis numbers.
func (o object) time(key string) time.Time {
	if o == nil {
		return time.Time{}
	}
	switch v := o[key].(type) {
	case string:
		return parseTime(v)
	case json.Number:
		return parseUnix(v.String())
	}
	return time.Time{}
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return parseUnix(s)
}

func parseUnix(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	// Anything past year ~5138 in seconds is really milliseconds.
	if n > 1e11 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// fields copies the named keys present in o into a normalized payload map.
func (o object) fields(keys ...string) map[string]any {
	out := map[string]any{}
	for _, k := range keys {
		if v, ok := o[k]; ok && v != nil {
			out[k] = v
		}
	}
	return out
}

func firstNonZero(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
