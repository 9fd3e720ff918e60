// Package signature authenticates webhook requests.
//
// A request is valid only when its timestamp is fresh and its HMAC matches one
// of the integration's active secrets. Freshness is checked first so an old
// request is rejected as stale even when its signature is correct.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"hash"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"

	DefaultAlgorithm = "sha256"
	DefaultWindow    = 5 * time.Minute
)

var (
	ErrAuthentication = errors.New("signature: authentication failed")
	ErrStaleRequest   = errors.New("signature: stale request")
)

type Result string

const (
	Valid    Result = "valid"
	Invalid  Result = "invalid"
	Stale    Result = "stale"
	Unsigned Result = "unsigned"
)

// Err maps a result to the error taxonomy. Valid and Unsigned return nil.
func (r Result) Err() error {
	switch r {
	case Invalid:
		return ErrAuthentication
	case Stale:
		return ErrStaleRequest
	}
	return nil
}

// Secret is one decrypted signing key.
type Secret struct {
	Version   int
	Algorithm string
	Key       []byte
}

func newHash(alg string) (func() hash.Hash, bool) {
	switch strings.ToLower(alg) {
	case "", "sha256":
		return sha256.New, true
	case "sha1":
		return sha1.New, true
	case "sha512":
		return sha512.New, true
	}
	return nil, false
}

func SupportedAlgorithm(alg string) bool {
	_, ok := newHash(alg)
	return ok
}

// Sign returns the header value "<alg>=<hex>" for body.
func Sign(alg string, key, body []byte) string {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	h, ok := newHash(alg)
	if !ok {
		return ""
	}
	m := hmac.New(h, key)
	m.Write(body)
	return strings.ToLower(alg) + "=" + hex.EncodeToString(m.Sum(nil))
}

type Verifier struct {
	Window time.Duration
	Now    func() time.Time
}

func NewVerifier(window time.Duration) Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return Verifier{Window: window, Now: time.Now}
}

// Verify checks body against the signature and timestamp header values.
// An empty secret set yields Unsigned; the caller decides whether that is acceptable.
func (v Verifier) Verify(body []byte, sigHeader, tsHeader string, secrets []Secret) Result {
	if len(secrets) == 0 {
		return Unsigned
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	window := v.Window
	if window <= 0 {
		window = DefaultWindow
	}

	ts, ok := ParseTimestamp(tsHeader)
	if !ok {
		return Stale
	}
	if d := now().Sub(ts); d > window || d < -window {
		return Stale
	}

	alg, digest, ok := parseHeader(sigHeader)
	if !ok {
		return Invalid
	}
	want, err := hex.DecodeString(digest)
	if err != nil {
		return Invalid
	}
	h, ok := newHash(alg)
	if !ok {
		return Invalid
	}
	for _, s := range secrets {
		if !strings.EqualFold(firstNonEmpty(s.Algorithm, DefaultAlgorithm), alg) {
			continue
		}
		m := hmac.New(h, s.Key)
		m.Write(body)
		if hmac.Equal(m.Sum(nil), want) {
			return Valid
		}
	}
	return Invalid
}

// parseHeader splits "<alg>=<hex>". A bare hex digest means sha256.
func parseHeader(v string) (alg, digest string, ok bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", "", false
	}
	alg, digest, found := strings.Cut(v, "=")
	if !found {
		return DefaultAlgorithm, v, true
	}
	if alg == "" || digest == "" {
		return "", "", false
	}
	return strings.ToLower(alg), digest, true
}

// ParseTimestamp accepts unix seconds, unix milliseconds, or RFC 3339.
func ParseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, false
		}
		if n > 1e11 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
