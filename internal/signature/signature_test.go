package signature

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func verifier() Verifier {
	return Verifier{Window: 5 * time.Minute, Now: func() time.Time { return fixedNow }}
}

func unix(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }

func TestVerifyValid(t *testing.T) {
	body := []byte(`{"message":{"type":"status-update"}}`)
	secrets := []Secret{{Version: 1, Algorithm: "sha256", Key: []byte("k1")}}
	sig := Sign("sha256", []byte("k1"), body)

	if got := verifier().Verify(body, sig, unix(fixedNow), secrets); got != Valid {
		t.Fatalf("expected valid, got %s", got)
	}
}

func TestVerifyAlgorithms(t *testing.T) {
	body := []byte(`{}`)
	for _, alg := range []string{"sha1", "sha256", "sha512"} {
		secrets := []Secret{{Algorithm: alg, Key: []byte("k")}}
		if got := verifier().Verify(body, Sign(alg, []byte("k"), body), unix(fixedNow), secrets); got != Valid {
			t.Fatalf("%s: expected valid, got %s", alg, got)
		}
	}
	secrets := []Secret{{Algorithm: "sha256", Key: []byte("k")}}
	if got := verifier().Verify(body, Sign("sha1", []byte("k"), body), unix(fixedNow), secrets); got != Invalid {
		t.Fatalf("algorithm mismatch must be invalid, got %s", got)
	}
}

func TestVerifySingleByteFlip(t *testing.T) {
	body := []byte(`{"call":{"id":"abc","cost":0.5}}`)
	secrets := []Secret{{Algorithm: "sha256", Key: []byte("secret")}}
	sig := Sign("sha256", []byte("secret"), body)
	for i := range body {
		flipped := append([]byte(nil), body...)
		flipped[i] ^= 0x01
		if got := verifier().Verify(flipped, sig, unix(fixedNow), secrets); got != Invalid {
			t.Fatalf("flip at %d: expected invalid, got %s", i, got)
		}
	}
}

func TestVerifyStaleRegardlessOfSignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	secrets := []Secret{{Algorithm: "sha256", Key: []byte("k")}}
	good := Sign("sha256", []byte("k"), body)

	tests := []struct {
		name string
		ts   string
		sig  string
	}{
		{"old valid signature", unix(fixedNow.Add(-6 * time.Minute)), good},
		{"future valid signature", unix(fixedNow.Add(6 * time.Minute)), good},
		{"old bad signature", unix(fixedNow.Add(-time.Hour)), "sha256=00"},
		{"missing timestamp", "", good},
		{"garbage timestamp", "yesterday", good},
	}
	for _, tt := range tests {
		if got := verifier().Verify(body, tt.sig, tt.ts, secrets); got != Stale {
			t.Fatalf("%s: expected stale, got %s", tt.name, got)
		}
	}
}

func TestVerifyTimestampFormats(t *testing.T) {
	body := []byte(`{}`)
	secrets := []Secret{{Key: []byte("k")}}
	sig := Sign("", []byte("k"), body)
	for _, ts := range []string{
		unix(fixedNow.Add(-4 * time.Minute)),
		strconv.FormatInt(fixedNow.Add(-time.Minute).UnixMilli(), 10),
		fixedNow.Add(time.Minute).Format(time.RFC3339),
	} {
		if got := verifier().Verify(body, sig, ts, secrets); got != Valid {
			t.Fatalf("ts %q: expected valid, got %s", ts, got)
		}
	}
}

func TestVerifyRotationGrace(t *testing.T) {
	body := []byte(`{"x":true}`)
	secrets := []Secret{
		{Version: 2, Algorithm: "sha256", Key: []byte("new")},
		{Version: 1, Algorithm: "sha256", Key: []byte("old")},
	}
	for _, key := range []string{"new", "old"} {
		if got := verifier().Verify(body, Sign("sha256", []byte(key), body), unix(fixedNow), secrets); got != Valid {
			t.Fatalf("key %s: expected valid, got %s", key, got)
		}
	}
	if got := verifier().Verify(body, Sign("sha256", []byte("other"), body), unix(fixedNow), secrets); got != Invalid {
		t.Fatalf("unknown key: expected invalid, got %s", got)
	}
}

func TestVerifyUnsignedAndMalformed(t *testing.T) {
	if got := verifier().Verify([]byte(`{}`), "", "", nil); got != Unsigned {
		t.Fatalf("expected unsigned, got %s", got)
	}
	secrets := []Secret{{Key: []byte("k")}}
	for _, sig := range []string{"", "sha256=", "sha256=zz", "md5=abcd"} {
		if got := verifier().Verify([]byte(`{}`), sig, unix(fixedNow), secrets); got != Invalid {
			t.Fatalf("sig %q: expected invalid, got %s", sig, got)
		}
	}
}

func TestResultErr(t *testing.T) {
	if !errors.Is(Invalid.Err(), ErrAuthentication) || !errors.Is(Stale.Err(), ErrStaleRequest) {
		t.Fatalf("unexpected error mapping")
	}
	if Valid.Err() != nil || Unsigned.Err() != nil {
		t.Fatalf("valid and unsigned carry no error")
	}
}
