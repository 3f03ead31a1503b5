package principal

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Rapheal7/My-Agent/pkg/gateway/auth"
)

func TestResolve_APIKeyWins(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/voice", nil)
	r = r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{APIKey: "va_sk_test"}))
	r.RemoteAddr = "203.0.113.9:4821"

	got := Resolve(r, false)
	if got.Kind != KindAPIKey {
		t.Fatalf("kind=%q", got.Kind)
	}
	if got.Raw != "va_sk_test" {
		t.Fatalf("raw=%q", got.Raw)
	}
	if !strings.HasPrefix(got.Key, "k_") {
		t.Fatalf("key=%q", got.Key)
	}
}

func TestResolve_FallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/voice", nil)
	r.RemoteAddr = "203.0.113.9:4821"

	got := Resolve(r, false)
	if got.Kind != KindIP {
		t.Fatalf("kind=%q", got.Kind)
	}
	if got.Raw != "203.0.113.9" {
		t.Fatalf("raw=%q", got.Raw)
	}
	if !strings.HasPrefix(got.Key, "ip_") {
		t.Fatalf("key=%q", got.Key)
	}
}

func TestResolve_ProxyHeadersOnlyWhenTrusted(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/voice", nil)
	r.RemoteAddr = "10.0.0.2:9999"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.2")

	untrusted := Resolve(r, false)
	if untrusted.Raw != "10.0.0.2" {
		t.Fatalf("untrusted raw=%q", untrusted.Raw)
	}

	trusted := Resolve(r, true)
	if trusted.Raw != "198.51.100.7" {
		t.Fatalf("trusted raw=%q", trusted.Raw)
	}
}

func TestResolve_GarbageRemoteAddrIsAnonymous(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/voice", nil)
	r.RemoteAddr = "not-an-ip"

	got := Resolve(r, false)
	if got.Kind != KindAnon || got.Key != "anonymous" {
		t.Fatalf("resolved=%+v", got)
	}
}
