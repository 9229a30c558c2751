package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func proxySet(t *testing.T, entries ...string) *TrustedProxies {
	t.Helper()
	tp, err := NewTrustedProxies(entries)
	if err != nil {
		t.Fatalf("NewTrustedProxies(%v): %v", entries, err)
	}
	return tp
}

func ipRequest(remote, xff, realIP string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/images", nil)
	r.RemoteAddr = remote
	if xff != "" {
		r.Header.Set("X-Forwarded-For", xff)
	}
	if realIP != "" {
		r.Header.Set("X-Real-IP", realIP)
	}
	return r
}

func TestClientIPUntrustedPeerIgnoresHeaders(t *testing.T) {
	// Headers from an unknown peer are attacker-controlled.
	r := ipRequest("198.51.100.10:44321", "203.0.113.5", "203.0.113.6")
	if got := ClientIP(r, nil); got != "198.51.100.10" {
		t.Fatalf("ClientIP = %q, want peer address", got)
	}
	tp := proxySet(t, "10.0.0.0/8")
	if got := ClientIP(r, tp); got != "198.51.100.10" {
		t.Fatalf("ClientIP = %q, peer outside trusted ranges must win", got)
	}
}

func TestClientIPWalksForwardedChain(t *testing.T) {
	tp := proxySet(t, "10.0.0.0/8", "192.168.1.10")
	cases := []struct {
		name string
		xff  string
		want string
	}{
		{"single hop", "203.0.113.5", "203.0.113.5"},
		{"first untrusted from the right", "203.0.113.5, 10.0.0.10", "203.0.113.5"},
		{"client-forged prefix skipped", "1.2.3.4, 203.0.113.5, 10.0.0.10", "203.0.113.5"},
		{"all hops trusted returns origin", "10.0.0.5, 192.168.1.10", "10.0.0.5"},
		{"malformed hops dropped", "garbage, 203.0.113.5", "203.0.113.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := ipRequest("10.0.0.20:44321", tc.xff, "")
			if got := ClientIP(r, tp); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClientIPRealIPFallback(t *testing.T) {
	tp := proxySet(t, "10.0.0.0/8")
	r := ipRequest("10.0.0.20:44321", "", "203.0.113.7")
	if got := ClientIP(r, tp); got != "203.0.113.7" {
		t.Fatalf("ClientIP = %q, want X-Real-IP value", got)
	}
	// Without either header the trusted peer itself is the answer.
	r = ipRequest("10.0.0.20:44321", "", "")
	if got := ClientIP(r, tp); got != "10.0.0.20" {
		t.Fatalf("ClientIP = %q, want peer address", got)
	}
}

func TestNewTrustedProxiesParsing(t *testing.T) {
	if tp := proxySet(t, "10.0.0.0/8", "2001:db8::1", " "); tp == nil {
		t.Fatal("expected non-nil set for valid entries")
	}
	if tp := proxySet(t); tp != nil {
		t.Fatal("expected nil set for no entries")
	}
	if _, err := NewTrustedProxies([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/99"}); err == nil {
		t.Fatal("expected parse error for bad prefix length")
	}
}
