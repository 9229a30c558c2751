package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestLimiter(t *testing.T, r *miniredis.Miniredis, limit int) *FixedWindowLimiter {
	t.Helper()
	l, err := New(Config{
		Addr:   r.Addr(),
		Prefix: "test:ratelimit",
		Limit:  limit,
		Window: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestLimiterAdmitsUpToLimitPerKey(t *testing.T) {
	r := miniredis.RunT(t)
	l := newTestLimiter(t, r, 2)

	for i := 0; i < 2; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d denied under the limit", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request over the limit admitted")
	}
	// Keys are independent windows.
	if !l.Allow("10.0.0.2") {
		t.Fatal("fresh key denied")
	}
}

func TestLimiterWindowRollover(t *testing.T) {
	r := miniredis.RunT(t)
	l := newTestLimiter(t, r, 1)

	if !l.Allow("10.0.0.1") {
		t.Fatal("first request denied")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("second request in window admitted")
	}
	// The counter key carries the window slot, so after the window
	// elapses a new key is counted from zero.
	r.FastForward(2 * time.Second)
	time.Sleep(1100 * time.Millisecond)
	if !l.Allow("10.0.0.1") {
		t.Fatal("request in next window denied")
	}
}

func TestLimiterFailsClosedOnRedisError(t *testing.T) {
	r := miniredis.RunT(t)
	l := newTestLimiter(t, r, 5)
	r.Close()
	if l.Allow("10.0.0.1") {
		t.Fatal("limiter admitted with redis down")
	}
}

func TestLimiterConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing addr", Config{Limit: 1, Window: time.Second}},
		{"zero limit", Config{Addr: "localhost:6379", Window: time.Second}},
		{"zero window", Config{Addr: "localhost:6379", Limit: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if l, err := New(tc.cfg); err == nil || l != nil {
				t.Fatalf("expected config error, got limiter=%v err=%v", l, err)
			}
		})
	}
}
