package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"drawgallery/internal/app"
	"drawgallery/internal/ratelimit"
	"drawgallery/pkg/domain"
	"drawgallery/pkg/storage"
	"drawgallery/pkg/store"
)

type stubGateway struct {
	mu      sync.Mutex
	uploads int
	deleted []string
}

func (g *stubGateway) Upload(_ context.Context, data []byte, ownerID, folder string) (storage.UploadResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uploads++
	key := fmt.Sprintf("%s/user_%s/blob-%d.png", folder, ownerID, g.uploads)
	return storage.UploadResult{Key: key, URL: "https://cdn.test/" + key, Size: int64(len(data))}, nil
}

func (g *stubGateway) Delete(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, key)
	return nil
}

type stubCodes struct{ code string }

func (c *stubCodes) CreateCode(string) (string, error) { return c.code, nil }

func (c *stubCodes) VerifyCode(_, code string) error {
	if code != c.code {
		return fmt.Errorf("incorrect verification code")
	}
	return nil
}

type silentMailer struct{}

func (silentMailer) SendCode(string, string) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	a, err := app.New(app.Config{
		JWTSecret: "test-secret",
		Store:     mem,
		Blobs:     &stubGateway{},
		Verify:    &stubCodes{code: "123456"},
		Mailer:    silentMailer{},
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	srv := httptest.NewServer(New(Config{App: a}).Router())
	t.Cleanup(srv.Close)
	return srv, mem
}

func pngPayload(size int) string {
	data := make([]byte, size)
	copy(data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	return base64.StdEncoding.EncodeToString(data)
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func doRequest(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func registerUser(t *testing.T, srv *httptest.Server, email string) string {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/auth/register", "", map[string]string{
		"email": email, "password": "hunter22", "code": "123456",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var session struct {
		Token string `json:"token"`
	}
	decodeInto(t, resp, &session)
	if session.Token == "" {
		t.Fatal("empty session token")
	}
	return session.Token
}

func TestImageLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerUser(t, srv, "user@example.com")

	// Create.
	resp := postJSON(t, srv.URL+"/api/images/add", token, map[string]any{
		"imageData": pngPayload(500),
		"prompt":    "a lighthouse at dusk",
		"model":     "sd-xl",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d", resp.StatusCode)
	}
	var created domain.Asset
	decodeInto(t, resp, &created)
	if created.PublicID == "" || created.URL == "" {
		t.Fatalf("incomplete asset: %+v", created)
	}
	if created.ByteSize != 500 {
		t.Fatalf("byteSize = %d, want 500", created.ByteSize)
	}

	// Storage reflects the upload.
	resp = doRequest(t, http.MethodGet, srv.URL+"/api/storage", token, nil)
	var usage struct {
		UsedBytes    int64 `json:"usedBytes"`
		CurrentItems int   `json:"currentItems"`
	}
	decodeInto(t, resp, &usage)
	if usage.UsedBytes != 500 || usage.CurrentItems != 1 {
		t.Fatalf("usage = %+v", usage)
	}

	// List includes it.
	resp = doRequest(t, http.MethodGet, srv.URL+"/api/images/list", token, nil)
	var listing struct {
		Items []domain.Asset `json:"items"`
		Count int            `json:"count"`
	}
	decodeInto(t, resp, &listing)
	if listing.Count != 1 || listing.Items[0].PublicID != created.PublicID {
		t.Fatalf("listing = %+v", listing)
	}

	// Update the prompt.
	resp = doRequest(t, http.MethodPut, srv.URL+"/api/images/"+created.PublicID, token,
		map[string]string{"prompt": "a lighthouse at dawn"})
	var updated domain.Asset
	decodeInto(t, resp, &updated)
	if updated.Prompt != "a lighthouse at dawn" {
		t.Fatalf("prompt = %q", updated.Prompt)
	}

	// Delete, then the asset is gone and quota restored.
	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/images/"+created.PublicID, token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodGet, srv.URL+"/api/images/"+created.PublicID, token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted status = %d", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodGet, srv.URL+"/api/storage", token, nil)
	decodeInto(t, resp, &usage)
	if usage.UsedBytes != 0 || usage.CurrentItems != 0 {
		t.Fatalf("usage after delete = %+v", usage)
	}
}

func TestSimpleListingTruncatesPrompt(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerUser(t, srv, "user@example.com")

	long := make([]byte, 80)
	for i := range long {
		long[i] = 'p'
	}
	resp := postJSON(t, srv.URL+"/api/images/add", token, map[string]any{
		"imageData": pngPayload(200),
		"prompt":    string(long),
		"model":     "sd-xl",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/images/list?simple=true", token, nil)
	var listing struct {
		Items []domain.Summary `json:"items"`
	}
	decodeInto(t, resp, &listing)
	if len(listing.Items) != 1 {
		t.Fatalf("items = %d", len(listing.Items))
	}
	if got := listing.Items[0].Prompt; len([]rune(got)) != 53 || got[:3] != "ppp" {
		t.Fatalf("truncated prompt = %q (len %d)", got, len([]rune(got)))
	}
}

func TestErrorCodes(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerUser(t, srv, "user@example.com")

	cases := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"bad base64", map[string]any{"imageData": "!!!", "prompt": "p", "model": "m"}, http.StatusBadRequest, "InvalidEncoding"},
		{"not an image", map[string]any{"imageData": base64.StdEncoding.EncodeToString(make([]byte, 200)), "prompt": "p", "model": "m"}, http.StatusBadRequest, "NotAnImage"},
		{"too small", map[string]any{"imageData": base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'}), "prompt": "p", "model": "m"}, http.StatusBadRequest, "PayloadTooSmall"},
		{"too large", map[string]any{"imageData": pngPayload(domain.DefaultMaxFileBytes + 1), "prompt": "p", "model": "m"}, http.StatusBadRequest, "FileTooLarge"},
		{"missing prompt", map[string]any{"imageData": pngPayload(200), "model": "m"}, http.StatusBadRequest, "ValidationError"},
	}
	for _, tc := range cases {
		resp := postJSON(t, srv.URL+"/api/images/add", token, tc.body)
		var body struct {
			Code string `json:"code"`
		}
		status := resp.StatusCode
		decodeInto(t, resp, &body)
		if status != tc.status || body.Code != tc.code {
			t.Errorf("%s: got %d/%s, want %d/%s", tc.name, status, body.Code, tc.status, tc.code)
		}
	}

	// Unknown asset.
	resp := doRequest(t, http.MethodGet, srv.URL+"/api/images/img-000000aaaa", token, nil)
	var body struct {
		Code string `json:"code"`
	}
	status := resp.StatusCode
	decodeInto(t, resp, &body)
	if status != http.StatusNotFound || body.Code != "NotFound" {
		t.Fatalf("unknown asset: %d/%s", status, body.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/api/images/add", "/api/images/list", "/api/storage"} {
		resp := doRequest(t, http.MethodGet, srv.URL+path, "", nil)
		var body struct {
			Code string `json:"code"`
		}
		status := resp.StatusCode
		decodeInto(t, resp, &body)
		if status != http.StatusUnauthorized || body.Code != "Unauthorized" {
			t.Errorf("%s: got %d/%s, want 401/Unauthorized", path, status, body.Code)
		}
	}
	resp := doRequest(t, http.MethodGet, srv.URL+"/api/images/list", "garbage-token", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", resp.StatusCode)
	}
}

func TestRegisterValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	// Wrong verification code.
	resp := postJSON(t, srv.URL+"/api/auth/register", "", map[string]string{
		"email": "user@example.com", "password": "pw", "code": "999999",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("wrong code status = %d", resp.StatusCode)
	}

	registerUser(t, srv, "user@example.com")

	// Duplicate email.
	resp = postJSON(t, srv.URL+"/api/auth/register", "", map[string]string{
		"email": "user@example.com", "password": "pw", "code": "123456",
	})
	var body struct {
		Code string `json:"code"`
	}
	status := resp.StatusCode
	decodeInto(t, resp, &body)
	if status != http.StatusConflict || body.Code != "EmailTaken" {
		t.Fatalf("duplicate email: %d/%s", status, body.Code)
	}

	// Bad login.
	resp = postJSON(t, srv.URL+"/api/auth/login", "", map[string]string{
		"email": "user@example.com", "password": "wrong",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", resp.StatusCode)
	}
}

func TestAuthRateLimit(t *testing.T) {
	mem := store.NewMemoryStore()
	a, err := app.New(app.Config{
		JWTSecret: "test-secret",
		Store:     mem,
		Blobs:     &stubGateway{},
		Verify:    &stubCodes{code: "123456"},
		Mailer:    silentMailer{},
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.New(ratelimit.Config{
		Addr:   redis.Addr(),
		Prefix: "test:ratelimit",
		Limit:  2,
		Window: time.Minute,
	})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	srv := httptest.NewServer(New(Config{App: a, AuthLimiter: limiter}).Router())
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp := postJSON(t, srv.URL+"/api/auth/login", "", map[string]string{"email": "a@b.c", "password": "x"})
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("request %d limited too early", i)
		}
	}
	resp := postJSON(t, srv.URL+"/api/auth/login", "", map[string]string{"email": "a@b.c", "password": "x"})
	var body struct {
		Code string `json:"code"`
	}
	status := resp.StatusCode
	decodeInto(t, resp, &body)
	if status != http.StatusTooManyRequests || body.Code != "RateLimited" {
		t.Fatalf("third request: %d/%s, want 429/RateLimited", status, body.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}
