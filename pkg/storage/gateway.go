package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"drawgallery/pkg/imaging"
)

// ErrUploadFailed wraps any failure while handing bytes to the blob store.
var ErrUploadFailed = errors.New("blob upload failed")

// UploadResult carries the stable locator and the server-observed facts
// about a stored blob. Size is authoritative; Width/Height are best-effort
// probes of the actual bytes, never caller-supplied metadata.
type UploadResult struct {
	Key    string
	URL    string
	Size   int64
	Width  int
	Height int
}

// Gateway uploads image bytes to the object store under deterministic
// per-user, per-day key paths and deletes them by key.
type Gateway struct {
	objects       ObjectStore
	publicBaseURL string
	timeout       time.Duration
}

// NewGateway wires the gateway over an object store. publicBaseURL is the
// externally reachable prefix blobs are served from.
func NewGateway(objects ObjectStore, publicBaseURL string, timeout time.Duration) (*Gateway, error) {
	base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if base == "" {
		return nil, errors.New("public base URL required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{objects: objects, publicBaseURL: base, timeout: timeout}, nil
}

// Upload stores raw image bytes and returns the locator plus authoritative
// size and probed dimensions. The external call runs under a bounded
// timeout; callers must not hold any per-user lock across it.
func (g *Gateway) Upload(ctx context.Context, data []byte, ownerID, folder string) (UploadResult, error) {
	key := buildKey(folder, ownerID, time.Now().UTC())
	width, height := imaging.Dimensions(data)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	size, err := g.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), http.DetectContentType(data))
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	return UploadResult{
		Key:    key,
		URL:    g.publicBaseURL + "/" + key,
		Size:   size,
		Width:  width,
		Height: height,
	}, nil
}

// Delete removes a blob by its locator. Failures are returned for logging;
// by contract they never block or roll back the caller's primary operation.
func (g *Gateway) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.objects.Delete(ctx, key)
}

// buildKey shapes "{folder}/user_{ownerId}/{yyyy/mm/dd}/{uuid}.png". The
// random name component makes collisions effectively impossible.
func buildKey(folder, ownerID string, now time.Time) string {
	return fmt.Sprintf("%s/user_%s/%s/%s.png",
		strings.Trim(folder, "/"), ownerID, now.Format("2006/01/02"), uuid.NewString())
}
