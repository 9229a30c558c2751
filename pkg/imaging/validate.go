package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	// ErrInvalidEncoding indicates the payload is not valid base64, or a
	// data URI prefix is missing its comma separator.
	ErrInvalidEncoding = errors.New("invalid image encoding")
	// ErrPayloadTooSmall indicates the decoded payload is below the minimum
	// plausible image size.
	ErrPayloadTooSmall = errors.New("image payload too small")
	// ErrNotAnImage indicates the decoded bytes match no known image
	// signature.
	ErrNotAnImage = errors.New("payload is not an image")
)

// MinDecodedBytes is the smallest decoded payload accepted as an image.
const MinDecodedBytes = 100

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Decode validates an encoded image payload and returns the raw bytes.
// The input may carry a "data:<mime>;base64," prefix; when the prefix is
// present the comma separator is mandatory. Decode is pure: it performs no
// side effects over the input.
func Decode(payload string) ([]byte, error) {
	raw := strings.TrimSpace(payload)
	if strings.HasPrefix(raw, "data:") {
		idx := strings.Index(raw, ",")
		if idx < 0 {
			return nil, ErrInvalidEncoding
		}
		raw = raw[idx+1:]
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if len(decoded) < MinDecodedBytes {
		return nil, ErrPayloadTooSmall
	}
	if !hasImageSignature(decoded) {
		return nil, ErrNotAnImage
	}
	return decoded, nil
}

func hasImageSignature(data []byte) bool {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return true // JPEG
	case bytes.HasPrefix(data, pngSignature):
		return true
	case bytes.HasPrefix(data, []byte("GIF8")):
		return true
	case bytes.HasPrefix(data, []byte("BM")):
		return true // BMP
	case bytes.HasPrefix(data, []byte("RIFF")):
		return true // WEBP container
	default:
		return false
	}
}

// Dimensions probes pixel width and height from raw image bytes. It is
// best-effort: unparseable headers yield (0, 0) rather than an error, so
// callers never trust payload metadata they did not decode themselves.
func Dimensions(data []byte) (width, height int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
