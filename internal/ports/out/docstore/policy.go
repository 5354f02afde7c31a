package docstore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/chess-club/federation-api/internal/domain"
)

// DefaultAllowedExtensions is used when no whitelist is configured.
var DefaultAllowedExtensions = []string{"jpg", "jpeg", "png", "webp"}

// DefaultMaxBytes bounds a single document image (10 MiB).
const DefaultMaxBytes int64 = 10 << 20

// Policy holds the configurable upload constraints.
type Policy struct {
	AllowedExtensions []string
	MaxBytes          int64
}

func DefaultPolicy() Policy {
	return Policy{
		AllowedExtensions: append([]string(nil), DefaultAllowedExtensions...),
		MaxBytes:          DefaultMaxBytes,
	}
}

// Extension returns the normalized (lowercase, no dot) extension of filename.
func Extension(filename string) string {
	ext := filepath.Ext(strings.TrimSpace(filename))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Check validates an upload against the policy and returns its normalized extension.
func (p Policy) Check(u domain.Upload) (string, error) {
	ext := Extension(u.Filename)
	if ext == "" || !p.allows(ext) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if len(u.Data) == 0 {
		return "", ErrEmpty
	}
	if p.MaxBytes > 0 && int64(len(u.Data)) > p.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(u.Data), p.MaxBytes)
	}
	return ext, nil
}

func (p Policy) allows(ext string) bool {
	allowed := p.AllowedExtensions
	if len(allowed) == 0 {
		allowed = DefaultAllowedExtensions
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(strings.TrimSpace(a), "."), ext) {
			return true
		}
	}
	return false
}

// CanonicalName is the published file name of a side, e.g. "front.jpg".
func CanonicalName(side domain.DocumentSide, ext string) string {
	return string(side) + "." + ext
}

// ContentType returns the MIME type served for a stored extension.
func ContentType(ext string) string {
	switch strings.ToLower(ext) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
