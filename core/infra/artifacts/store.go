// Package artifacts stores build artifacts as immutable blobs keyed by
// scope and content hash.
package artifacts

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Metadata keys persisted next to every artifact.
const (
	MetaDuration          = "duration"
	MetaTag               = "tag"
	MetaClientCI          = "client-ci"
	MetaClientInteractive = "client-interactive"
)

// DefaultContentType is reported when the backend has no content type.
const DefaultContentType = "application/octet-stream"

var metadataKeys = []string{MetaDuration, MetaTag, MetaClientCI, MetaClientInteractive}

// Metadata is the string-only attribute map stored with an artifact. Every
// known key is always present; missing values are empty strings.
type Metadata map[string]string

// NewMetadata builds a complete metadata map.
func NewMetadata(duration, tag, clientCI, clientInteractive string) Metadata {
	return Metadata{
		MetaDuration:          duration,
		MetaTag:               tag,
		MetaClientCI:          clientCI,
		MetaClientInteractive: clientInteractive,
	}
}

// NormalizeMetadata maps backend metadata (any key casing, with or without
// x-amz-meta- or artifact- prefixes) onto the known keys.
func NormalizeMetadata(in map[string]string) Metadata {
	out := NewMetadata("", "", "", "")
	for k, v := range in {
		key := strings.ToLower(strings.TrimSpace(k))
		key = strings.TrimPrefix(key, "x-amz-meta-")
		key = strings.TrimPrefix(key, "artifact-")
		if _, ok := out[key]; ok {
			out[key] = v
		}
	}
	return out
}

// Tag returns the provenance tag, or "".
func (m Metadata) Tag() string {
	return m[MetaTag]
}

// DurationMs returns the recorded task duration in milliseconds, or 0 when
// absent or malformed.
func (m Metadata) DurationMs() int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(m[MetaDuration]), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Info describes a stored artifact without its body.
type Info struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	Metadata     Metadata
}

// Object is a stored artifact with a streaming body. Callers close Body.
type Object struct {
	Info
	Body io.ReadCloser
}

// Store is the object store contract used by the gateway. Put is last write
// wins. Get and Head return backend.ErrNotFound for unknown keys; adapters
// classify transport failures as backend unavailable.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta Metadata) error
	Get(ctx context.Context, key string) (*Object, error)
	Head(ctx context.Context, key string) (*Info, error)
	// Ping performs a lightweight bucket existence check.
	Ping(ctx context.Context) error
}

// Presigner is implemented by stores that can hand out time-limited direct
// URLs to objects.
type Presigner interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	// PresignRequest signs method plus the given headers. Authorization is
	// never part of the signature.
	PresignRequest(ctx context.Context, method, key string, headers http.Header, expiry time.Duration) (string, error)
}

// Key builds the object key for a hash inside a scope.
func Key(scope, hash string) string {
	return scope + "/artifacts/" + hash
}

const maxSegmentLen = 128

// ValidSegment reports whether s can be used as a scope or hash key segment.
func ValidSegment(s string) bool {
	if s == "" || len(s) > maxSegmentLen || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// SignableHeaders drops headers that must never be bound into a presigned
// signature and canonicalizes the rest.
func SignableHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		canonical := http.CanonicalHeaderKey(strings.TrimSpace(name))
		if canonical == "" || canonical == "Authorization" || canonical == "Host" {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	return out
}
