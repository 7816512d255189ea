// Package signer mints the short-lived, per-file URLs handed out in query
// manifests.
package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/duckshare/internal/storage"
)

const DefaultTTL = 15 * time.Minute

// GatewayPathPrefix is where the server mounts the signed file gateway.
const GatewayPathPrefix = "/v1/files/"

var (
	ErrInvalidSignature = errors.New("invalid url signature")
	ErrExpired          = errors.New("signed url expired")
)

type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// URLSigner signs one object key. Each URL grants access to that object only.
type URLSigner interface {
	Sign(ctx context.Context, key string) (SignedURL, error)
	Name() string
}

// S3Signer delegates to the object store's native presigning.
type S3Signer struct {
	presigner storage.Presigner
	ttl       time.Duration
	now       func() time.Time
}

func NewS3Signer(presigner storage.Presigner, ttl time.Duration) (*S3Signer, error) {
	if presigner == nil {
		return nil, fmt.Errorf("presigner is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &S3Signer{presigner: presigner, ttl: ttl, now: time.Now}, nil
}

func (s *S3Signer) Name() string { return "s3" }

func (s *S3Signer) Sign(ctx context.Context, key string) (SignedURL, error) {
	// Take the expiry before signing so the reported value never outlives
	// the real one.
	expiresAt := s.now().UTC().Add(s.ttl).Truncate(time.Millisecond)
	signed, err := s.presigner.PresignGet(ctx, key, s.ttl)
	if err != nil {
		return SignedURL{}, err
	}
	return SignedURL{URL: signed, ExpiresAt: expiresAt}, nil
}

// GatewaySigner signs URLs served by the server's own file gateway with an
// HMAC over the object key and the expiry.
type GatewaySigner struct {
	baseURL string
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

func NewGatewaySigner(baseURL, secret string, ttl time.Duration) (*GatewaySigner, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid gateway base url %q", baseURL)
	}
	if secret == "" {
		return nil, fmt.Errorf("gateway secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &GatewaySigner{baseURL: baseURL, secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the time source. Used by tests.
func (g *GatewaySigner) WithClock(now func() time.Time) *GatewaySigner {
	clone := *g
	clone.now = now
	return &clone
}

func (g *GatewaySigner) Name() string { return "gateway" }

func (g *GatewaySigner) Sign(_ context.Context, key string) (SignedURL, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return SignedURL{}, fmt.Errorf("object key is required")
	}
	expiresAt := g.now().UTC().Add(g.ttl).Truncate(time.Millisecond)
	expires := strconv.FormatInt(expiresAt.UnixMilli(), 10)

	query := url.Values{}
	query.Set("expires", expires)
	query.Set("sig", g.signature(key, expires))
	return SignedURL{
		URL:       g.baseURL + GatewayPathPrefix + escapeKey(key) + "?" + query.Encode(),
		ExpiresAt: expiresAt,
	}, nil
}

// Verify checks a gateway request for key carrying the expires and sig
// query parameters.
func (g *GatewaySigner) Verify(key, expires, sig string) error {
	if expires == "" || sig == "" {
		return ErrInvalidSignature
	}
	expected := g.signature(key, expires)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ErrInvalidSignature
	}
	ms, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if !g.now().UTC().Before(time.UnixMilli(ms)) {
		return ErrExpired
	}
	return nil
}

func (g *GatewaySigner) signature(key, expires string) string {
	mac := hmac.New(sha256.New, g.secret)
	_, _ = mac.Write([]byte("GET\n" + key + "\n" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
