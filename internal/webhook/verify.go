// Package webhook verifies inbound provider webhook signatures.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"go.uber.org/zap"

	"github.com/trycompai/comp-sub003/internal/domain"
	"github.com/trycompai/comp-sub003/internal/provider"
	"github.com/trycompai/comp-sub003/internal/repository"
)

// Verification failures are deliberately indistinct: callers translate every
// one of them to an unauthorized response without detail.
var (
	ErrMissingSignature = errors.New("webhook: missing signature header")
	ErrMissingSecret    = errors.New("webhook: no shared secret configured")
	ErrEmptyBody        = errors.New("webhook: empty request body")
	ErrBadSignature     = errors.New("webhook: signature mismatch")
	ErrUnsupported      = errors.New("webhook: provider does not declare webhooks")
)

// Verifier checks provider webhook signatures against per-connection shared
// secrets before any payload parsing happens.
type Verifier struct {
	registry    *provider.Registry
	connections repository.ConnectionRepository
	logger      *zap.Logger
}

// NewVerifier wires the webhook signature verifier.
func NewVerifier(registry *provider.Registry, connections repository.ConnectionRepository, logger *zap.Logger) *Verifier {
	return &Verifier{registry: registry, connections: connections, logger: logger}
}

// Verify recomputes the HMAC over the raw body with the connection's shared
// secret and compares it in constant time against the presented header value.
func (v *Verifier) Verify(ctx context.Context, connectionID int64, providerSlug, signatureHeader string, body []byte) error {
	def, ok := v.registry.Get(providerSlug)
	if !ok || def.Webhook == nil {
		return ErrUnsupported
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return ErrMissingSignature
	}
	if len(body) == 0 {
		return ErrEmptyBody
	}

	conn, err := v.connections.GetByID(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("webhook: load connection: %w", err)
	}
	secret := conn.MetaString(domain.MetaWebhookSecret)
	if secret == "" {
		return ErrMissingSecret
	}

	presented, err := decodeSignature(signatureHeader)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(hashFor(def.Webhook.Algorithm), []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if len(presented) != len(expected) || subtle.ConstantTimeCompare(presented, expected) != 1 {
		v.log().Warn("webhook signature rejected",
			zap.Int64("connection_id", connectionID),
			zap.String("provider", def.Slug))
		return ErrBadSignature
	}
	return nil
}

// HeaderName returns the signature header a provider sends, empty when the
// provider declares no webhooks.
func (v *Verifier) HeaderName(providerSlug string) string {
	def, ok := v.registry.Get(providerSlug)
	if !ok || def.Webhook == nil {
		return ""
	}
	return def.Webhook.HeaderName
}

// decodeSignature accepts bare hex digests and "scheme=hex" values such as
// GitHub's sha256=<hex>.
func decodeSignature(header string) ([]byte, error) {
	value := strings.TrimSpace(header)
	if idx := strings.IndexByte(value, '='); idx >= 0 {
		value = value[idx+1:]
	}
	return hex.DecodeString(value)
}

func hashFor(algorithm string) func() hash.Hash {
	switch strings.ToLower(algorithm) {
	case "sha1":
		return sha1.New
	case "sha512":
		return sha512.New
	default:
		return sha256.New
	}
}

func (v *Verifier) log() *zap.Logger {
	if v != nil && v.logger != nil {
		return v.logger
	}
	return zap.L()
}
