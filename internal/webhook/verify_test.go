package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trycompai/comp-sub003/internal/domain"
	"github.com/trycompai/comp-sub003/internal/provider"
)

type stubConnectionRepo struct {
	mu    sync.Mutex
	conns map[int64]domain.Connection
}

func (s *stubConnectionRepo) GetByID(ctx context.Context, id int64) (domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return domain.Connection{}, pgx.ErrNoRows
	}
	return conn, nil
}

func (s *stubConnectionRepo) GetByOrgProvider(ctx context.Context, orgID int64, providerSlug string) (domain.Connection, error) {
	return domain.Connection{}, pgx.ErrNoRows
}

func (s *stubConnectionRepo) Create(ctx context.Context, conn domain.Connection) (domain.Connection, error) {
	return conn, nil
}

func (s *stubConnectionRepo) ActivateVersion(ctx context.Context, connectionID, versionID int64) error {
	return nil
}

func (s *stubConnectionRepo) SetStatus(ctx context.Context, connectionID int64, status domain.ConnectionStatus, errorMessage string) error {
	return nil
}

func (s *stubConnectionRepo) Disconnect(ctx context.Context, connectionID int64) error { return nil }

func (s *stubConnectionRepo) Delete(ctx context.Context, connectionID int64) error { return nil }

func newTestVerifier(secret string) (*Verifier, int64) {
	const connID = int64(77)
	repo := &stubConnectionRepo{conns: map[int64]domain.Connection{
		connID: {
			ID:           connID,
			OrgID:        1,
			ProviderSlug: "github",
			Metadata:     map[string]any{domain.MetaWebhookSecret: secret},
		},
	}}
	return NewVerifier(provider.NewRegistry(), repo, zap.NewNop()), connID
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	verifier, connID := newTestVerifier("whsec_test")
	body := []byte(`{"action":"member_added"}`)

	err := verifier.Verify(context.Background(), connID, "github", sign("whsec_test", body), body)
	require.NoError(t, err)
}

func TestVerifyAcceptsSchemePrefixedSignature(t *testing.T) {
	verifier, connID := newTestVerifier("whsec_test")
	body := []byte(`{"action":"member_added"}`)

	err := verifier.Verify(context.Background(), connID, "github", "sha256="+sign("whsec_test", body), body)
	require.NoError(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	verifier, connID := newTestVerifier("whsec_test")
	body := []byte(`{"action":"member_added"}`)

	err := verifier.Verify(context.Background(), connID, "github", sign("other-secret", body), body)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	verifier, connID := newTestVerifier("whsec_test")
	body := []byte(`{"action":"member_added"}`)
	signature := sign("whsec_test", body)

	err := verifier.Verify(context.Background(), connID, "github", signature, []byte(`{"action":"member_removed"}`))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsMissingPieces(t *testing.T) {
	verifier, connID := newTestVerifier("whsec_test")
	body := []byte(`{}`)

	err := verifier.Verify(context.Background(), connID, "github", "", body)
	require.ErrorIs(t, err, ErrMissingSignature)

	err = verifier.Verify(context.Background(), connID, "github", sign("whsec_test", nil), nil)
	require.ErrorIs(t, err, ErrEmptyBody)

	err = verifier.Verify(context.Background(), connID, "github", "zz-not-hex", body)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsMissingSecret(t *testing.T) {
	verifier, connID := newTestVerifier("")
	body := []byte(`{}`)

	err := verifier.Verify(context.Background(), connID, "github", sign("whsec_test", body), body)
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestVerifyUnknownProvider(t *testing.T) {
	verifier, connID := newTestVerifier("whsec_test")
	body := []byte(`{}`)

	err := verifier.Verify(context.Background(), connID, "bamboohr", "sig", body)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestHeaderName(t *testing.T) {
	verifier, _ := newTestVerifier("whsec_test")

	require.Equal(t, "X-Hub-Signature-256", verifier.HeaderName("github"))
	require.Empty(t, verifier.HeaderName("bamboohr"))
}
