package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trycompai/comp-sub003/internal/adapter/cloud"
	"github.com/trycompai/comp-sub003/internal/domain"
	domainoauth "github.com/trycompai/comp-sub003/internal/domain/oauth"
)

func TestTeardownRevokesAndPurges(t *testing.T) {
	h := newConnectHarness(t)
	h.seedPlatformApp(t, "github", "client-123", "secret-123")
	conn := h.seedConnection(t, 1, "github")
	seedExpiringTokens(t, h, conn.ID, 3600)

	require.NoError(t, h.connections.Teardown(context.Background(), conn.ID))

	require.Equal(t, []string{"stored-access"}, h.client.revoked())

	count, err := h.versions.CountByConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Zero(t, count)

	stored, err := h.conns.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ConnectionDisconnected, stored.Status)
}

func TestTeardownProceedsWhenRevokeFails(t *testing.T) {
	h := newConnectHarness(t)
	h.seedPlatformApp(t, "github", "client-123", "secret-123")
	conn := h.seedConnection(t, 1, "github")
	seedExpiringTokens(t, h, conn.ID, 3600)

	h.client.revokeFn = func(accessToken string) error {
		return errors.New("revocation endpoint unreachable")
	}

	require.NoError(t, h.connections.Teardown(context.Background(), conn.ID))

	count, err := h.versions.CountByConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestTeardownSkipsRevokeWithoutEndpoint(t *testing.T) {
	h := newConnectHarness(t)
	conn := h.seedConnection(t, 1, "datadog")
	_, err := h.vault.StoreAPIKeyCredentials(context.Background(), conn.ID, map[string]string{"api_key": "dd"})
	require.NoError(t, err)

	require.NoError(t, h.connections.Teardown(context.Background(), conn.ID))
	require.Empty(t, h.client.revoked())
}

type fakeRoleValidator struct {
	results []cloud.RegionResult
	err     error

	gotRoleARN    string
	gotExternalID string
	gotRegions    []string
}

func (f *fakeRoleValidator) Validate(ctx context.Context, customerRoleARN, externalID string, regions []string) ([]cloud.RegionResult, error) {
	f.gotRoleARN = customerRoleARN
	f.gotExternalID = externalID
	f.gotRegions = regions
	return f.results, f.err
}

func seedAWSConnection(t *testing.T, h *connectHarness) domain.Connection {
	t.Helper()
	conn, err := h.conns.Create(context.Background(), domain.Connection{
		ID:           h.node.Generate().Int64(),
		OrgID:        1,
		ProviderSlug: "aws",
		Auth:         domain.AuthConfig{Strategy: domain.AuthStrategyCustom, Custom: &domain.CustomAuthConfig{Scheme: "role_assumption"}},
		Status:       domain.ConnectionPending,
		Metadata: map[string]any{
			domain.MetaRoleARN:    "arn:aws:iam::123456789012:role/ComplianceAudit",
			domain.MetaExternalID: "ext-42",
			domain.MetaRegions:    []any{"us-east-1", "eu-west-1"},
		},
	})
	require.NoError(t, err)
	return conn
}

func TestValidateRoleAssumptionActivates(t *testing.T) {
	h := newConnectHarness(t)
	validator := &fakeRoleValidator{results: []cloud.RegionResult{
		{Region: "us-east-1", Kind: cloud.RegionOK},
		{Region: "eu-west-1", Kind: cloud.RegionOK},
	}}
	h.connections.roles = validator
	conn := seedAWSConnection(t, h)

	results, err := h.connections.ValidateRoleAssumption(context.Background(), conn.ID, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "arn:aws:iam::123456789012:role/ComplianceAudit", validator.gotRoleARN)
	require.Equal(t, "ext-42", validator.gotExternalID)
	require.Equal(t, []string{"us-east-1", "eu-west-1"}, validator.gotRegions)

	stored, err := h.conns.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ConnectionActive, stored.Status)
}

func TestValidateRoleAssumptionFailureErrorsConnection(t *testing.T) {
	h := newConnectHarness(t)
	validator := &fakeRoleValidator{err: errors.New("region us-east-1: access_denied")}
	h.connections.roles = validator
	conn := seedAWSConnection(t, h)

	_, err := h.connections.ValidateRoleAssumption(context.Background(), conn.ID, nil)
	require.Error(t, err)

	stored, err := h.conns.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ConnectionError, stored.Status)
	require.NotEmpty(t, stored.ErrorMessage)
}

func TestValidateRoleAssumptionRequiresMetadata(t *testing.T) {
	h := newConnectHarness(t)
	h.connections.roles = &fakeRoleValidator{}
	conn, err := h.conns.Create(context.Background(), domain.Connection{
		ID:           h.node.Generate().Int64(),
		OrgID:        1,
		ProviderSlug: "aws",
		Auth:         domain.AuthConfig{Strategy: domain.AuthStrategyCustom},
	})
	require.NoError(t, err)

	_, err = h.connections.ValidateRoleAssumption(context.Background(), conn.ID, []string{"us-east-1"})
	require.Error(t, err)
}

func TestValidateRoleAssumptionWrongProvider(t *testing.T) {
	h := newConnectHarness(t)
	h.connections.roles = &fakeRoleValidator{}
	conn := h.seedConnection(t, 1, "github")

	_, err := h.connections.ValidateRoleAssumption(context.Background(), conn.ID, []string{"us-east-1"})
	require.Error(t, err)
}

func TestValidateRoleAssumptionDisabled(t *testing.T) {
	h := newConnectHarness(t)
	conn := seedAWSConnection(t, h)

	_, err := h.connections.ValidateRoleAssumption(context.Background(), conn.ID, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, domainoauth.ErrNoApp)
}
