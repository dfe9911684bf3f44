package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/trycompai/comp-sub003/internal/domain"
	oauthdomain "github.com/trycompai/comp-sub003/internal/domain/oauth"
	httpmiddleware "github.com/trycompai/comp-sub003/internal/http/middleware"
	"github.com/trycompai/comp-sub003/internal/provider"
	"github.com/trycompai/comp-sub003/internal/service"
	"github.com/trycompai/comp-sub003/internal/webhook"
)

const maxWebhookBody = 1 << 20

// IntegrationsHandler exposes the provider catalog, OAuth flow endpoints, and
// connection lifecycle routes.
type IntegrationsHandler struct {
	registry    *provider.Registry
	resolver    *service.AppResolver
	flow        *service.FlowCoordinator
	refresh     *service.RefreshPolicy
	vault       *service.Vault
	connections *service.ConnectionService
	verifier    *webhook.Verifier
	logger      *zap.Logger
}

// NewIntegrationsHandler wires the integrations HTTP handler.
func NewIntegrationsHandler(
	registry *provider.Registry,
	resolver *service.AppResolver,
	flow *service.FlowCoordinator,
	refresh *service.RefreshPolicy,
	vault *service.Vault,
	connections *service.ConnectionService,
	verifier *webhook.Verifier,
	logger *zap.Logger,
) *IntegrationsHandler {
	return &IntegrationsHandler{
		registry:    registry,
		resolver:    resolver,
		flow:        flow,
		refresh:     refresh,
		vault:       vault,
		connections: connections,
		verifier:    verifier,
		logger:      logger,
	}
}

type providerSummary struct {
	Slug           string   `json:"slug"`
	DisplayName    string   `json:"display_name"`
	Strategy       string   `json:"strategy"`
	OAuth          bool     `json:"oauth"`
	PKCE           bool     `json:"pkce,omitempty"`
	DefaultScopes  []string `json:"default_scopes,omitempty"`
	RoleAssumption bool     `json:"role_assumption,omitempty"`
	Webhooks       bool     `json:"webhooks,omitempty"`
	Availability   any      `json:"availability,omitempty"`
}

// ListProviders returns the provider catalog with per-org app availability.
func (h *IntegrationsHandler) ListProviders(c *gin.Context) {
	orgCtx, ok := httpmiddleware.GetOrgContext(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_org", "error_description": "Organization context is required."})
		return
	}

	defs := h.registry.List()
	out := make([]providerSummary, 0, len(defs))
	for _, def := range defs {
		summary := providerSummary{
			Slug:           def.Slug,
			DisplayName:    def.DisplayName,
			Strategy:       string(def.Strategy),
			OAuth:          def.OAuth != nil,
			RoleAssumption: def.RoleAssumption,
			Webhooks:       def.Webhook != nil,
		}
		if def.OAuth != nil {
			summary.PKCE = def.OAuth.PKCERequired
			summary.DefaultScopes = def.OAuth.DefaultScopes
			availability, err := h.resolver.Availability(c.Request.Context(), def.Slug, orgCtx.Org.ID)
			if err != nil {
				h.log().Warn("availability lookup failed",
					zap.String("provider", def.Slug), zap.Error(err))
			} else {
				summary.Availability = availability
			}
		}
		out = append(out, summary)
	}

	c.JSON(http.StatusOK, gin.H{"providers": out})
}

// OAuthStart mints a state and returns the provider authorize URL.
func (h *IntegrationsHandler) OAuthStart(c *gin.Context) {
	orgCtx, ok := httpmiddleware.GetOrgContext(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_org", "error_description": "Organization context is required."})
		return
	}
	providerSlug := strings.TrimSpace(c.Query("provider"))
	if providerSlug == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "The provider parameter is required."})
		return
	}

	out, err := h.flow.Start(c.Request.Context(), service.StartFlowInput{
		Provider:    providerSlug,
		OrgID:       orgCtx.Org.ID,
		UserID:      strings.TrimSpace(c.GetHeader("X-User-ID")),
		RedirectURL: strings.TrimSpace(c.Query("redirect_url")),
	})
	if err != nil {
		var setup *service.SetupRequiredError
		if errors.As(err, &setup) {
			c.JSON(http.StatusPreconditionFailed, gin.H{
				"error":              "setup_required",
				"error_description":  "No OAuth app is configured for this provider.",
				"provider":           setup.Provider,
				"setup_instructions": setup.Instructions,
			})
			return
		}
		h.log().Error("oauth start failed",
			zap.String("provider", providerSlug), zap.Int64("org_id", orgCtx.Org.ID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Could not start the authorization flow."})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorize_url": out.AuthorizeURL,
		"state":         out.State,
		"source":        string(out.Source),
	})
}

// OAuthCallback terminates the provider redirect. Every outcome is a
// redirect back to the application.
func (h *IntegrationsHandler) OAuthCallback(c *gin.Context) {
	result := h.flow.Callback(c.Request.Context(), service.CallbackInput{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	})
	c.Redirect(http.StatusFound, result.RedirectURL)
}

// WebhookIntake verifies the provider signature over the raw body and
// acknowledges. Payload processing happens downstream.
func (h *IntegrationsHandler) WebhookIntake(c *gin.Context) {
	connectionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	providerSlug := c.Param("provider")

	headerName := h.verifier.HeaderName(providerSlug)
	if headerName == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.verifier.Verify(c.Request.Context(), connectionID, providerSlug, c.GetHeader(headerName), body); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"received": true})
}

type validateRequest struct {
	Regions []string `json:"regions"`
}

// ValidateConnection runs cloud role-assumption validation for a connection.
func (h *IntegrationsHandler) ValidateConnection(c *gin.Context) {
	connectionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	var req validateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Malformed request body."})
			return
		}
	}

	results, err := h.connections.ValidateRoleAssumption(c.Request.Context(), connectionID, req.Regions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":             "validation_failed",
			"error_description": err.Error(),
			"regions":           results,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true, "regions": results})
}

// GetCredentials hands decrypted credentials to internal callers such as
// check runners. OAuth connections get an expiry-checked, freshly refreshed
// access token; other strategies get the stored fields as-is.
func (h *IntegrationsHandler) GetCredentials(c *gin.Context) {
	connectionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	conn, err := h.connections.Get(c.Request.Context(), connectionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	orgCtx, ok := httpmiddleware.GetOrgContext(c)
	if !ok || orgCtx.Org.ID != conn.OrgID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	fields, err := h.vault.DecryptedCredentials(c.Request.Context(), connectionID)
	if err != nil {
		h.log().Error("credential read failed",
			zap.Int64("connection_id", connectionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential_read_failed"})
		return
	}
	if fields == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	if conn.Auth.Strategy == domain.AuthStrategyOAuth2 {
		token, err := h.refresh.ValidAccessToken(c.Request.Context(), connectionID)
		if err != nil {
			if errors.Is(err, oauthdomain.ErrReauthRequired) {
				c.JSON(http.StatusConflict, gin.H{
					"error":             "reauthorization_required",
					"error_description": "The stored grant was rejected. Reconnect the integration.",
				})
				return
			}
			h.log().Error("access token resolution failed",
				zap.Int64("connection_id", connectionID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "credential_read_failed"})
			return
		}
		fields["access_token"] = token
	}

	c.JSON(http.StatusOK, gin.H{
		"connection_id": conn.ID,
		"provider":      conn.ProviderSlug,
		"strategy":      string(conn.Auth.Strategy),
		"credentials":   fields,
	})
}

// DeleteConnection tears the connection down: best-effort token revocation,
// credential purge, disconnect.
func (h *IntegrationsHandler) DeleteConnection(c *gin.Context) {
	connectionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	if err := h.connections.Teardown(c.Request.Context(), connectionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.log().Error("connection teardown failed",
			zap.Int64("connection_id", connectionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "teardown_failed"})
		return
	}

	c.Status(http.StatusNoContent)
}

// Healthz reports liveness.
func (h *IntegrationsHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *IntegrationsHandler) log() *zap.Logger {
	if h != nil && h.logger != nil {
		return h.logger
	}
	return zap.L()
}
