package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/trycompai/comp-sub003/internal/org"
)

const orgContextKey = "orgContext"

type orgRequestKey struct{}

// Org resolves the calling organization from the X-Org-ID header and attaches
// it to the Gin and request contexts. Requests without a resolvable org are
// rejected.
func Org(resolver *org.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := strings.TrimSpace(c.Request.Header.Get("X-Org-ID"))
		if identifier == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":             "missing_org",
				"error_description": "The X-Org-ID header is required.",
			})
			return
		}

		orgCtx, err := resolver.Resolve(c.Request.Context(), identifier)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":             "invalid_org",
				"error_description": "Unknown organization.",
			})
			return
		}

		ctx := context.WithValue(c.Request.Context(), orgRequestKey{}, orgCtx)
		c.Request = c.Request.WithContext(ctx)
		c.Set(orgContextKey, orgCtx)
		c.Next()
	}
}

// GetOrgContext extracts the org context from gin.
func GetOrgContext(c *gin.Context) (*org.Context, bool) {
	value, ok := c.Get(orgContextKey)
	if !ok {
		return nil, false
	}
	orgCtx, ok := value.(*org.Context)
	return orgCtx, ok
}

// OrgFromContext extracts the org context from a standard context.
func OrgFromContext(ctx context.Context) (*org.Context, bool) {
	value := ctx.Value(orgRequestKey{})
	if value == nil {
		return nil, false
	}
	orgCtx, ok := value.(*org.Context)
	return orgCtx, ok
}
