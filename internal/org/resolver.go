package org

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/trycompai/comp-sub003/internal/domain"
	"github.com/trycompai/comp-sub003/internal/repository"
)

// Context stores resolved org metadata used throughout the request lifecycle.
type Context struct {
	Org domain.Org
}

// Resolver loads org metadata from the repository.
type Resolver struct {
	repo repository.OrgRepository
}

// NewResolver creates an org resolver.
func NewResolver(repo repository.OrgRepository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve loads the org identified by the X-Org-ID header value, which may be
// a numeric id or a slug.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*Context, error) {
	cleaned := strings.ToLower(strings.TrimSpace(identifier))
	if cleaned == "" {
		zap.L().Warn("org resolver received empty identifier")
		return nil, fmt.Errorf("resolve org: empty identifier")
	}

	var (
		orgRow domain.Org
		err    error
	)
	if id, parseErr := strconv.ParseInt(cleaned, 10, 64); parseErr == nil {
		orgRow, err = r.repo.GetOrg(ctx, id)
	} else {
		orgRow, err = r.repo.GetOrgBySlug(ctx, cleaned)
	}
	if err != nil {
		zap.L().Error("failed to resolve org", zap.String("identifier", cleaned), zap.Error(err))
		return nil, fmt.Errorf("resolve org: %w", err)
	}

	return &Context{Org: orgRow}, nil
}
