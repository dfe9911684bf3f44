package oauth

import "errors"

var (
	// ErrNoApp signals that no active OAuth app exists for (provider, org)
	// on either tier.
	ErrNoApp = errors.New("oauth: no app credentials configured")
	// ErrInvalidState indicates the callback state is unknown or already used.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrExpiredState indicates the callback state exists but is past its TTL.
	ErrExpiredState = errors.New("oauth: expired state")
	// ErrProviderDenied carries the error the provider sent on the callback.
	ErrProviderDenied = errors.New("oauth: provider returned error")
	// ErrTokenInvalid indicates the token endpoint response is unusable.
	ErrTokenInvalid = errors.New("oauth: token invalid")
	// ErrNoRefreshToken signals a refresh attempt without a stored refresh token.
	ErrNoRefreshToken = errors.New("oauth: no refresh token stored")
	// ErrReauthRequired indicates the provider rejected the refresh token and
	// the user must reconnect the integration.
	ErrReauthRequired = errors.New("oauth: refresh rejected, please reconnect")
)
