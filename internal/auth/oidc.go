package auth

import (
	"context"
	"fmt"

	"ms-auction/internal/apperr"
	"ms-auction/internal/models"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier validates tokens against the issuer's published keys.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, issuer string) (*OIDCVerifier, error) {
	if issuer == "" {
		return nil, fmt.Errorf("OIDC_ISSUER must be set for oidc auth mode")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	// SkipClientIDCheck: tokens are minted for the web client, not for this service.
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
	}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, token string) (models.Principal, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return models.Principal{}, apperr.AuthFailure("invalid token", err)
	}

	var claims PrincipalClaims
	if err := idToken.Claims(&claims); err != nil {
		return models.Principal{}, apperr.AuthFailure("failed to parse claims", err)
	}
	claims.Subject = idToken.Subject

	return claims.Principal()
}
