package auth

import (
	"context"
	"errors"

	"ms-auction/internal/apperr"
	"ms-auction/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// HMACVerifier checks HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	issuer string
}

func NewHMACVerifier(secret, issuer string) (*HMACVerifier, error) {
	if secret == "" {
		return nil, errors.New("JWT_SECRET must be set for jwt auth mode")
	}
	return &HMACVerifier{secret: []byte(secret), issuer: issuer}, nil
}

func (v *HMACVerifier) Verify(_ context.Context, token string) (models.Principal, error) {
	if token == "" {
		return models.Principal{}, apperr.AuthFailure("empty token", nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims PrincipalClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return models.Principal{}, apperr.AuthFailure("invalid token", err)
	}

	return claims.Principal()
}

// Sign issues a token for p. Used by tests and local tooling.
func (v *HMACVerifier) Sign(p models.Principal, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = p.ID
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, PrincipalClaims{
		RegisteredClaims: claims,
		Name:             p.Name,
		Role:             string(p.Role),
	})
	return token.SignedString(v.secret)
}
