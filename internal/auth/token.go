package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ms-auction/internal/apperr"
	"ms-auction/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier turns a bearer credential into a Principal. Failures are apperr.AuthFailure.
type Verifier interface {
	Verify(ctx context.Context, token string) (models.Principal, error)
}

// ExtractTokenFromRequest reads "Authorization: Bearer <token>" and falls back to the
// token query parameter, which browsers need for websocket and EventSource requests.
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
		return "", errors.New("authorization header is missing")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("authorization header format must be 'Bearer {token}'")
	}

	return parts[1], nil
}

// PrincipalClaims is the claim set both verifiers read. Keycloak style tokens carry the
// role under realm_access.roles, simpler issuers use a top level role claim.
type PrincipalClaims struct {
	jwt.RegisteredClaims
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Role              string `json:"role"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

func (c PrincipalClaims) Principal() (models.Principal, error) {
	if c.Subject == "" {
		return models.Principal{}, apperr.AuthFailure("subject claim not found in token", nil)
	}

	role := models.Role(strings.ToLower(c.Role))
	if !knownRole(role) {
		role = ""
		for _, r := range c.RealmAccess.Roles {
			if candidate := models.Role(strings.ToLower(r)); knownRole(candidate) {
				role = candidate
				break
			}
		}
	}
	if role == "" {
		return models.Principal{}, apperr.AuthFailure(fmt.Sprintf("token for %s carries no marketplace role", c.Subject), nil)
	}

	name := c.Name
	if name == "" {
		name = c.PreferredUsername
	}

	return models.Principal{ID: c.Subject, Name: name, Role: role}, nil
}

func knownRole(r models.Role) bool {
	switch r {
	case models.RoleProducer, models.RoleDistributor, models.RoleInvestor, models.RoleAdmin:
		return true
	}
	return false
}

// TokenExpiry reads the exp claim without verifying the signature. Only used to bound
// cache lifetimes of tokens that were already verified.
func TokenExpiry(tokenString string) (time.Time, bool) {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &jwt.RegisteredClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
