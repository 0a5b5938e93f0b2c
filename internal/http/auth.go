package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/route-negotiation/internal/models"
)

// Claims binds a token to one customer or driver. Subject is their id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var errMissingToken = errors.New("missing bearer token")

type authenticator struct {
	secret []byte
}

// parse reads the token from the Authorization header, or from access_token
// for websocket clients that cannot set headers.
func (a *authenticator) parse(r *http.Request) (*Claims, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if raw == "" {
		raw = r.URL.Query().Get("access_token")
	}
	if raw == "" {
		return nil, errMissingToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" || !models.Party(claims.Role).Valid() {
		return nil, errors.New("token must carry a subject and a customer or driver role")
	}
	return claims, nil
}

type claimsKey struct{}

func withClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func claimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// allowed reports whether the caller may act as party/id. Without auth every
// caller is allowed.
func allowed(ctx context.Context, party models.Party, id string) bool {
	c, ok := claimsFrom(ctx)
	if !ok {
		return true
	}
	return c.Role == string(party) && c.Subject == id
}
