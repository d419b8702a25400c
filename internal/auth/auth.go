// Package auth extracts the acting user from bearer tokens. Tokens are
// HS256 JWTs carrying the user id in `sub` and a `role` claim; dev mode
// accepts plain headers instead so local clients need no token server.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Roles with elevated visibility. Admins bypass chat privacy filtering
// and the sender-ownership policy check.
const (
	RoleAdmin      = "admin"
	RoleSuperadmin = "superadmin"
)

// Actor is the authenticated principal of a request.
type Actor struct {
	ID   string
	Role string
}

// IsAdmin reports whether the actor holds an elevated role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSuperadmin
}

// Verifier parses bearer tokens into actors.
type Verifier struct {
	secret  []byte
	devMode bool
}

// NewVerifier builds a verifier. With devMode set, requests may identify
// themselves via X-Actor-Id / X-Actor-Role headers.
func NewVerifier(secret string, devMode bool) *Verifier {
	return &Verifier{secret: []byte(secret), devMode: devMode}
}

// FromRequest resolves the actor of an HTTP request. Returns an error when
// no usable credentials are present.
func (v *Verifier) FromRequest(r *http.Request) (Actor, error) {
	if v.devMode {
		if id := r.Header.Get("X-Actor-Id"); id != "" {
			role := r.Header.Get("X-Actor-Role")
			return Actor{ID: id, Role: role}, nil
		}
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return Actor{}, fmt.Errorf("missing authorization header")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Actor{}, fmt.Errorf("authorization header is not a bearer token")
	}
	return v.ParseToken(raw)
}

// ParseToken validates an HS256 JWT and extracts the actor.
func (v *Verifier) ParseToken(raw string) (Actor, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Actor{}, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Actor{}, fmt.Errorf("unexpected claims type")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Actor{}, fmt.Errorf("token has no subject")
	}
	role, _ := claims["role"].(string)
	return Actor{ID: sub, Role: role}, nil
}

// IssueToken mints a token for tests and the dev CLI.
func (v *Verifier) IssueToken(actor Actor) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  actor.ID,
		"role": actor.Role,
	})
	return token.SignedString(v.secret)
}
