package server

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/vault"
)

// Identifier resolves the requester behind an HTTP request. Implementations
// must return the zero Requester for anonymous or unverifiable requests.
type Identifier interface {
	Identify(r *http.Request) vault.Requester
}

// AnonymousIdentifier treats every request as anonymous.
type AnonymousIdentifier struct{}

func (AnonymousIdentifier) Identify(*http.Request) vault.Requester {
	return vault.Requester{}
}

// JWTIdentifier resolves identity from an HS256 bearer token. The subject
// claim becomes the requester id and a "roles" claim of strings becomes the
// role set. Tokens that fail verification resolve to anonymous.
type JWTIdentifier struct {
	secret []byte
}

func NewJWTIdentifier(secret string) *JWTIdentifier {
	return &JWTIdentifier{secret: []byte(secret)}
}

func (j *JWTIdentifier) Identify(r *http.Request) vault.Requester {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		return vault.Requester{}
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return j.secret, nil
	})
	if err != nil || !token.Valid {
		log.Debug().Err(err).Msg("rejected bearer token")
		return vault.Requester{}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return vault.Requester{}
	}

	req := vault.Requester{}
	if sub, err := claims.GetSubject(); err == nil {
		req.ID = sub
	}
	if rawRoles, ok := claims["roles"].([]any); ok {
		for _, role := range rawRoles {
			if s, ok := role.(string); ok {
				req.Roles = append(req.Roles, s)
			}
		}
	}
	return req
}
