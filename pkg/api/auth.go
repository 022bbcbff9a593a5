package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// approverClaims is the token payload for HITL callers. Role carries the
// primary role; Roles allows multi-role tokens. Either slot may satisfy
// an approval's required_role.
type approverClaims struct {
	jwt.RegisteredClaims
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// satisfiesRole reports whether the token may decide an approval gated
// on the given role. An empty requirement admits any authenticated
// approver; admin tokens satisfy every requirement.
func (c *approverClaims) satisfiesRole(required string) bool {
	if required == "" {
		return true
	}
	if c.Role == required || c.Role == "admin" {
		return true
	}
	for _, r := range c.Roles {
		if r == required || r == "admin" {
			return true
		}
	}
	return false
}

// authenticate validates the bearer token. Fail closed: a server without
// a configured secret rejects every HITL call.
func (s *Server) authenticate(r *http.Request) (*approverClaims, error) {
	if len(s.jwtSecret) == 0 {
		return nil, errors.New("approval endpoint disabled: no signing secret configured")
	}

	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, errors.New("missing bearer token")
	}

	claims := &approverClaims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing subject")
	}
	return claims, nil
}
