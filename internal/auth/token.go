// ABOUTME: Service token issuing and validation for panel-to-agent calls
// ABOUTME: Uses HS256 signing with configurable secret and grantable permission set

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrAuthInvalid      = errors.New("auth invalid")
	ErrAuthExpired      = errors.New("auth expired")
	ErrPermissionDenied = errors.New("permission not grantable")
)

// tokenIssuerName is the "iss" claim stamped on every issued token.
const tokenIssuerName = "bastion-panel"

// Claims is the validated content of a service token.
type Claims struct {
	ServiceID   string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// HasPermission reports whether the claims include the given permission.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// TokenIssuer issues and validates HS256 service tokens. The grantable set
// bounds which permissions any issued token may carry.
type TokenIssuer struct {
	secret    []byte
	grantable map[string]struct{}
}

// NewTokenIssuer creates a TokenIssuer with the given secret and the full
// set of permissions it is authorized to grant.
func NewTokenIssuer(secret []byte, grantable []string) *TokenIssuer {
	g := make(map[string]struct{}, len(grantable))
	for _, p := range grantable {
		g[p] = struct{}{}
	}
	return &TokenIssuer{secret: secret, grantable: g}
}

// IssueToken creates a signed service token for serviceID with the given
// permissions and TTL. Every requested permission must be in the issuer's
// grantable set.
func (i *TokenIssuer) IssueToken(serviceID string, permissions []string, ttl time.Duration) (string, error) {
	if serviceID == "" {
		return "", fmt.Errorf("%w: empty service id", ErrAuthInvalid)
	}
	for _, p := range permissions {
		if _, ok := i.grantable[p]; !ok {
			return "", fmt.Errorf("%w: %q", ErrPermissionDenied, p)
		}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   tokenIssuerName,
		"sub":   serviceID,
		"perms": permissions,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// ValidateToken parses and verifies a service token. Validation fails
// closed: any malformed structure, wrong issuer, or bad signature yields
// ErrAuthInvalid; an expired token yields ErrAuthExpired.
func (i *TokenIssuer) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(tokenIssuerName))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrAuthExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthInvalid, err)
	}

	if !token.Valid {
		return nil, ErrAuthInvalid
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrAuthInvalid
	}

	sub, ok := mapClaims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrAuthInvalid)
	}

	var perms []string
	if raw, ok := mapClaims["perms"].([]interface{}); ok {
		perms = make([]string, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: malformed perms claim", ErrAuthInvalid)
			}
			perms = append(perms, s)
		}
	}

	claims := &Claims{
		ServiceID:   sub,
		Permissions: perms,
	}
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}

	return claims, nil
}
