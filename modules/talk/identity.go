package talk

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
)

// MaxIdentityLength bounds identity ids accepted on login.
const MaxIdentityLength = 128

// IdentityResolver turns a login credential into an identity id.
type IdentityResolver interface {
	Resolve(credential string) (string, error)
}

// PlainResolver treats the credential as the identity id itself.
type PlainResolver struct{}

// Resolve validates and returns the credential.
func (PlainResolver) Resolve(credential string) (string, error) {
	return validateIdentity(credential)
}

// IdentityClaims are the claims carried by an identity token.
type IdentityClaims struct {
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 identity tokens and returns their subject.
type JWTResolver struct {
	secret []byte
	issuer string
}

// NewJWTResolver creates a resolver. An empty issuer accepts any issuer.
func NewJWTResolver(secret, issuer string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), issuer: issuer}
}

// Resolve parses and validates the token.
func (r *JWTResolver) Resolve(credential string) (string, error) {
	if strings.TrimSpace(credential) == "" {
		return "", fmt.Errorf("%w: token is empty", ErrInvalidIdentity)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	token, err := jwt.ParseWithClaims(credential, &IdentityClaims{}, func(_ *jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token has expired", ErrInvalidIdentity)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidIdentity
	}
	return validateIdentity(claims.Subject)
}

// Issue signs a token for identityID. Used by tooling and tests.
func (r *JWTResolver) Issue(identityID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.issuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

func validateIdentity(id string) (string, error) {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return "", fmt.Errorf("%w: identity is empty", ErrInvalidIdentity)
	case len(id) > MaxIdentityLength:
		return "", fmt.Errorf("%w: identity exceeds maximum length", ErrInvalidIdentity)
	case !utf8.ValidString(id):
		return "", fmt.Errorf("%w: identity contains invalid characters", ErrInvalidIdentity)
	}
	return id, nil
}
