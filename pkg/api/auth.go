package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

// Issuer is the iss claim of tokens minted by IssueToken.
const Issuer = "oyad"

// Claims are the JWT claims expected by the API. The subject is the hex
// address the bearer acts as.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 bearer tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator returns nil for an empty secret, which makes the
// middleware reject every authenticated route.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses tokenStr and returns the caller address it names.
func (v *JWTValidator) Validate(tokenStr string) (contracts.Address, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(Issuer))
	if err != nil {
		return contracts.ZeroAddress, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return contracts.ZeroAddress, errors.New("invalid token")
	}
	if !common.IsHexAddress(claims.Subject) {
		return contracts.ZeroAddress, fmt.Errorf("token subject %q is not an address", claims.Subject)
	}
	return common.HexToAddress(claims.Subject), nil
}

// IssueToken mints a token for caller valid for ttl.
func IssueToken(secret string, caller contracts.Address, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now().UTC()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   caller.Hex(),
		Issuer:    Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type callerKey struct{}

// CallerFrom returns the authenticated caller stored by the auth middleware.
func CallerFrom(ctx context.Context) (contracts.Address, bool) {
	a, ok := ctx.Value(callerKey{}).(contracts.Address)
	return a, ok
}

// WithCaller returns ctx carrying caller.
func WithCaller(ctx context.Context, caller contracts.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// isPublic reports whether r may be served without a token. Reads are
// never restricted.
func isPublic(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// NewAuthMiddleware creates JWT auth middleware.
// If validator is nil, all non-public requests are rejected (fail closed).
func NewAuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}
			caller, err := validator.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
