package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type userKey struct{}

// Identity verifies HS256 bearer tokens issued by the auth provider. The
// token subject is the caller's user id.
type Identity struct {
	secret []byte
}

// NewIdentity creates a verifier for tokens signed with secret.
func NewIdentity(secret string) *Identity {
	return &Identity{secret: []byte(secret)}
}

// Issue signs a token for userID. The server never issues tokens itself;
// tests and tooling stand in for the auth provider.
func (i *Identity) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify parses raw and returns its subject.
func (i *Identity) Verify(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !tok.Valid || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid token and stores the user id
// in the request context. Browsers cannot set headers on WebSocket
// handshakes, so access_token is also read from the query.
func (i *Identity) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "api.identity"
		raw := r.URL.Query().Get("access_token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			raw = strings.TrimPrefix(auth, "Bearer ")
		}
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", NewKind(op, ErrUnauthorized))
			return
		}
		userID, err := i.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", WrapKind(op, ErrUnauthorized, err))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	}
}

// WithUserID returns ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the authenticated caller, if any.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}
