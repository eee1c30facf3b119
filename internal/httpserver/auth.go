package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blackmichael/studymeets/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

const sessionIssuer = "studymeets"

// sessions issues and verifies HS256 session tokens.
type sessions struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func newSessions(signingKey string, ttl time.Duration) *sessions {
	return &sessions{key: []byte(signingKey), ttl: ttl, now: time.Now}
}

func (s *sessions) issue(userID string) (string, error) {
	now := s.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        ulid.Make().String(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return token, nil
}

// verify returns the user id carried by token.
func (s *sessions) verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
	}

	if claims.Issuer != sessionIssuer || claims.Subject == "" {
		return "", fmt.Errorf("%w: session claims are invalid", domain.ErrUnauthenticated)
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.Time.After(s.now()) {
		return "", fmt.Errorf("%w: session is expired", domain.ErrUnauthenticated)
	}
	return claims.Subject, nil
}

type userIDKey struct{}

// userIDFrom returns the user id stored by requireSession.
func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// requireSession rejects requests without a valid bearer token.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthenticated", "a bearer token is required")
			return
		}
		userID, err := s.sessions.verify(token)
		if err != nil {
			s.logger.Warn("rejected session", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "Unauthenticated", "session is invalid")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	}
}
