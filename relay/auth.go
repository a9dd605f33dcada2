package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chilledoj/portalchat"
)

// TokenVerifier turns a bearer token into the participant it was issued to.
type TokenVerifier interface {
	Verify(token string) (portalchat.Participant, error)
}

// HMACVerifier checks HS256/384/512 signatures and expiry.
type HMACVerifier struct {
	Secret []byte
	// DefaultType applies to tokens that carry no participant type.
	DefaultType portalchat.ParticipantType
}

func (v HMACVerifier) Verify(tokenString string) (portalchat.Participant, error) {
	if tokenString == "" {
		return portalchat.Participant{}, portalchat.ErrNoToken
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return portalchat.Participant{}, portalchat.ErrExpiredToken
		}
		return portalchat.Participant{}, fmt.Errorf("%w: %v", portalchat.ErrMalformedToken, err)
	}
	if !token.Valid {
		return portalchat.Participant{}, portalchat.ErrMalformedToken
	}
	return portalchat.ParticipantFromClaims(claims, v.DefaultType)
}

type participantKey struct{}

func WithParticipant(ctx context.Context, p portalchat.Participant) context.Context {
	return context.WithValue(ctx, participantKey{}, p)
}

func ParticipantFromContext(ctx context.Context) (portalchat.Participant, bool) {
	p, ok := ctx.Value(participantKey{}).(portalchat.Participant)
	return p, ok
}

// Authenticate rejects requests without a valid bearer token and stores the
// caller in the request context.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				jsonError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				jsonError(w, http.StatusUnauthorized, "invalid authorization format")
				return
			}
			if verifier == nil {
				jsonError(w, http.StatusUnauthorized, "authentication is not configured")
				return
			}
			p, err := verifier.Verify(tokenString)
			if err != nil {
				jsonError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithParticipant(r.Context(), p)))
		})
	}
}
