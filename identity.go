package portalchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
)

var (
	ErrNoToken        = errors.New("no authentication token")
	ErrMalformedToken = errors.New("malformed authentication token")
	ErrExpiredToken   = errors.New("authentication token expired")
)

// TokenSource hands out the bearer token of the signed-in user. It is injected
// wherever a component needs credentials.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

const tokenKey = "token"

// TokenStore is a process-wide, read-mostly token holder. Login flows call Set,
// logout calls Clear; everything else only reads.
type TokenStore struct {
	c *cache.Cache
}

func NewTokenStore() *TokenStore {
	return &TokenStore{c: cache.New(cache.NoExpiration, 10*time.Minute)}
}

// Set stores token until its exp claim, or indefinitely when it carries none.
// A token that cannot be decoded is stored as is; resolving it fails later.
func (ts *TokenStore) Set(token string) error {
	ttl := cache.NoExpiration
	if claims, err := unverifiedClaims(token); err == nil {
		exp, err := claims.GetExpirationTime()
		if err == nil && exp != nil {
			ttl = time.Until(exp.Time)
			if ttl <= 0 {
				return ErrExpiredToken
			}
		}
	}
	ts.c.Set(tokenKey, token, ttl)
	return nil
}

func (ts *TokenStore) Clear() {
	ts.c.Delete(tokenKey)
}

func (ts *TokenStore) Token(context.Context) (string, error) {
	v, ok := ts.c.Get(tokenKey)
	if !ok {
		return "", ErrNoToken
	}
	return v.(string), nil
}

// IdentityResolver derives the local participant from the stored token. The
// signature is not checked here; the relay is the trust boundary.
type IdentityResolver struct {
	Tokens TokenSource
	// DefaultType is used when the token carries no participant type.
	DefaultType ParticipantType

	Slogger *slog.Logger
}

func (r *IdentityResolver) Resolve(ctx context.Context) (Participant, error) {
	sl := r.logger().With("func", "identity.Resolve")
	if r.Tokens == nil {
		return Participant{}, ErrNoToken
	}
	token, err := r.Tokens.Token(ctx)
	if err != nil {
		sl.Warn("no token available", "err", err)
		return Participant{}, err
	}
	claims, err := unverifiedClaims(token)
	if err != nil {
		sl.Warn("token could not be decoded", "err", err)
		return Participant{}, err
	}
	p, err := ParticipantFromClaims(claims, r.DefaultType)
	if err != nil {
		sl.Warn("token claims do not name a participant", "err", err)
		return Participant{}, err
	}
	sl.Debug("resolved", "participant", p)
	return p, nil
}

func (r *IdentityResolver) logger() *slog.Logger {
	if r.Slogger != nil {
		return r.Slogger
	}
	return slog.Default()
}

func unverifiedClaims(token string) (jwt.MapClaims, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return claims, nil
}

// ParticipantFromClaims reads the participant id from the "id" claim, falling back
// to "sub", and the type from "type" or "role". The portal issues "client" as the
// role of customers.
func ParticipantFromClaims(claims jwt.MapClaims, defaultType ParticipantType) (Participant, error) {
	id, err := claimID(claims)
	if err != nil {
		return Participant{}, err
	}

	pt := defaultType
	for _, key := range []string{"type", "role"} {
		raw, ok := claims[key].(string)
		if !ok || raw == "" {
			continue
		}
		if strings.EqualFold(raw, "client") {
			raw = string(Customer)
		}
		pt, err = ParseParticipantType(raw)
		if err != nil {
			return Participant{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		break
	}
	if !pt.Valid() {
		return Participant{}, fmt.Errorf("%w: no participant type", ErrMalformedToken)
	}
	return Participant{ID: id, Type: pt}, nil
}

func claimID(claims jwt.MapClaims) (int64, error) {
	var id int64
	switch v := claims["id"].(type) {
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: id claim %v is not an integer", ErrMalformedToken, v)
		}
		id = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: id claim %q", ErrMalformedToken, v)
		}
		id = n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: id claim %q", ErrMalformedToken, v)
		}
		id = n
	case nil:
		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return 0, fmt.Errorf("%w: no id claim", ErrMalformedToken)
		}
		n, err := strconv.ParseInt(sub, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: sub claim %q", ErrMalformedToken, sub)
		}
		id = n
	default:
		return 0, fmt.Errorf("%w: id claim of type %T", ErrMalformedToken, v)
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: id %d", ErrMalformedToken, id)
	}
	return id, nil
}
