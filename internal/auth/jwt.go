// Package auth turns HS256 bearer tokens into ledger actors.
package auth

import (
	"context"
	"errors"
	"time"

	"marketplace-ledger-go/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingClaims = errors.New("missing actor claims")
)

type contextKey string

const actorContextKey contextKey = "actor"

type Verifier struct {
	secret []byte
	leeway time.Duration
}

func NewVerifier(secret string, leeway time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), leeway: leeway}
}

// ParseActor validates the token and reads the sub and role claims.
func (v *Verifier) ParseActor(tokenString string) (models.Actor, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(v.leeway), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return models.Actor{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || role == "" {
		return models.Actor{}, ErrMissingClaims
	}
	switch models.Role(role) {
	case models.RoleUser, models.RoleAdmin, models.RoleService:
	default:
		return models.Actor{}, ErrInvalidToken
	}
	return models.Actor{UserId: sub, Role: models.Role(role)}, nil
}

type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign issues a token for actor valid for ttl from now.
func (s *Signer) Sign(actor models.Actor, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  actor.UserId,
		"role": string(actor.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(models.Actor)
	return v, ok
}
