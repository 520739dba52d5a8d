// Package auth issues and verifies the bearer tokens of admins and mechanics.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"task-service/domain"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleMechanic Role = "mechanic"
)

var ErrInvalidToken = &domain.Error{Kind: domain.KindUnauthorized, Msg: "invalid or expired token"}

// Identity is the authenticated caller. For mechanics Subject is the
// mechanic's document ID.
type Identity struct {
	Subject string `json:"sub"`
	Role    Role   `json:"role"`
}

type claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs HS256 tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) Issue(id Identity) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "task-service",
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

func (i *Issuer) Verify(tokenString string) (Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithIssuer("task-service"))
	if err != nil {
		return Identity{}, &domain.Error{Kind: domain.KindUnauthorized, Msg: ErrInvalidToken.Msg, Err: err}
	}
	if c.Subject == "" || (c.Role != RoleAdmin && c.Role != RoleMechanic) {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Subject: c.Subject, Role: c.Role}, nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// IsInvalidToken reports whether err came from Verify.
func IsInvalidToken(err error) bool {
	var e *domain.Error
	return errors.As(err, &e) && e.Msg == ErrInvalidToken.Msg
}
