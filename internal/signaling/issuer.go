package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

var (
	ErrMissingSecret     = errors.New("signaling secret is not configured")
	ErrInvalidCredential = errors.New("invalid session credential")
)

// Credential lets one participant join the media topic of a session.
type Credential struct {
	Token     string    `json:"token"`
	Topic     string    `json:"topic"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims are carried inside the credential token.
type Claims struct {
	SessionID string        `json:"sid"`
	Role      identity.Role `json:"role"`
	Topic     string        `json:"topic"`
	jwt.RegisteredClaims
}

// JWTIssuer signs HS256 session credentials. The media service verifies them with
// the shared secret.
type JWTIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTIssuer(secret, issuer string, ttl time.Duration) (*JWTIssuer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the time source, for tests.
func (i *JWTIssuer) WithClock(now func() time.Time) *JWTIssuer {
	i.now = now
	return i
}

// Topic is the media topic shared by both participants of a session.
func Topic(sessionID uuid.UUID) string { return "consultation." + sessionID.String() }

func (i *JWTIssuer) IssueSessionCredential(ctx context.Context, sessionID uuid.UUID, role identity.Role) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := i.now()
	expires := now.Add(i.ttl)
	topic := Topic(sessionID)

	claims := Claims{
		SessionID: sessionID.String(),
		Role:      role,
		Topic:     topic,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   sessionID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session credential: %w", err)
	}
	return &Credential{Token: token, Topic: topic, ExpiresAt: expires}, nil
}

// Verify parses a credential token issued by i.
func (i *JWTIssuer) Verify(token string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return i.secret, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return &claims, nil
}
