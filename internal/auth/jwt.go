package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer = "mmo-spawn"
	DefaultTTL    = 24 * time.Hour
	minSecretLen  = 32
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWeakSecret   = errors.New("secret key must be at least 32 bytes")
)

// Claims represents JWT claims of an admin API caller
type Claims struct {
	Participant uint32 `json:"participant"`
	IsAdmin     bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates HS256 tokens for the admin API
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a manager from a base64 secret.
// An empty secret generates a random one that lives until restart.
func NewTokenManager(secretB64 string) (*TokenManager, error) {
	var secret []byte
	if secretB64 == "" {
		secret = make([]byte, minSecretLen)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
	} else {
		decoded, err := base64.StdEncoding.DecodeString(secretB64)
		if err != nil {
			return nil, fmt.Errorf("decode jwt secret: %w", err)
		}
		if len(decoded) < minSecretLen {
			return nil, ErrWeakSecret
		}
		secret = decoded
	}
	return &TokenManager{
		secret: secret,
		issuer: DefaultIssuer,
		ttl:    DefaultTTL,
		now:    time.Now,
	}, nil
}

// SetTTL changes lifetime of newly issued tokens
func (m *TokenManager) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		m.ttl = ttl
	}
}

// Issue creates a signed token for the given participant
func (m *TokenManager) Issue(subject string, participant uint32, admin bool) (string, error) {
	now := m.now()
	claims := &Claims{
		Participant: participant,
		IsAdmin:     admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate checks token validity and returns its claims
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateSecureSecret generates a new secure secret key
func GenerateSecureSecret() string {
	b := make([]byte, minSecretLen)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(b)
}
