package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 8 * time.Hour

	tokenIssuer   = "confessd"
	tokenAudience = "confessd-moderation"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errInvalidSubject       = errors.New("token subject is not a moderator id")
	// ErrBadCredentials indicates the presented shared secret did not match.
	ErrBadCredentials = errors.New("auth: invalid credentials")
)

// TokenIssuerConfig configures the moderator JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates bearer tokens for the moderation API.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// Authenticate compares the presented shared secret in constant time.
func (i *TokenIssuer) Authenticate(secret string) error {
	if len(i.config.SigningSecret) == 0 {
		return errMissingSigningSecret
	}
	if subtle.ConstantTimeCompare([]byte(secret), i.config.SigningSecret) != 1 {
		return ErrBadCredentials
	}
	return nil
}

// IssueModeratorToken produces a signed JWT and its expiry in seconds.
func (i *TokenIssuer) IssueModeratorToken(moderatorID int64) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(moderatorID, 10),
		Issuer:    tokenIssuer,
		Audience:  []string{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the bearer token is well formed and returns the
// moderator id.
func (i *TokenIssuer) ValidateToken(tokenString string) (int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return 0, errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return 0, err
	}

	moderatorID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || moderatorID <= 0 {
		return 0, errInvalidSubject
	}
	return moderatorID, nil
}
