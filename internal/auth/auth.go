// Package auth authenticates patrons and issues the bearer tokens that carry
// their identity to the session and ledger routes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/idgen"
	"github.com/goodtune/kcafe/internal/metrics"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultTokenTTL is the default lifetime of an issued token.
	DefaultTokenTTL = 24 * time.Hour

	// DefaultBcryptCost is the cost factor for bcrypt password hashing.
	DefaultBcryptCost = 12

	// DefaultRevocationCacheSize bounds the number of remembered logouts.
	DefaultRevocationCacheSize = 10000

	issuer = "kcafe"
)

var (
	// ErrAuthFailed is returned for an unknown email or a wrong password.
	ErrAuthFailed = errors.New("auth: invalid credentials")

	// ErrTokenExpired is returned for a token past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned for a malformed, forged or revoked token.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims represents the JWT claims for a patron. Subject holds the patron id
// and ID the token id used for revocation.
type Claims struct {
	jwt.RegisteredClaims
}

// Config holds gate configuration
type Config struct {
	JWTSecret           string
	TokenTTL            time.Duration
	BcryptCost          int
	RevocationCacheSize int
	Clock               clock.Clock
}

// Gate checks patron credentials and issues and verifies tokens.
type Gate struct {
	patrons    storage.PatronStore
	secret     []byte
	tokenTTL   time.Duration
	bcryptCost int
	clock      clock.Clock
	revoked    *expirable.LRU[string, struct{}]
	logger     zerolog.Logger
}

// NewGate creates a new authentication gate.
func NewGate(patrons storage.PatronStore, config Config, logger zerolog.Logger) *Gate {
	if config.TokenTTL <= 0 {
		config.TokenTTL = DefaultTokenTTL
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = DefaultBcryptCost
	}
	if config.RevocationCacheSize <= 0 {
		config.RevocationCacheSize = DefaultRevocationCacheSize
	}
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}

	return &Gate{
		patrons:    patrons,
		secret:     []byte(config.JWTSecret),
		tokenTTL:   config.TokenTTL,
		bcryptCost: config.BcryptCost,
		clock:      config.Clock,
		// A revoked token only needs remembering until it would expire anyway.
		revoked: expirable.NewLRU[string, struct{}](config.RevocationCacheSize, nil, config.TokenTTL),
		logger:  logger.With().Str("component", "auth").Logger(),
	}
}

// HashPassword hashes a password using bcrypt.
func (g *Gate) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), g.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Register creates a patron with a hashed password.
func (g *Gate) Register(ctx context.Context, name, email, password string) (*storage.Patron, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("register patron: email and password are required")
	}

	hash, err := g.HashPassword(password)
	if err != nil {
		return nil, err
	}
	id, err := idgen.NewPatronID()
	if err != nil {
		return nil, err
	}

	patron := storage.Patron{
		ID:           id,
		Name:         name,
		Email:        storage.NormalizeEmail(email),
		PasswordHash: hash,
		CreatedAt:    g.clock.Now(),
	}
	if err := g.patrons.Create(ctx, patron); err != nil {
		return nil, fmt.Errorf("register patron %s: %w", patron.Email, err)
	}
	return &patron, nil
}

// Authenticate checks an email and password and returns the patron id.
func (g *Gate) Authenticate(ctx context.Context, email, password string) (string, error) {
	patron, err := g.patrons.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.LoginAttempts.WithLabelValues("unknown_email").Inc()
			return "", ErrAuthFailed
		}
		metrics.LoginAttempts.WithLabelValues("error").Inc()
		return "", fmt.Errorf("get patron: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(patron.PasswordHash), []byte(password)); err != nil {
		metrics.LoginAttempts.WithLabelValues("bad_password").Inc()
		g.logger.Info().Str("patron_id", patron.ID).Msg("Rejected login")
		return "", ErrAuthFailed
	}

	metrics.LoginAttempts.WithLabelValues("ok").Inc()
	return patron.ID, nil
}

// IssueToken signs a token for patronID.
func (g *Gate) IssueToken(patronID string) (string, time.Time, error) {
	jti, err := idgen.NewTokenID()
	if err != nil {
		return "", time.Time{}, err
	}

	now := g.clock.Now()
	expiresAt := now.Add(g.tokenTTL)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   patronID,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyToken validates a token and returns the patron id it was issued to.
func (g *Gate) VerifyToken(token string) (string, error) {
	claims, err := g.parse(token)
	if err != nil {
		return "", err
	}
	if g.revoked.Contains(claims.ID) {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// Revoke invalidates a token before its expiry. Revoking an already expired
// token is a no-op.
func (g *Gate) Revoke(token string) error {
	claims, err := g.parse(token)
	if errors.Is(err, ErrTokenExpired) {
		return nil
	}
	if err != nil {
		return err
	}
	g.revoked.Add(claims.ID, struct{}{})
	g.logger.Debug().Str("patron_id", claims.Subject).Str("token_id", claims.ID).Msg("Revoked token")
	return nil
}

func (g *Gate) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
