// Package auth resolves caller identity for the reserve engine. Identities
// are UUIDs; the engine itself decides what an identity may do (owner,
// auditor, depositor). This package only authenticates.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrInvalidSecret    = errors.New("invalid secret")
	ErrNameExists       = errors.New("name already registered")
	ErrInvalidToken     = errors.New("invalid token")
)

// Service issues and verifies caller tokens.
type Service struct {
	db        *sql.DB
	jwtSecret string
	tokenTTL  time.Duration
}

// Identity is a registered caller.
type Identity struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Claims carries the caller UUID inside the JWT.
type Claims struct {
	CallerID string `json:"caller_id"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// NewService creates an auth service backed by the identities table.
func NewService(db *sql.DB, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL == 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		db:        db,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

// Register creates a new identity and returns it along with its secret.
// The secret is returned in plain form only here; the database keeps the
// hash.
func (s *Service) Register(ctx context.Context, name string) (*Identity, string, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM identities WHERE name = $1)", name).Scan(&exists)
	if err != nil {
		return nil, "", err
	}
	if exists {
		return nil, "", ErrNameExists
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	id := uuid.New()
	now := time.Now()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO identities (id, name, secret_hash, created_at) VALUES ($1, $2, $3, $4)",
		id, name, hashSecret(secret), now,
	)
	if err != nil {
		return nil, "", err
	}

	return &Identity{ID: id, Name: name, CreatedAt: now}, secret, nil
}

// Login verifies an identity's secret and returns a signed token.
func (s *Service) Login(ctx context.Context, name, secret string) (string, error) {
	var id uuid.UUID
	var storedHash string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, secret_hash FROM identities WHERE name = $1", name,
	).Scan(&id, &storedHash)

	if err == sql.ErrNoRows {
		return "", ErrIdentityNotFound
	}
	if err != nil {
		return "", err
	}

	if hashSecret(secret) != storedHash {
		return "", ErrInvalidSecret
	}

	return s.IssueToken(id, name)
}

// IssueToken signs a token for a known caller UUID. Used by Login and by
// deployment tooling that provisions the owner identity out of band.
func (s *Service) IssueToken(callerID uuid.UUID, name string) (string, error) {
	claims := &Claims{
		CallerID: callerID.String(),
		Name:     name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// VerifyToken validates a token and returns the caller UUID it carries.
// Accepts an optional "Bearer " prefix.
func (s *Service) VerifyToken(tokenString string) (uuid.UUID, error) {
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	callerID, err := uuid.Parse(claims.CallerID)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}

	return callerID, nil
}

func hashSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}
