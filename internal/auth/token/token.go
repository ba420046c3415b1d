// Package token issues and validates the short-lived HMAC tokens sandboxes
// use to call back into the backend.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
)

// Issuer is the iss claim stamped on every token.
const Issuer = "project-tab-backend"

// DefaultTTL applies when Issue is called with a zero TTL.
const DefaultTTL = time.Hour

// clockTolerance absorbs small clock skew between backend and sandbox.
const clockTolerance = 5 * time.Second

// Validation error kinds.
var (
	ErrExpired       = errors.New("token expired")
	ErrBadSignature  = errors.New("token signature invalid")
	ErrMissingClaim  = errors.New("token missing required claim")
	ErrMalformed     = errors.New("token malformed")
	ErrAgentMismatch = errors.New("token agent id mismatch")
)

// Claims are the JWT claims carried by a sandbox token.
type Claims struct {
	AgentID   string `json:"agentId"`
	SandboxID string `json:"sandboxId,omitempty"`
	jwt.RegisteredClaims
}

// Issued is the result of issuing a token.
type Issued struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service signs and validates HMAC-SHA256 tokens scoped to an agent.
// It is stateless: sandboxes are expected to renew at ~80% of TTL and the
// service does not track them.
type Service struct {
	secret []byte
	ttl    time.Duration
	logger *logger.Logger
}

// NewService creates a token service over the shared secret. ttl <= 0 uses
// DefaultTTL.
func NewService(secret string, ttl time.Duration, log *logger.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
		logger: log.WithFields(zap.String("component", "token")),
	}
}

// Issue produces a token scoped to agentID. sandboxID may be empty; ttl <= 0
// uses the service default.
func (s *Service) Issue(agentID, sandboxID string, ttl time.Duration) (*Issued, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agentId", ErrMissingClaim)
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		AgentID:   agentID,
		SandboxID: sandboxID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	s.logger.Debug("Token issued",
		zap.String("agent_id", agentID),
		zap.Time("expires_at", expiresAt))
	return &Issued{Token: signed, ExpiresAt: expiresAt}, nil
}

// Validate parses and verifies a token, returning its claims.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithLeeway(clockTolerance),
		jwt.WithIssuer(Issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, mapParseError(err)
	}

	if claims.AgentID == "" {
		return nil, fmt.Errorf("%w: agentId", ErrMissingClaim)
	}
	return &claims, nil
}

// Renew validates an existing token and reissues it for the same agent and
// sandbox. The renewed token always expires strictly later than the old one.
func (s *Service) Renew(oldToken, agentID string) (*Issued, error) {
	claims, err := s.Validate(oldToken)
	if err != nil {
		return nil, err
	}
	if claims.AgentID != agentID {
		return nil, fmt.Errorf("%w: token is for %q", ErrAgentMismatch, claims.AgentID)
	}

	issued, err := s.Issue(claims.AgentID, claims.SandboxID, 0)
	if err != nil {
		return nil, err
	}

	// JWT exp has second granularity; a same-second renewal could otherwise
	// produce an equal expiry.
	if claims.ExpiresAt != nil && !issued.ExpiresAt.After(claims.ExpiresAt.Time) {
		return s.Issue(claims.AgentID, claims.SandboxID, s.ttl+time.Second)
	}
	return issued, nil
}

func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: issuer mismatch", ErrBadSignature)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
