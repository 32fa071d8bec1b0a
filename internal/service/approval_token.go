package service

import (
	stderrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
)

// TokenClaims is the JWT payload of an email action reference. The jti
// is the at-most-once key: it must also exist unconsumed in the
// approval_tokens table for the decision to go through.
type TokenClaims struct {
	TaskID     string `json:"task_id"`
	ApproverID string `json:"approver_id"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates approval action tokens.
type TokenIssuer struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

// NewTokenIssuer creates a new TokenIssuer.
func NewTokenIssuer(signingKey, issuer string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{signingKey: []byte(signingKey), issuer: issuer, ttl: ttl}
}

// IssuedToken pairs the signed token string with its server-side record.
type IssuedToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// Issue signs a token authorizing one decision on one task by one
// approver.
func (t *TokenIssuer) Issue(taskID, approverID string) (*IssuedToken, error) {
	now := time.Now()
	expiresAt := now.Add(t.ttl)
	jti := uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		TaskID:     taskID,
		ApproverID: approverID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(t.signingKey)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to sign approval token")
	}
	return &IssuedToken{Token: signed, JTI: jti, ExpiresAt: expiresAt}, nil
}

// Parse validates a token string. An expired token is rejected with a
// distinct reason from a malformed or mis-signed one.
func (t *TokenIssuer) Parse(tokenString string) (*TokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return t.signingKey, nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.New(errors.ErrCodeUnauthorized, "approval token has expired")
		}
		return nil, errors.New(errors.ErrCodeUnauthorized, "invalid approval token")
	}

	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New(errors.ErrCodeUnauthorized, "invalid approval token")
	}
	return claims, nil
}
