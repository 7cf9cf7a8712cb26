package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CallbackClaims bind a callback URL to one job.
type CallbackClaims struct {
	JobID string `json:"jobId"`
	jwt.RegisteredClaims
}

// CallbackTokens signs and verifies the token carried by callback URLs.
// A nil *CallbackTokens disables the check.
type CallbackTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewCallbackTokens returns nil when secret is empty.
func NewCallbackTokens(secret string, ttl time.Duration) *CallbackTokens {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CallbackTokens{secret: []byte(secret), ttl: ttl}
}

func (t *CallbackTokens) Issue(jobID string) (string, error) {
	now := time.Now()
	claims := CallbackClaims{
		JobID: jobID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks the signature and that the token names jobID.
func (t *CallbackTokens) Verify(tokenString, jobID string) error {
	if t == nil {
		return nil
	}
	if tokenString == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	token, err := jwt.ParseWithClaims(tokenString, &CallbackClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*CallbackClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	if claims.JobID != jobID {
		return fmt.Errorf("%w: token issued for another job", ErrInvalidToken)
	}
	return nil
}
