package stubapp

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

var (
	ErrInvalidToken = errors.New("stubapp: invalid token")
	ErrTokenExpired = errors.New("stubapp: token expired")
)

const issuer = "critico-stub"

// tokenClaims are the claims carried by session tokens.
type tokenClaims struct {
	jwt.Claims
	Role  string `json:"role"`
	Email string `json:"email"`
}

// SignToken issues an HS256 session token for u valid for ttl.
func (a *App) SignToken(u *User, ttl time.Duration) (string, error) {
	signerOpts := jose.SignerOptions{}
	signerOpts.WithType("JWT")

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.HS256,
		Key:       a.secret,
	}, &signerOpts)
	if err != nil {
		return "", fmt.Errorf("stubapp: failed to create signer: %w", err)
	}

	now := a.now()
	claims := tokenClaims{
		Claims: jwt.Claims{
			Issuer:   issuer,
			Subject:  u.ID,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:  u.Role,
		Email: u.Email,
	}
	token, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("stubapp: failed to sign token: %w", err)
	}
	return token, nil
}

// verifyToken checks the signature and expiry of token.
func (a *App) verifyToken(token string) (*tokenClaims, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims := &tokenClaims{}
	if err := parsed.Claims(a.secret, claims); err != nil {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidToken)
	}
	if err := claims.Validate(jwt.Expected{Issuer: issuer, Time: a.now()}); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
