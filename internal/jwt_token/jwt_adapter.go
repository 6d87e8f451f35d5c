package jwttoken

import (
	"anchorid/internal/identity"
	authmw "anchorid/pkg/platform/middleware/auth"
)

// ToMiddlewareClaims canonicalizes the subject so handlers compare addresses directly.
func ToMiddlewareClaims(claims *Claims) *authmw.JWTClaims {
	subject := claims.Subject
	if addr, err := identity.Parse(subject); err == nil {
		subject = addr.String()
	}
	out := &authmw.JWTClaims{
		Subject: subject,
		JTI:     claims.ID,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out
}

type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*authmw.JWTClaims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return ToMiddlewareClaims(claims), nil
}
