package services

import (
	"errors"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/pkg/utils"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenService issues and validates the tokens relays present to the ingest
// endpoint. The tab id in the claims is the only tab identity the monitor
// trusts for incoming messages.
type TokenService interface {
	IssueRelayToken(tabID domain.TabID) (string, *RelayClaims, error)
	ValidateRelayToken(tokenString string) (*RelayClaims, error)
}

type RelayClaims struct {
	TabID   domain.TabID `json:"tab_id"`
	RelayID string       `json:"relay_id"`
	jwt.RegisteredClaims
}

type tokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

func NewTokenService(secret string, ttl time.Duration) TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &tokenService{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: "rtcwatch",
	}
}

func (s *tokenService) IssueRelayToken(tabID domain.TabID) (string, *RelayClaims, error) {
	if tabID == "" {
		return "", nil, ErrUnauthorized
	}

	now := utils.Now()
	claims := &RelayClaims{
		TabID:   tabID,
		RelayID: utils.GenerateRelayID(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   string(tabID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

func (s *tokenService) ValidateRelayToken(tokenString string) (*RelayClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RelayClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*RelayClaims)
	if !ok || !token.Valid || claims.TabID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
