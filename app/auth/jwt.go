package auth

import (
	"errors"
	"time"

	"wanistream/app/config"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenFresh 令牌剩余有效期超过一小时，无需刷新
	ErrTokenFresh = errors.New("token still valid, no need to refresh")
)

const refreshWindow = time.Hour

// Claims 控制台操作员令牌
type Claims struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTService 签发与校验控制台令牌
type JWTService struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewJWTService(cfg config.JWTConfig) *JWTService {
	return &JWTService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    time.Duration(cfg.ExpireTime) * time.Hour,
	}
}

// TTL 令牌有效期
func (j *JWTService) TTL() time.Duration {
	return j.ttl
}

// GenerateToken 返回令牌及其过期时间
func (j *JWTService) GenerateToken(userID uint, username string) (string, time.Time, error) {
	now := time.Now()
	expireAt := now.Add(j.ttl)
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expireAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	return token, expireAt, err
}

func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return j.secret, nil
	}, jwt.WithIssuer(j.issuer))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// RefreshToken 仅在令牌一小时内到期时换发新令牌
func (j *JWTService) RefreshToken(tokenString string) (string, time.Time, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", time.Time{}, err
	}
	if time.Until(claims.ExpiresAt.Time) > refreshWindow {
		return "", time.Time{}, ErrTokenFresh
	}
	return j.GenerateToken(claims.UserID, claims.Username)
}
