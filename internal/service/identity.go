package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxNameLength = 50

// Identity 是通过身份令牌确认的用户身份
type Identity struct {
	UserID string
	Name   string
}

// IdentityService 为 WebSocket 连接分配用户 ID 并签发身份令牌。
// 令牌让刷新后的客户端取回原来的用户 ID (以及房主身份)。
type IdentityService struct {
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewIdentityService 创建 IdentityService 实例
func NewIdentityService(jwtSecretKey string, jwtExpiryHours int) (*IdentityService, error) {
	if jwtSecretKey == "" {
		return nil, fmt.Errorf("JWT secret key cannot be empty")
	}
	if jwtExpiryHours <= 0 {
		jwtExpiryHours = 24
	}
	return &IdentityService{
		jwtSecret: []byte(jwtSecretKey),
		jwtExpiry: time.Duration(jwtExpiryHours) * time.Hour,
	}, nil
}

// NewUserID 生成新的用户 ID
func (s *IdentityService) NewUserID() string {
	return uuid.NewString()
}

// NormalizeName 清理显示名称，空名称使用基于 ID 的默认值
func NormalizeName(name, userID string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		short := userID
		if len(short) > 8 {
			short = short[:8]
		}
		return "User " + short
	}
	if r := []rune(name); len(r) > maxNameLength {
		name = string(r[:maxNameLength])
	}
	return name
}

// IssueToken 为用户签发 HS256 身份令牌
func (s *IdentityService) IssueToken(userID, name string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"name":    name,
		"iat":     now.Unix(),
		"exp":     now.Add(s.jwtExpiry).Unix(),
	})
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("IdentityService: Failed to sign token")
		return "", fmt.Errorf("%w: failed to sign token", ErrInternalServer)
	}
	return tokenString, nil
}

// ParseToken 校验令牌并返回其中的身份，任何失败都返回 ErrInvalidToken
func (s *IdentityService) ParseToken(tokenStr string) (Identity, error) {
	if tokenStr == "" {
		return Identity{}, ErrInvalidToken
	}
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: user_id claim missing", ErrInvalidToken)
	}
	name, _ := claims["name"].(string)
	return Identity{UserID: userID, Name: name}, nil
}
