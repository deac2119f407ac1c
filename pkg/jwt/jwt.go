package jwt

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"

	"stakeflow/conf"
	"stakeflow/pkg/cache"
	"stakeflow/pkg/logger"
)

const (
	// 可以发起质押/赎回
	SubOperator = "operator"
	// 只读，查看仓位和操作记录
	SubViewer = "viewer"
)

type CustomClaims struct {
	Operator string `json:"operator"`
	Sub      string `json:"sub"`
	jwt.RegisteredClaims
}

func (claims *CustomClaims) CanOperate() bool {
	return claims.Sub == SubOperator
}

func BuildClaims(exp time.Time, operator string, readOnly bool) *CustomClaims {
	sub := SubOperator
	if readOnly {
		sub = SubViewer
	}
	return &CustomClaims{
		Operator: operator,
		Sub:      sub,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    conf.AppConfig.AppName,
		},
	}
}

func GenToken(c *CustomClaims, secretKey string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(secretKey))
}

// 解析jwt token
func ParseToken(jwtStr, secretKey string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(jwtStr, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secretKey), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func getBlackListKey(token string) string {
	sum := md5.Sum([]byte(token))
	return "stakeflow:jwt_black_list:" + hex.EncodeToString(sum[:])
}

// JoinBlackList 注销token，直到过期前都不可用；未启用redis时返回错误
func JoinBlackList(ctx context.Context, tokenStr string, secretKey string) error {
	if !cache.Enabled() {
		return errors.New("token blacklist requires redis")
	}
	claims, err := ParseToken(tokenStr, secretKey)
	if err != nil {
		return err
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	return cache.GetRedisClient().SetNX(ctx, getBlackListKey(tokenStr), time.Now().Unix(), ttl).Err()
}

func IsInBlackList(ctx context.Context, token string) bool {
	if !cache.Enabled() {
		return false
	}
	err := cache.GetRedisClient().Get(ctx, getBlackListKey(token)).Err()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Errorf("Redis连接异常:%v", err.Error())
		}
		return false
	}
	return true
}
