package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"stakeflow/conf"
	"stakeflow/internal/consts"
	"stakeflow/pkg/jwt"
	"stakeflow/pkg/response"
)

// 请求头的形式为 Authorization: Bearer token
const authorizationHeader = "Authorization"

// AuthToken 鉴权，验证token是否有效
func AuthToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := getJwtFromHeader(c)
		if err != nil {
			response.RequireAuthErr(c, err)
			c.Abort()
			return
		}
		if jwt.IsInBlackList(c, tokenStr) {
			response.RequireAuthErr(c, fmt.Errorf("token revoked"))
			c.Abort()
			return
		}
		claims, err := jwt.ParseToken(tokenStr, conf.AppConfig.Jwt.Secret)
		if err != nil {
			response.RequireAuthErr(c, err)
			c.Abort()
			return
		}

		c.Set(consts.Operator, claims.Operator)
		c.Set(consts.ClaimsCtx, claims)
		c.Set(consts.JWTTokenCtx, tokenStr)
		c.Next()
	}
}

// RequireOperator 写接口需要operator权限，必须放在AuthToken之后
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(consts.ClaimsCtx)
		claims, _ := v.(*jwt.CustomClaims)
		if !ok || claims == nil || !claims.CanOperate() {
			response.Forbidden(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

func getJwtFromHeader(c *gin.Context) (string, error) {
	aHeader := c.Request.Header.Get(authorizationHeader)
	if len(aHeader) == 0 {
		// websocket 无法设置header，允许通过query传递
		if q := c.Query("token"); q != "" {
			return q, nil
		}
		return "", fmt.Errorf("token is empty")
	}
	strs := strings.SplitN(aHeader, " ", 2)
	if len(strs) != 2 || strs[0] != "Bearer" {
		return "", fmt.Errorf("token 不符合规则")
	}
	return strs[1], nil
}
