package middleware

import "github.com/gin-gonic/gin"

// Middleware 全局中间件，必须在业务路由之前加载
type Middleware struct{}

func NewMiddleware() *Middleware {
	return &Middleware{}
}

func (m *Middleware) Load(g *gin.Engine) {
	g.Use(gin.Recovery(), RequestId(), Logger, NoCache(), Options(), Secure())
}
