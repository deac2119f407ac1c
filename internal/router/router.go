package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stakeflow/internal/handler/ping"
	"stakeflow/internal/handler/staking"
	"stakeflow/internal/handler/status"
	"stakeflow/internal/middleware"
	"stakeflow/internal/model"
)

type positionLister interface {
	Positions() []model.Position
}

type ApiRouter struct {
	stakingHandler *staking.Handler
	statusHandler  *status.Handler
	positions      positionLister
	metrics        http.Handler
}

// metrics 为 nil 时不注册 /metrics
func NewApiRouter(sh *staking.Handler, wh *status.Handler, positions positionLister, metrics http.Handler) *ApiRouter {
	return &ApiRouter{stakingHandler: sh, statusHandler: wh, positions: positions, metrics: metrics}
}

func (api *ApiRouter) Load(g *gin.Engine) {
	g.GET("/ping", ping.Ping())
	g.GET("/health", ping.Health(api.positions))
	if api.metrics != nil {
		g.GET("/metrics", gin.WrapH(api.metrics))
	}

	base := g.Group("/api/v1", middleware.AuthToken())
	base.GET("/status/ws", api.statusHandler.ServeWS)

	s := base.Group("/staking")
	{
		s.GET("/positions", api.stakingHandler.PositionList())
		s.GET("/positions/:chain", api.stakingHandler.PositionGet())
		s.GET("/positions/:chain/capabilities", api.stakingHandler.CapabilitiesGet())
		s.POST("/positions/:chain/refresh", middleware.AntiDuplicateMiddleware(), api.stakingHandler.PositionRefresh())
		s.GET("/operations", api.stakingHandler.OperationList())

		// 写接口需要 operator 权限
		s.POST("/stake", middleware.RequireOperator(), middleware.AntiDuplicateMiddleware(), api.stakingHandler.Stake())
		s.POST("/unstake", middleware.RequireOperator(), middleware.AntiDuplicateMiddleware(), api.stakingHandler.Unstake())
	}

	w := base.Group("/wallet", middleware.RequireOperator())
	{
		w.POST("/connect", api.stakingHandler.WalletConnect())
		w.POST("/disconnect", api.stakingHandler.WalletDisconnect())
	}
}
