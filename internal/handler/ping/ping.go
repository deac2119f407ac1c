package ping

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stakeflow/internal/model"
)

type positionLister interface {
	Positions() []model.Position
}

func Ping() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "\r\nSuccess")
	}
}

// Health 返回接入的链和各链是否有进行中的操作
func Health(p positionLister) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		chains := make(map[model.ChainID]gin.H)
		for _, pos := range p.Positions() {
			chains[pos.ChainID] = gin.H{
				"wallet_connected": pos.Holder != "",
				"pending":          !pos.Idle(),
				"last_reconciled":  pos.LastReconciledAt,
			}
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "chains": chains})
	}
}
