package staking

import (
	"time"

	"github.com/shopspring/decimal"

	"stakeflow/internal/model"
)

type OperationReq struct {
	Chain  string          `json:"chain" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	// 为true时等待操作到达终态再返回
	Wait bool `json:"wait"`
}

type OperationResp struct {
	OperationID string          `json:"operation_id"`
	Chain       model.ChainID   `json:"chain"`
	Kind        model.OpKind    `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Status      string          `json:"status"`
	TxID        string          `json:"tx_id,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type ConnectReq struct {
	Chain   string `json:"chain" binding:"required"`
	Address string `json:"address" binding:"required,max=128"`
}

type DisconnectReq struct {
	Chain string `json:"chain" binding:"required"`
	// 同时隐藏该地址的操作记录
	Purge bool `json:"purge"`
}

type OperationListReq struct {
	Chain  string `form:"chain"`
	Holder string `form:"holder" binding:"max=128"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=200"`
}

type CapabilitiesResp struct {
	Chain           model.ChainID   `json:"chain"`
	Kind            model.ChainKind `json:"kind"`
	DirectUnstake   bool            `json:"direct_unstake"`
	UnstakeGuidance string          `json:"unstake_guidance,omitempty"`
}
