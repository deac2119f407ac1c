package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 链标识
type ChainID string

const (
	ChainEthereum ChainID = "ethereum"
	ChainSolana   ChainID = "solana"
)

// 链的质押模型，决定下单策略
type ChainKind string

const (
	// 账户/余额模型，质押通过合约调用完成（Lido）
	AccountBased ChainKind = "account"
	// 原生转账 + token 账户模型（Jito）
	TokenBased ChainKind = "token"
)

// 操作类型
type OpKind string

const (
	Stake   OpKind = "stake"
	Unstake OpKind = "unstake"
)

func (k OpKind) Valid() bool {
	return k == Stake || k == Unstake
}

// Sign 质押为正，赎回为负
func (k OpKind) Sign() int64 {
	if k == Unstake {
		return -1
	}
	return 1
}

// 正在进行中的操作
type PendingOp struct {
	ID          string          `json:"id"`
	Kind        OpKind          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Position 单条链上的质押仓位
type Position struct {
	ChainID          ChainID         `json:"chain_id"`
	Kind             ChainKind       `json:"kind"`
	Holder           string          `json:"holder"`
	StakedAmount     decimal.Decimal `json:"staked_amount"`   // 质押本金（原生币）
	DerivedBalance   decimal.Decimal `json:"derived_balance"` // 回执资产余额（stETH / JitoSOL）
	PendingOp        *PendingOp      `json:"pending_op,omitempty"`
	LastReconciledAt *time.Time      `json:"last_reconciled_at,omitempty"`
}

// Clone 深拷贝，对外只暴露快照
func (p Position) Clone() Position {
	c := p
	if p.PendingOp != nil {
		op := *p.PendingOp
		c.PendingOp = &op
	}
	if p.LastReconciledAt != nil {
		t := *p.LastReconciledAt
		c.LastReconciledAt = &t
	}
	return c
}

func (p Position) Idle() bool {
	return p.PendingOp == nil
}

// 用户发起的操作请求
type OperationRequest struct {
	ChainID ChainID         `json:"chain"`
	Kind    OpKind          `json:"kind"`
	Amount  decimal.Decimal `json:"amount"`
}
