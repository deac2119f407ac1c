package chain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"stakeflow/internal/model"
)

var (
	// 交易没有离开客户端（构建、签名或发送失败），链上不会有任何变化
	ErrNotBroadcast = errors.New("transaction not broadcast")
	// 交易已上链但执行失败
	ErrReverted = errors.New("transaction reverted on chain")
)

// Backend 单条链的能力接口：连接、余额查询、交易提交与确认
type Backend interface {
	ChainID() model.ChainID
	Kind() model.ChainKind
	Capabilities() Capabilities

	// 连接节点
	Connect(ctx context.Context) error
	// 查询持有人的回执资产余额（stETH / JitoSOL）
	GetBalance(ctx context.Context, holder string) (decimal.Decimal, error)
	// 提交交易并阻塞等待到配置的确认级别，或ctx结束
	// 交易已广播但等待被中断时，返回带TxID的结果和ctx的错误
	SubmitAndConfirm(ctx context.Context, spec *TxSpec) (*TxResult, error)
	// 使用链上自己的换算规则（份额 / 汇率）换算数量
	DeriveAmount(ctx context.Context, q DeriveQuery) (decimal.Decimal, error)

	Close()
}

type Capabilities struct {
	// 是否支持直接赎回
	DirectUnstake bool
	// 不支持赎回时给用户的提示
	UnstakeGuidance string
}

// TxSpec 一笔质押/赎回交易的描述
type TxSpec struct {
	OperationID string
	Holder      string
	Kind        model.OpKind
	Amount      decimal.Decimal
	// 目标程序/合约地址，为空时使用后端默认值
	Target string
	// 推荐人地址（Lido submit 参数）
	Referral string
}

type TxResult struct {
	TxID        string
	Block       uint64 // 区块高度或slot
	ConfirmedAt time.Time
}

// DeriveQuery 换算请求：Holder 非空时换算该持有人的份额/token账户，否则换算 Amount
type DeriveQuery struct {
	Holder string
	Amount decimal.Decimal
}

// Signer 外部签名能力，服务本身不持有私钥
type Signer interface {
	Sign(ctx context.Context, chainID model.ChainID, holder string, payload []byte) ([]byte, error)
}
