package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stakeflow/internal/model"
)

// SimulatedBackend 模拟链，用于本地联调和测试
// 链上状态保存在内存中，交易在 ConfirmDelay 之后落地，与客户端是否还在等待无关
type SimulatedBackend struct {
	chainID model.ChainID
	kind    model.ChainKind
	caps    Capabilities

	mu sync.Mutex
	// 份额换算率：账户模型 1 原生币 = rate 回执；token模型 1 回执 = rate 原生币
	rate     decimal.Decimal
	staked   map[string]decimal.Decimal
	receipts map[string]decimal.Decimal
	txs      map[string]*TxSpec
	calls    map[string]int

	confirmDelay time.Duration
	// token模型下落地时不创建回执token账户
	noReceiptAccount bool
	submitErr        error
	readErr          error
	revert           bool
	connected        bool
}

func NewSimulatedBackend(chainID model.ChainID, kind model.ChainKind) *SimulatedBackend {
	caps := Capabilities{DirectUnstake: true}
	if kind == model.AccountBased {
		caps = Capabilities{
			DirectUnstake:   false,
			UnstakeGuidance: "direct unstake is not supported, swap the receipt token via an external liquidity venue",
		}
	}
	return &SimulatedBackend{
		chainID:  chainID,
		kind:     kind,
		caps:     caps,
		rate:     decimal.NewFromInt(1),
		staked:   make(map[string]decimal.Decimal),
		receipts: make(map[string]decimal.Decimal),
		txs:      make(map[string]*TxSpec),
		calls:    make(map[string]int),
	}
}

// 设置份额换算率
func (s *SimulatedBackend) SetRate(rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
}

// 设置交易确认耗时
func (s *SimulatedBackend) SetConfirmDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmDelay = d
}

func (s *SimulatedBackend) SetSubmitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

func (s *SimulatedBackend) SetReadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// 后续交易上链但执行失败
func (s *SimulatedBackend) SetRevert(revert bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revert = revert
}

func (s *SimulatedBackend) SetNoReceiptAccount(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noReceiptAccount = v
}

// 直接设置链上状态，模拟其他客户端或收益带来的变化
func (s *SimulatedBackend) SetChainState(holder string, staked, receipts decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staked[holder] = staked
	s.receipts[holder] = receipts
}

// Calls 返回某个方法被调用的次数
func (s *SimulatedBackend) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// TotalCalls 所有链上交互次数（不含 ChainID/Kind/Capabilities 这类本地方法）
func (s *SimulatedBackend) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Tx 返回已提交的交易
func (s *SimulatedBackend) Tx(txID string) (*TxSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.txs[txID]
	return spec, ok
}

func (s *SimulatedBackend) ChainID() model.ChainID { return s.chainID }

func (s *SimulatedBackend) Kind() model.ChainKind { return s.kind }

func (s *SimulatedBackend) Capabilities() Capabilities { return s.caps }

func (s *SimulatedBackend) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["Connect"]++
	s.connected = true
	return nil
}

func (s *SimulatedBackend) GetBalance(ctx context.Context, holder string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["GetBalance"]++
	if s.readErr != nil {
		return decimal.Zero, s.readErr
	}
	return s.receipts[holder], nil
}

func (s *SimulatedBackend) DeriveAmount(ctx context.Context, q DeriveQuery) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["DeriveAmount"]++
	if s.readErr != nil {
		return decimal.Zero, s.readErr
	}
	if q.Holder != "" {
		if s.kind == model.AccountBased {
			return s.staked[q.Holder], nil
		}
		return s.receipts[q.Holder].Mul(s.rate), nil
	}
	return q.Amount.Mul(s.rate), nil
}

func (s *SimulatedBackend) SubmitAndConfirm(ctx context.Context, spec *TxSpec) (*TxResult, error) {
	s.mu.Lock()
	s.calls["SubmitAndConfirm"]++
	if s.submitErr != nil {
		err := s.submitErr
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrNotBroadcast, err)
	}
	txID := uuid.NewString()
	cp := *spec
	s.txs[txID] = &cp
	delay := s.confirmDelay
	revert := s.revert
	s.mu.Unlock()

	landed := make(chan struct{})
	// 交易一旦广播就会落地，客户端超时不影响链上结果
	time.AfterFunc(delay, func() {
		if !revert {
			s.land(&cp)
		}
		close(landed)
	})

	select {
	case <-landed:
	case <-ctx.Done():
		return &TxResult{TxID: txID}, ctx.Err()
	}
	if revert {
		return &TxResult{TxID: txID}, ErrReverted
	}
	return &TxResult{TxID: txID, ConfirmedAt: time.Now()}, nil
}

// 交易落地，更新链上状态
func (s *SimulatedBackend) land(spec *TxSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := spec.Holder
	switch s.kind {
	case model.AccountBased:
		credited := spec.Amount.Mul(s.rate)
		if spec.Kind == model.Unstake {
			credited = credited.Neg()
		}
		s.staked[h] = s.staked[h].Add(credited)
		s.receipts[h] = s.receipts[h].Add(credited)
	default:
		delta := spec.Amount
		if spec.Kind == model.Unstake {
			delta = delta.Neg()
		}
		s.staked[h] = s.staked[h].Add(delta)
		if !s.noReceiptAccount && !s.rate.IsZero() {
			s.receipts[h] = s.receipts[h].Add(delta.Div(s.rate))
		}
	}
}

func (s *SimulatedBackend) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}
