package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"stakeflow/internal/chain"
	"stakeflow/internal/model"
	"stakeflow/pkg/logger"
)

type Options struct {
	// 客户端等待确认的超时，超时后交易仍可能落地
	ConfirmationTimeout time.Duration
	// 链上只读请求的超时
	ReadTimeout     time.Duration
	DefaultReferral string
	DefaultTarget   string
}

// 单次操作的内部阶段，对外只体现为 PendingOp
type opStage string

const (
	stageSubmitted   opStage = "submitted"
	stageConfirming  opStage = "confirming"
	stageReconciling opStage = "reconciling"
	stageFailed      opStage = "failed"
	stageIdle        opStage = "idle"
)

// Orchestrator 质押/赎回状态机，统一的下单服务
type Orchestrator struct {
	store      *Store
	hub        *Hub
	reconciler *Reconciler
	opts       Options

	wg sync.WaitGroup
}

func NewOrchestrator(store *Store, hub *Hub, opts Options, backends ...chain.Backend) *Orchestrator {
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 90 * time.Second
	}
	return &Orchestrator{
		store:      store,
		hub:        hub,
		reconciler: NewReconciler(store, hub, opts.ReadTimeout, backends...),
		opts:       opts,
	}
}

func (o *Orchestrator) Reconciler() *Reconciler {
	return o.reconciler
}

// Start 连接所有链节点，单条链失败不影响其他链
func (o *Orchestrator) Start(ctx context.Context) error {
	var errs error
	for id, b := range o.reconciler.backends {
		if err := b.Connect(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("connect %s: %w", id, err))
		}
	}
	return errs
}

// Restore 用缓存的快照恢复仓位，随后仍以对账结果为准
func (o *Orchestrator) Restore(snaps []model.Position) int {
	n := 0
	for _, snap := range snaps {
		b, ok := o.reconciler.backend(snap.ChainID)
		if !ok || snap.Holder == "" {
			continue
		}
		if _, err := o.store.Reset(snap.ChainID, snap.Holder); err != nil {
			continue
		}
		snap.Kind = b.Kind()
		if o.store.Seed(snap) {
			n++
		}
	}
	return n
}

// Submit 校验并受理一次操作，链上交互在后台进行，结果通过 OperationHandle 和状态事件返回
func (o *Orchestrator) Submit(ctx context.Context, req model.OperationRequest) (*OperationHandle, error) {
	backend, ok := o.reconciler.backend(req.ChainID)
	if !ok {
		return nil, &ValidationError{Field: "chain", Reason: fmt.Sprintf("unknown chain %q", req.ChainID)}
	}
	if !req.Kind.Valid() {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown operation %q", req.Kind)}
	}
	if req.Kind == model.Unstake {
		if caps := backend.Capabilities(); !caps.DirectUnstake {
			return nil, &UnsupportedOperationError{ChainID: req.ChainID, Kind: req.Kind, Guidance: caps.UnstakeGuidance}
		}
	}
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	pos, _ := o.store.Get(req.ChainID)
	if pos.Holder == "" {
		return nil, &ValidationError{Field: "holder", Reason: "wallet not connected"}
	}

	op := model.PendingOp{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		Amount:      req.Amount,
		SubmittedAt: time.Now(),
	}
	// 先同步占位，第二个并发请求必然看到冲突
	snap, err := o.store.Begin(req.ChainID, op)
	if err != nil {
		return nil, err
	}

	h := newOperationHandle(req.ChainID, op)
	o.logStage(req.ChainID, op, stageSubmitted)
	o.hub.Publish(model.StatusEvent{
		ChainID:     req.ChainID,
		OperationID: op.ID,
		Event:       model.EventSubmitted,
		Detail:      fmt.Sprintf("%s %s", op.Kind, op.Amount),
		Position:    &snap,
		At:          op.SubmittedAt,
	})

	o.wg.Add(1)
	go o.execute(context.WithoutCancel(ctx), backend, snap.Holder, op, h)
	return h, nil
}

func (o *Orchestrator) Stake(ctx context.Context, chainID model.ChainID, amount decimal.Decimal) (*OperationHandle, error) {
	return o.Submit(ctx, model.OperationRequest{ChainID: chainID, Kind: model.Stake, Amount: amount})
}

func (o *Orchestrator) Unstake(ctx context.Context, chainID model.ChainID, amount decimal.Decimal) (*OperationHandle, error) {
	return o.Submit(ctx, model.OperationRequest{ChainID: chainID, Kind: model.Unstake, Amount: amount})
}

func (o *Orchestrator) execute(parent context.Context, backend chain.Backend, holder string, op model.PendingOp, h *OperationHandle) {
	defer o.wg.Done()
	chainID := backend.ChainID()
	terminal := false
	txID := ""
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[Orchestrator] %s op %s panic: %v", chainID, op.ID, r)
			if !terminal {
				o.fail(chainID, op, h, txID, &SubmitError{ChainID: chainID, Err: fmt.Errorf("panic: %v", r)})
				return
			}
			// 已发出终态事件，只结束等待
			h.finish(OperationResult{TxID: txID})
		}
	}()

	ctx, cancel := context.WithTimeout(parent, o.opts.ConfirmationTimeout)
	defer cancel()

	spec := &chain.TxSpec{
		OperationID: op.ID,
		Holder:      holder,
		Kind:        op.Kind,
		Amount:      op.Amount,
	}
	switch backend.Kind() {
	case model.AccountBased:
		spec.Referral = o.opts.DefaultReferral
	case model.TokenBased:
		spec.Target = o.opts.DefaultTarget
	}

	o.logStage(chainID, op, stageConfirming)
	res, err := backend.SubmitAndConfirm(ctx, spec)
	if res != nil {
		txID = res.TxID
	}
	if err != nil {
		terminal = true
		o.fail(chainID, op, h, txID, o.classify(chainID, txID, err))
		return
	}

	stakedDelta, derivedDelta := o.optimisticDelta(parent, backend, op)
	snap, ok := o.store.Complete(chainID, op.ID, stakedDelta, derivedDelta)
	if !ok {
		logger.Warnf("[Orchestrator] %s op %s was no longer pending", chainID, op.ID)
	}
	terminal = true
	o.hub.Publish(model.StatusEvent{
		ChainID:     chainID,
		OperationID: op.ID,
		Event:       model.EventConfirmed,
		Detail:      fmt.Sprintf("%s %s confirmed", op.Kind, op.Amount),
		TxID:        txID,
		Position:    &snap,
		At:          time.Now(),
	})

	o.logStage(chainID, op, stageReconciling)
	if _, err := o.reconciler.Refresh(parent, chainID); err != nil {
		logger.Warnf("[Orchestrator] %s op %s post-confirm refresh: %v", chainID, op.ID, err)
	}
	o.logStage(chainID, op, stageIdle)
	h.finish(OperationResult{TxID: txID})
}

// 乐观增量：账户模型用合约的份额换算，token模型按原生数量记本金，回执余额等对账
func (o *Orchestrator) optimisticDelta(parent context.Context, backend chain.Backend, op model.PendingOp) (staked, derived decimal.Decimal) {
	sign := decimal.NewFromInt(op.Kind.Sign())
	if backend.Kind() == model.TokenBased {
		return op.Amount.Mul(sign), decimal.Zero
	}

	ctx, cancel := o.reconciler.readContext(parent)
	defer cancel()
	credited, err := backend.DeriveAmount(ctx, chain.DeriveQuery{Amount: op.Amount})
	if err != nil {
		// 换算失败不影响操作结果，由对账修正
		logger.Warnf("[Orchestrator] %s op %s derive amount: %v", backend.ChainID(), op.ID, err)
		return decimal.Zero, decimal.Zero
	}
	credited = credited.Mul(sign)
	return credited, credited
}

func (o *Orchestrator) classify(chainID model.ChainID, txID string, err error) error {
	switch {
	case errors.Is(err, chain.ErrReverted):
		return &RevertedError{ChainID: chainID, TxID: txID, Err: err}
	case errors.Is(err, chain.ErrNotBroadcast):
		return &SubmitError{ChainID: chainID, Err: err}
	case txID == "" && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled):
		return &SubmitError{ChainID: chainID, Err: err}
	}
	// 已广播但结果未知
	return &ConfirmationTimeoutError{ChainID: chainID, TxID: txID, Timeout: o.opts.ConfirmationTimeout, Err: err}
}

func (o *Orchestrator) fail(chainID model.ChainID, op model.PendingOp, h *OperationHandle, txID string, err error) {
	snap, ok := o.store.Abort(chainID, op.ID)
	if !ok {
		logger.Warnf("[Orchestrator] %s op %s was no longer pending", chainID, op.ID)
	}
	o.logStage(chainID, op, stageFailed)
	logger.Errorf("[Orchestrator] %s op %s failed: %v", chainID, op.ID, err)
	o.hub.Publish(model.StatusEvent{
		ChainID:     chainID,
		OperationID: op.ID,
		Event:       model.EventFailed,
		TxID:        txID,
		Err:         err,
		Position:    &snap,
		At:          time.Now(),
	})
	h.finish(OperationResult{TxID: txID, Err: err})
}

func (o *Orchestrator) logStage(chainID model.ChainID, op model.PendingOp, stage opStage) {
	logger.Info("operation stage",
		logger.Pair("chain", chainID),
		logger.Pair("operation", op.ID),
		logger.Pair("kind", op.Kind),
		logger.Pair("amount", op.Amount.String()),
		logger.Pair("stage", stage),
	)
}

// Position 返回最近的快照，不做任何I/O
func (o *Orchestrator) Position(chainID model.ChainID) (model.Position, bool) {
	return o.store.Get(chainID)
}

func (o *Orchestrator) Positions() []model.Position {
	return o.store.All()
}

func (o *Orchestrator) Capabilities(chainID model.ChainID) (chain.Capabilities, bool) {
	b, ok := o.reconciler.backend(chainID)
	if !ok {
		return chain.Capabilities{}, false
	}
	return b.Capabilities(), true
}

func (o *Orchestrator) OnStatus(l Listener) func() {
	return o.hub.Subscribe(l)
}

// Connect 钱包连接或重连：切换持有人后立即对账
// 对账失败时钱包仍然是已连接状态，错误为 ReadError
func (o *Orchestrator) Connect(ctx context.Context, chainID model.ChainID, holder string) (model.Position, error) {
	if _, ok := o.reconciler.backend(chainID); !ok {
		return model.Position{}, &ValidationError{Field: "chain", Reason: fmt.Sprintf("unknown chain %q", chainID)}
	}
	if holder == "" {
		return model.Position{}, &ValidationError{Field: "address", Reason: "must not be empty"}
	}
	if pos, _ := o.store.Get(chainID); pos.Holder != holder {
		if _, err := o.store.Reset(chainID, holder); err != nil {
			return pos, err
		}
		logger.Infof("[Orchestrator] %s wallet connected: %s", chainID, holder)
	}
	return o.reconciler.Refresh(ctx, chainID)
}

// Disconnect 钱包断开，仓位重置
func (o *Orchestrator) Disconnect(chainID model.ChainID) (model.Position, error) {
	if _, ok := o.reconciler.backend(chainID); !ok {
		return model.Position{}, &ValidationError{Field: "chain", Reason: fmt.Sprintf("unknown chain %q", chainID)}
	}
	pos, err := o.store.Reset(chainID, "")
	if err != nil {
		return pos, err
	}
	logger.Infof("[Orchestrator] %s wallet disconnected", chainID)
	return pos, nil
}

// Shutdown 等待进行中的操作结束
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, b := range o.reconciler.backends {
		b.Close()
	}
	return nil
}

type OperationResult struct {
	TxID string
	Err  error
}

// OperationHandle 已受理的操作，Done 在操作到达终态并完成对账后关闭
type OperationHandle struct {
	ID          string
	ChainID     model.ChainID
	Kind        model.OpKind
	Amount      decimal.Decimal
	SubmittedAt time.Time

	done   chan struct{}
	once   sync.Once
	result OperationResult
}

func newOperationHandle(chainID model.ChainID, op model.PendingOp) *OperationHandle {
	return &OperationHandle{
		ID:          op.ID,
		ChainID:     chainID,
		Kind:        op.Kind,
		Amount:      op.Amount,
		SubmittedAt: op.SubmittedAt,
		done:        make(chan struct{}),
	}
}

func (h *OperationHandle) finish(res OperationResult) {
	h.once.Do(func() {
		h.result = res
		close(h.done)
	})
}

func (h *OperationHandle) Done() <-chan struct{} {
	return h.done
}

// Result 操作未结束时 ok 为 false
func (h *OperationHandle) Result() (res OperationResult, ok bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return OperationResult{}, false
	}
}

// Wait 只停止等待，不会取消链上的交易
func (h *OperationHandle) Wait(ctx context.Context) (OperationResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return OperationResult{}, ctx.Err()
	}
}
