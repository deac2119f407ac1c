package position

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"

	"stakeflow/internal/chain"
	"stakeflow/internal/model"
	"stakeflow/pkg/logger"
)

var errHolderChanged = errors.New("wallet changed during read")

// Reconciler 从链上读取权威余额，纠正本地的乐观值
type Reconciler struct {
	store       *Store
	hub         *Hub
	backends    map[model.ChainID]chain.Backend
	readTimeout time.Duration
}

func NewReconciler(store *Store, hub *Hub, readTimeout time.Duration, backends ...chain.Backend) *Reconciler {
	r := &Reconciler{
		store:       store,
		hub:         hub,
		backends:    make(map[model.ChainID]chain.Backend, len(backends)),
		readTimeout: readTimeout,
	}
	for _, b := range backends {
		r.backends[b.ChainID()] = b
		store.Attach(b.ChainID(), b.Kind(), "")
	}
	return r
}

func (r *Reconciler) backend(chainID model.ChainID) (chain.Backend, bool) {
	b, ok := r.backends[chainID]
	return b, ok
}

func (r *Reconciler) readContext(parent context.Context) (context.Context, context.CancelFunc) {
	if r.readTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, r.readTimeout)
}

// Refresh 读取链上余额并整体覆盖仓位，失败时仓位保持不变
// 质押本金和回执余额分别读取，不假设两者相等
func (r *Reconciler) Refresh(ctx context.Context, chainID model.ChainID) (model.Position, error) {
	backend, ok := r.backend(chainID)
	if !ok {
		return model.Position{}, &ValidationError{Field: "chain", Reason: "unknown chain " + string(chainID)}
	}
	pos, mark := r.store.BeginRead(chainID)
	if pos.Holder == "" {
		return pos, &ValidationError{Field: "holder", Reason: "wallet not connected"}
	}

	ctx, cancel := r.readContext(ctx)
	defer cancel()

	derived, err := backend.GetBalance(ctx, pos.Holder)
	if err != nil {
		return r.failed(pos, err)
	}
	staked, err := backend.DeriveAmount(ctx, chain.DeriveQuery{Holder: pos.Holder})
	if err != nil {
		return r.failed(pos, err)
	}

	snap, ok := r.store.Overwrite(chainID, mark, staked, derived, time.Now())
	if !ok {
		if snap.Holder != pos.Holder {
			return r.failed(snap, errHolderChanged)
		}
		// 读取期间仓位已被更新的结果覆盖，丢弃本次读数
		logger.Debugf("[Reconciler] %s read superseded, dropped", chainID)
		return snap, nil
	}
	logger.Debugf("[Reconciler] %s reconciled: staked %s derived %s", chainID, snap.StakedAmount, snap.DerivedBalance)
	r.hub.Publish(model.StatusEvent{
		ChainID:  chainID,
		Event:    model.EventReconciled,
		Position: &snap,
		At:       time.Now(),
	})
	return snap, nil
}

func (r *Reconciler) failed(pos model.Position, cause error) (model.Position, error) {
	err := &ReadError{ChainID: pos.ChainID, Err: cause}
	logger.Warnf("[Reconciler] %v", err)
	r.hub.Publish(model.StatusEvent{
		ChainID:  pos.ChainID,
		Event:    model.EventReconcileFailed,
		Err:      err,
		Position: &pos,
		At:       time.Now(),
	})
	return pos, err
}

// RefreshAll 对所有已连接钱包的链对账，各链互不影响
func (r *Reconciler) RefreshAll(ctx context.Context) error {
	var errs error
	for _, pos := range r.store.All() {
		if pos.Holder == "" {
			continue
		}
		if _, ok := r.backend(pos.ChainID); !ok {
			continue
		}
		if _, err := r.Refresh(ctx, pos.ChainID); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Run 定时对账，interval 为0时不启动
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		logger.Infof("[Reconciler] periodic reconciliation disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Infof("[Reconciler] running every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshAll(ctx); err != nil {
				logger.Warnf("[Reconciler] periodic refresh: %v", err)
			}
		}
	}
}
