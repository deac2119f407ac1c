package model

import "time"

type StatusKind string

const (
	EventSubmitted       StatusKind = "submitted"
	EventConfirmed       StatusKind = "confirmed"
	EventFailed          StatusKind = "failed"
	EventReconciled      StatusKind = "reconciled"
	EventReconcileFailed StatusKind = "reconcile_failed"
)

// Terminal 一次操作的终态通知（成功或失败）
func (k StatusKind) Terminal() bool {
	return k == EventConfirmed || k == EventFailed
}

// StatusEvent 推送给UI等外部订阅者的状态通知
type StatusEvent struct {
	ChainID     ChainID    `json:"chain_id"`
	OperationID string     `json:"operation_id,omitempty"`
	Event       StatusKind `json:"event"`
	Detail      string     `json:"detail,omitempty"`
	TxID        string     `json:"tx_id,omitempty"`
	Err         error      `json:"-"`
	ErrMessage  string     `json:"error,omitempty"`
	Position    *Position  `json:"position,omitempty"`
	At          time.Time  `json:"at"`
}
