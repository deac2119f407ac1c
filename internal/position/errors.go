package position

import (
	"errors"
	"fmt"
	"time"

	"stakeflow/internal/model"
)

// ValidationError 请求参数不合法，不会触达链
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Retryable() bool { return false }

// ConflictError 该链上已有进行中的操作
type ConflictError struct {
	ChainID     model.ChainID
	OperationID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("operation %s already pending on %s", e.OperationID, e.ChainID)
}

func (e *ConflictError) Retryable() bool { return false }

// UnsupportedOperationError 链本身不支持的操作，属于终态
type UnsupportedOperationError struct {
	ChainID  model.ChainID
	Kind     model.OpKind
	Guidance string
}

func (e *UnsupportedOperationError) Error() string {
	if e.Guidance == "" {
		return fmt.Sprintf("%s is not supported on %s", e.Kind, e.ChainID)
	}
	return fmt.Sprintf("%s is not supported on %s: %s", e.Kind, e.ChainID, e.Guidance)
}

func (e *UnsupportedOperationError) Retryable() bool { return false }

// SubmitError 交易在上链前失败（构建、签名、发送），链上没有变化，可以重试
type SubmitError struct {
	ChainID model.ChainID
	Err     error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit on %s failed: %v", e.ChainID, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

func (e *SubmitError) Retryable() bool { return true }

// ConfirmationTimeoutError 等待确认超时，交易可能已经落地，需要先对账再决定是否重试
type ConfirmationTimeoutError struct {
	ChainID model.ChainID
	TxID    string
	Timeout time.Duration
	Err     error
}

func (e *ConfirmationTimeoutError) Error() string {
	if e.TxID == "" {
		return fmt.Sprintf("confirmation on %s not reached within %s: %v", e.ChainID, e.Timeout, e.Err)
	}
	return fmt.Sprintf("confirmation of %s on %s not reached within %s", e.TxID, e.ChainID, e.Timeout)
}

func (e *ConfirmationTimeoutError) Unwrap() error { return e.Err }

func (e *ConfirmationTimeoutError) Retryable() bool { return false }

// RevertedError 交易已上链但执行失败
type RevertedError struct {
	ChainID model.ChainID
	TxID    string
	Err     error
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("transaction %s reverted on %s", e.TxID, e.ChainID)
}

func (e *RevertedError) Unwrap() error { return e.Err }

func (e *RevertedError) Retryable() bool { return false }

// ReadError 对账读取失败，仓位保持不变
type ReadError struct {
	ChainID model.ChainID
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s failed: %v", e.ChainID, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

func (e *ReadError) Retryable() bool { return true }

// Retryable 判断错误是否可以直接重试
func Retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
