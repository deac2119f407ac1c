package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/plugin/soft_delete"
)

type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationConfirmed OperationStatus = "confirmed"
	OperationFailed    OperationStatus = "failed"
)

// OperationRecord 质押操作流水
type OperationRecord struct {
	ID          uint            `gorm:"column:id;primary_key;" json:"id"`
	OperationID string          `gorm:"column:operation_id;uniqueIndex;size:64" json:"operation_id"`
	ChainID     ChainID         `gorm:"column:chain_id;index;size:32" json:"chain_id"`
	Holder      string          `gorm:"column:holder;index;size:128" json:"holder"`
	Kind        OpKind          `gorm:"column:kind;size:16" json:"kind"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(38,18)" json:"amount"`
	Status      OperationStatus `gorm:"column:status;size:16" json:"status"`
	TxID        string          `gorm:"column:tx_id;size:128" json:"tx_id"`
	Error       string          `gorm:"column:error;type:text" json:"error"`
	// 终态时的仓位快照
	Snapshot    datatypes.JSON        `gorm:"column:snapshot" json:"snapshot"`
	SubmittedAt time.Time             `gorm:"column:submitted_at" json:"submitted_at"`
	FinishedAt  *time.Time            `gorm:"column:finished_at" json:"finished_at"`
	CreatedAt   time.Time             `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time             `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt   soft_delete.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (OperationRecord) TableName() string {
	return "staking_operation"
}
