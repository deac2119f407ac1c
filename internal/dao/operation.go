package dao

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"stakeflow/internal/model"
)

const maxListLimit = 200

type OperationDao struct {
	db *gorm.DB
}

func NewOperationDao(db *gorm.DB) *OperationDao {
	return &OperationDao{db: db}
}

type OperationQuery struct {
	ChainID model.ChainID
	Holder  string
	Limit   int
}

// 插入操作记录
func (d *OperationDao) Create(ctx context.Context, record *model.OperationRecord) error {
	return d.db.WithContext(ctx).Create(record).Error
}

// 操作到达终态
func (d *OperationDao) Finish(ctx context.Context, operationID string, status model.OperationStatus, txID, errMsg string, snapshot datatypes.JSON, at time.Time) error {
	return d.finishQuery(d.db.WithContext(ctx), operationID, status, txID, errMsg, snapshot, at).Error
}

func (d *OperationDao) finishQuery(tx *gorm.DB, operationID string, status model.OperationStatus, txID, errMsg string, snapshot datatypes.JSON, at time.Time) *gorm.DB {
	return tx.Model(&model.OperationRecord{}).
		Where("operation_id = ?", operationID).
		Updates(map[string]interface{}{
			"status":      status,
			"tx_id":       txID,
			"error":       errMsg,
			"snapshot":    snapshot,
			"finished_at": at,
		})
}

// 查询最近的操作记录
func (d *OperationDao) List(ctx context.Context, q OperationQuery) (list []model.OperationRecord, err error) {
	err = d.listQuery(d.db.WithContext(ctx), q).Find(&list).Error
	return
}

func (d *OperationDao) listQuery(tx *gorm.DB, q OperationQuery) *gorm.DB {
	limit := q.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	tx = tx.Model(&model.OperationRecord{})
	if q.ChainID != "" {
		tx = tx.Where("chain_id = ?", q.ChainID)
	}
	if q.Holder != "" {
		tx = tx.Where("holder = ?", q.Holder)
	}
	return tx.Order("submitted_at DESC").Limit(limit)
}

// 钱包断开后隐藏该地址的历史（软删除）
func (d *OperationDao) PurgeHolder(ctx context.Context, chainID model.ChainID, holder string) (int64, error) {
	res := d.db.WithContext(ctx).
		Where("chain_id = ?", chainID).
		Where("holder = ?", holder).
		Delete(&model.OperationRecord{})
	return res.RowsAffected, res.Error
}
