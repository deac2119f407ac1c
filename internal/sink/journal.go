package sink

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/datatypes"

	"stakeflow/internal/model"
)

type journalStore interface {
	Create(ctx context.Context, record *model.OperationRecord) error
	Finish(ctx context.Context, operationID string, status model.OperationStatus, txID, errMsg string, snapshot datatypes.JSON, at time.Time) error
}

// Journal 把每次操作写入操作流水表
type Journal struct {
	store journalStore
}

func NewJournal(store journalStore) *Journal {
	return &Journal{store: store}
}

func (j *Journal) Name() string { return "journal" }

func (j *Journal) Handle(ctx context.Context, ev model.StatusEvent) error {
	switch ev.Event {
	case model.EventSubmitted:
		if ev.Position == nil || ev.Position.PendingOp == nil {
			return nil
		}
		op := ev.Position.PendingOp
		return j.store.Create(ctx, &model.OperationRecord{
			OperationID: op.ID,
			ChainID:     ev.ChainID,
			Holder:      ev.Position.Holder,
			Kind:        op.Kind,
			Amount:      op.Amount,
			Status:      model.OperationPending,
			SubmittedAt: op.SubmittedAt,
		})
	case model.EventConfirmed, model.EventFailed:
		status := model.OperationConfirmed
		if ev.Event == model.EventFailed {
			status = model.OperationFailed
		}
		var snapshot datatypes.JSON
		if ev.Position != nil {
			data, err := json.Marshal(ev.Position)
			if err != nil {
				return err
			}
			snapshot = data
		}
		return j.store.Finish(ctx, ev.OperationID, status, ev.TxID, ev.ErrMessage, snapshot, ev.At)
	}
	return nil
}
