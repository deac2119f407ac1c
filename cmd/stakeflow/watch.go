package api

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"stakeflow/internal/consts"
	"stakeflow/internal/model"
	"stakeflow/pkg/kafka"
	"stakeflow/pkg/logger"
)

// Watch 从kafka读取状态事件并逐行输出，直到ctx结束
func Watch(ctx context.Context, consumer kafka.ConsumerService, topic, groupID string, out io.Writer) error {
	msgs, err := consumer.Consume(ctx, topic, groupID)
	if err != nil {
		return err
	}
	for m := range msgs {
		var ev model.StatusEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			logger.Warnf("[Watch] skip invalid message at offset %d: %v", m.Offset, err)
			continue
		}
		fmt.Fprintln(out, formatEvent(ev))
	}
	return nil
}

func formatEvent(ev model.StatusEvent) string {
	line := fmt.Sprintf("%s %-8s %-16s", ev.At.Local().Format(consts.TimeLayoutMs), ev.ChainID, ev.Event)
	if ev.OperationID != "" {
		line += " op=" + ev.OperationID
	}
	if ev.TxID != "" {
		line += " tx=" + ev.TxID
	}
	if ev.Position != nil {
		line += fmt.Sprintf(" staked=%s derived=%s", ev.Position.StakedAmount, ev.Position.DerivedBalance)
	}
	if ev.Detail != "" {
		line += " " + ev.Detail
	}
	if ev.ErrMessage != "" {
		line += " error=" + ev.ErrMessage
	}
	return line
}
