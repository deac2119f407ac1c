package sink

import (
	"context"

	"stakeflow/internal/model"
)

type recordWriter interface {
	Record(result any) error
}

// Recorder 没有配置kafka时把事件追加到本地文件
type Recorder struct {
	w recordWriter
}

func NewRecorder(w recordWriter) *Recorder {
	return &Recorder{w: w}
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Handle(_ context.Context, ev model.StatusEvent) error {
	return r.w.Record(ev)
}
