package sink

import (
	"context"

	"stakeflow/internal/model"
)

type producer interface {
	Produce(ctx context.Context, key []byte, msg any) error
}

// Publisher 把状态事件发到kafka，同一条链的事件使用相同的key保证顺序
type Publisher struct {
	producer producer
}

func NewPublisher(p producer) *Publisher {
	return &Publisher{producer: p}
}

func (p *Publisher) Name() string { return "kafka" }

func (p *Publisher) Handle(ctx context.Context, ev model.StatusEvent) error {
	return p.producer.Produce(ctx, []byte(ev.ChainID), ev)
}
