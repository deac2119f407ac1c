package kafka

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"stakeflow/pkg/logger"
)

// Kafka 生产者服务
// 定义接口，方便测试和替换
type ProducerService interface {
	// Produce 序列化为JSON后写入，key 决定分区
	Produce(ctx context.Context, key []byte, msg any) error
	Close() error
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokerURL, topic string) ProducerService {
	return &kafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokerURL),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // 相同链的事件进入同一分区，保证顺序
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (p *kafkaProducer) Produce(ctx context.Context, key []byte, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: data,
	})
}

func (p *kafkaProducer) Close() error {
	if err := p.writer.Close(); err != nil {
		logger.Errorf("Error closing %s writer: %v", p.writer.Topic, err)
		return err
	}
	return nil
}
