package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"stakeflow/pkg/logger"
)

// ConsumerService 定义了消费 Kafka 消息的通用接口
type ConsumerService interface {
	// Consume 启动一个协程消费指定主题，将消息发送到返回的通道
	Consume(ctx context.Context, topic string, groupID string) (<-chan kafka.Message, error)
}

type kafkaConsumer struct {
	brokerURL string
}

func NewKafkaConsumer(brokerURL string) ConsumerService {
	return &kafkaConsumer{
		brokerURL: brokerURL,
	}
}

func (c *kafkaConsumer) Consume(ctx context.Context, topic string, groupID string) (<-chan kafka.Message, error) {
	cfg := kafka.ReaderConfig{
		Brokers:     []string{c.brokerURL},
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		StartOffset: kafka.LastOffset,
		// 启动自动提交，每秒提交一次
		CommitInterval: time.Second,
		MaxAttempts:    3,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := kafka.NewReader(cfg)

	// 状态事件量很小，通道阻塞即可，不丢消息
	outputCh := make(chan kafka.Message, 100)
	go func() {
		defer close(outputCh)
		defer r.Close()
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				// Context 被取消（服务关闭），正常退出
				if ctx.Err() != nil {
					logger.Infof("Kafka Consumer for topic %s finished.", topic)
					return
				}
				logger.Errorf("Kafka read error on topic %s: %v", topic, err)
				time.Sleep(time.Second)
				continue
			}

			select {
			case outputCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, nil
}
