// Package kafka 提供了与 Kafka 消息队列交互的功能：投递与消费异步入库任务。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"frame-index-go/internal/config"
	"frame-index-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// attemptsTTL 是失败计数在 Redis 中的保留时间。
const attemptsTTL = 24 * time.Hour

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
}

// AttemptCounter 记录每个任务的失败次数。
type AttemptCounter interface {
	Incr(ctx context.Context, taskID string) (int64, error)
	Reset(ctx context.Context, taskID string) error
}

// RedisAttempts 是基于 Redis INCR 的 AttemptCounter。
type RedisAttempts struct {
	rdb *redis.Client
}

// NewRedisAttempts 创建 RedisAttempts。
func NewRedisAttempts(rdb *redis.Client) *RedisAttempts {
	return &RedisAttempts{rdb: rdb}
}

func attemptsKey(taskID string) string {
	return fmt.Sprintf("kafka:attempts:%s", taskID)
}

func (a *RedisAttempts) Incr(ctx context.Context, taskID string) (int64, error) {
	key := attemptsKey(taskID)
	n, err := a.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = a.rdb.Expire(ctx, key, attemptsTTL).Err()
	return n, nil
}

func (a *RedisAttempts) Reset(ctx context.Context, taskID string) error {
	return a.rdb.Del(ctx, attemptsKey(taskID)).Err()
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Producer 把入库任务写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	return &Producer{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers(cfg)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}}
}

// Produce 发送一个入库任务，以 task_id 作为消息 key。
func (p *Producer) Produce(ctx context.Context, task tasks.IngestTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.TaskID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// messageReader 是 Consumer 用到的 kafka.Reader 方法。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费入库任务。处理成功后提交 offset；失败时不提交，让 Kafka 重投，
// 同一任务失败达到 maxAttempts 次后提交 offset 终止重试。
type Consumer struct {
	reader      messageReader
	processor   TaskProcessor
	attempts    AttemptCounter
	maxAttempts int64
	log         *zap.SugaredLogger
}

// NewConsumer 创建一个消费者。attempts 为 nil 时失败的任务不提交，一直重试。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts AttemptCounter, logger *zap.SugaredLogger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(r, processor, attempts, cfg.MaxAttempts, logger)
}

func newConsumer(r messageReader, processor TaskProcessor, attempts AttemptCounter, maxAttempts int, logger *zap.SugaredLogger) *Consumer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Consumer{
		reader:      r,
		processor:   processor,
		attempts:    attempts,
		maxAttempts: int64(maxAttempts),
		log:         logger,
	}
}

// Run 循环拉取并处理消息，直到 ctx 被取消或读取失败。
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("[Kafka] 消费者已启动")
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.Errorf("[Kafka] 关闭消费者失败: %v", err)
		}
	}()
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			c.log.Errorf("[Kafka] 从 Kafka 读取消息失败: %v", err)
			return err
		}
		c.handle(ctx, m)
	}
}

// handle 处理一条消息，返回是否提交了 offset。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) bool {
	c.log.Infof("[Kafka] 收到消息: partition %d, offset %d", m.Partition, m.Offset)

	var task tasks.IngestTask
	if err := json.Unmarshal(m.Value, &task); err != nil || task.TaskID == "" {
		c.log.Errorf("[Kafka] 无法解析消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		return c.commit(ctx, m)
	}

	c.log.Infof("[Kafka] 开始处理入库任务: task_id=%s, items=%d", task.TaskID, len(task.Items))
	if err := c.processor.Process(ctx, task); err != nil {
		c.log.Errorf("[Kafka] 入库任务失败: task_id=%s, error: %v", task.TaskID, err)
		if c.attempts == nil {
			return false
		}
		attempts, incErr := c.attempts.Incr(ctx, task.TaskID)
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
			c.log.Warnf("[Kafka] 记录失败次数失败: %v", incErr)
			return false
		}
		if attempts >= c.maxAttempts {
			c.log.Errorf("[Kafka] 任务失败 %d 次，提交 offset 终止重试: task_id=%s", attempts, task.TaskID)
			return c.commit(ctx, m)
		}
		return false
	}

	c.log.Infof("[Kafka] 入库任务完成: task_id=%s", task.TaskID)
	if c.attempts != nil {
		_ = c.attempts.Reset(ctx, task.TaskID)
	}
	return c.commit(ctx, m)
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) bool {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.log.Errorf("[Kafka] 提交 offset 失败: %v", err)
		return false
	}
	return true
}
