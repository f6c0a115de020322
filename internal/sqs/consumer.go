// Package sqs consumes status-change events published by the back office and turns them
// into outbox rows.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/roadsync/internal/db"
	"github.com/lalithlochan/roadsync/internal/metrics"
	"github.com/lalithlochan/roadsync/internal/outbox"
)

// Intake results for metrics.
const (
	ResultEnqueued = "enqueued"
	ResultPoison   = "poison"
	ResultError    = "error"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	Endpoint string // LocalStack
	QueueURL string

	WaitSeconds       int32
	MaxMessages       int32
	VisibilityTimeout int32
	// RetryVisibility is how long a message that failed transiently stays hidden.
	RetryVisibility int32
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Enqueuer is implemented by outbox.Service.
type Enqueuer interface {
	EnqueueSignalementStatusChange(ctx context.Context, ev outbox.StatusChangeEvent) (*db.OutboxRow, error)
}

// Consumer reads status-change events from SQS.
type Consumer struct {
	client   sqsAPI
	enqueuer Enqueuer
	config   Config
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, enqueuer Enqueuer, logger *zap.Logger) (*Consumer, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs consumer requires a queue URL")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newConsumer(client, cfg, enqueuer, logger), nil
}

func newConsumer(client sqsAPI, cfg Config, enqueuer Enqueuer, logger *zap.Logger) *Consumer {
	if cfg.WaitSeconds <= 0 || cfg.WaitSeconds > 20 {
		cfg.WaitSeconds = 20
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	if cfg.RetryVisibility <= 0 {
		cfg.RetryVisibility = 30
	}

	return &Consumer{
		client:   client,
		enqueuer: enqueuer,
		config:   cfg,
		logger:   logger,
	}
}

// Run long-polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("sqs intake started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs intake stopping")
			return
		}

		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// Poll receives one batch and handles every message in it. It returns how many
// messages were received.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.config.QueueURL),
		MaxNumberOfMessages: c.config.MaxMessages,
		WaitTimeSeconds:     c.config.WaitSeconds,
		VisibilityTimeout:   c.config.VisibilityTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetSQSMessagesInFlight(len(out.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, msg := range out.Messages {
		result := c.handle(ctx, msg)
		metrics.RecordIntakeMessage(result)
	}
	return len(out.Messages), nil
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) string {
	receipt := aws.ToString(msg.ReceiptHandle)
	messageID := aws.ToString(msg.MessageId)

	var ev outbox.StatusChangeEvent
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &ev); err != nil || ev.HistoryID <= 0 {
		c.logger.Warn("dropping malformed status-change message",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		c.delete(ctx, receipt, messageID)
		return ResultPoison
	}

	row, err := c.enqueuer.EnqueueSignalementStatusChange(ctx, ev)
	switch {
	case err == nil:
		c.logger.Info("status change enqueued from sqs",
			zap.String("message_id", messageID),
			zap.Int64("history_id", ev.HistoryID),
			zap.Int64("outbox_id", row.ID),
		)
		c.delete(ctx, receipt, messageID)
		return ResultEnqueued

	case errors.Is(err, db.ErrNotFound):
		c.logger.Warn("dropping status change for unknown history row",
			zap.String("message_id", messageID),
			zap.Int64("history_id", ev.HistoryID),
			zap.Error(err),
		)
		c.delete(ctx, receipt, messageID)
		return ResultPoison

	default:
		c.logger.Error("failed to enqueue status change, leaving for redelivery",
			zap.String("message_id", messageID),
			zap.Int64("history_id", ev.HistoryID),
			zap.Error(err),
		)
		c.changeVisibility(ctx, receipt, messageID)
		return ResultError
	}
}

func (c *Consumer) delete(ctx context.Context, receipt, messageID string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		c.logger.Warn("sqs delete failed", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (c *Consumer) changeVisibility(ctx context.Context, receipt, messageID string) {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.config.QueueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: c.config.RetryVisibility,
	})
	if err != nil {
		c.logger.Warn("sqs change visibility failed", zap.String("message_id", messageID), zap.Error(err))
	}
}
