package push

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
)

// fcmClient is the subset of *messaging.Client we call.
type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMGateway sends through Firebase Cloud Messaging.
type FCMGateway struct {
	client fcmClient
	logger *zap.Logger
}

// NewFCMGateway wraps the messaging client of the process-wide Firebase app.
func NewFCMGateway(client *messaging.Client, logger *zap.Logger) *FCMGateway {
	return &FCMGateway{client: client, logger: logger}
}

func (g *FCMGateway) Send(ctx context.Context, msg Message) error {
	id, err := g.client.Send(ctx, &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	})
	if err != nil {
		if isFCMTokenError(err) {
			return fmt.Errorf("fcm send: %w: %v", ErrTokenUnregistered, err)
		}
		return fmt.Errorf("fcm send: %w", err)
	}

	g.logger.Debug("push sent via FCM",
		zap.String("message_id", id),
		zap.String("token_suffix", tokenSuffix(msg.Token)),
	)
	return nil
}

func isFCMTokenError(err error) bool {
	return messaging.IsUnregistered(err) ||
		messaging.IsInvalidArgument(err) ||
		messaging.IsSenderIDMismatch(err)
}
