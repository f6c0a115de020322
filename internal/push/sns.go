package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

type snsAPI interface {
	CreatePlatformEndpoint(ctx context.Context, in *sns.CreatePlatformEndpointInput, optFns ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error)
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSGateway sends through SNS mobile push on a GCM platform application.
type SNSGateway struct {
	client         snsAPI
	platformAppARN string
	logger         *zap.Logger
}

type SNSConfig struct {
	Region         string
	Endpoint       string // LocalStack
	PlatformAppARN string
}

// NewSNSGateway loads the default AWS config for the region.
func NewSNSGateway(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSGateway, error) {
	if cfg.PlatformAppARN == "" {
		return nil, errors.New("sns gateway requires a platform application ARN")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &SNSGateway{client: client, platformAppARN: cfg.PlatformAppARN, logger: logger}, nil
}

type gcmEnvelope struct {
	Notification struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"notification"`
	Data map[string]string `json:"data,omitempty"`
}

func gcmPayload(msg Message) (string, error) {
	var env gcmEnvelope
	env.Notification.Title = msg.Title
	env.Notification.Body = msg.Body
	env.Data = msg.Data

	inner, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	outer, err := json.Marshal(map[string]string{
		"default": msg.Body,
		"GCM":     string(inner),
	})
	if err != nil {
		return "", err
	}
	return string(outer), nil
}

// Send registers the token (idempotent on SNS side) and publishes to its endpoint.
func (g *SNSGateway) Send(ctx context.Context, msg Message) error {
	ep, err := g.client.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(g.platformAppARN),
		Token:                  aws.String(msg.Token),
	})
	if err != nil {
		return wrapSNSError("sns create endpoint", err)
	}

	payload, err := gcmPayload(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	out, err := g.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        ep.EndpointArn,
		Message:          aws.String(payload),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return wrapSNSError("sns publish", err)
	}

	g.logger.Debug("push sent via SNS",
		zap.String("message_id", aws.ToString(out.MessageId)),
		zap.String("endpoint_arn", aws.ToString(ep.EndpointArn)),
	)
	return nil
}

func wrapSNSError(op string, err error) error {
	var disabled *types.EndpointDisabledException
	var invalid *types.InvalidParameterException
	if errors.As(err, &disabled) || errors.As(err, &invalid) {
		return fmt.Errorf("%s: %w: %v", op, ErrTokenUnregistered, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
