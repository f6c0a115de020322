package push

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSNS struct {
	endpointErr error
	publishErr  error
	endpoints   []string
	published   []*sns.PublishInput
}

func (f *fakeSNS) CreatePlatformEndpoint(ctx context.Context, in *sns.CreatePlatformEndpointInput, _ ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error) {
	if f.endpointErr != nil {
		return nil, f.endpointErr
	}
	f.endpoints = append(f.endpoints, aws.ToString(in.Token))
	return &sns.CreatePlatformEndpointOutput{EndpointArn: aws.String("arn:aws:sns:eu-west-1:1:endpoint/GCM/app/" + aws.ToString(in.Token))}, nil
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, in)
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func newTestSNSGateway(api *fakeSNS) *SNSGateway {
	return &SNSGateway{client: api, platformAppARN: "arn:aws:sns:eu-west-1:1:app/GCM/roadsync", logger: zap.NewNop()}
}

func TestSNSGateway_Send(t *testing.T) {
	api := &fakeSNS{}
	g := newTestSNSGateway(api)

	err := g.Send(context.Background(), Message{
		Token: "tok-1",
		Title: "Signalement mis à jour",
		Body:  "En cours",
		Data:  map[string]string{"history_id": "3"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"tok-1"}, api.endpoints)
	require.Len(t, api.published, 1)
	in := api.published[0]
	assert.Equal(t, "json", aws.ToString(in.MessageStructure))
	assert.Contains(t, aws.ToString(in.TargetArn), "tok-1")

	var outer map[string]string
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.Message)), &outer))
	assert.Equal(t, "En cours", outer["default"])

	var inner gcmEnvelope
	require.NoError(t, json.Unmarshal([]byte(outer["GCM"]), &inner))
	assert.Equal(t, "Signalement mis à jour", inner.Notification.Title)
	assert.Equal(t, "3", inner.Data["history_id"])
}

func TestSNSGateway_TokenErrors(t *testing.T) {
	tests := []struct {
		name string
		api  *fakeSNS
		want bool
	}{
		{"endpoint_disabled", &fakeSNS{publishErr: &types.EndpointDisabledException{Message: aws.String("disabled")}}, true},
		{"invalid_token", &fakeSNS{endpointErr: &types.InvalidParameterException{Message: aws.String("bad token")}}, true},
		{"throttled", &fakeSNS{publishErr: errors.New("throttled")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestSNSGateway(tt.api).Send(context.Background(), Message{Token: "tok"})
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.Is(err, ErrTokenUnregistered))
		})
	}
}

func TestNewSNSGateway_RequiresPlatformApp(t *testing.T) {
	_, err := NewSNSGateway(context.Background(), SNSConfig{Region: "eu-west-1"}, zap.NewNop())
	assert.Error(t, err)
}
