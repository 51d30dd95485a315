package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSPublisher is the subset of *sns.Client the sink uses.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSSink struct {
	client   SNSPublisher
	topicARN string
}

// NewSNSClient loads the default AWS credential chain. endpoint overrides
// the service URL for local stacks.
func NewSNSClient(ctx context.Context, region, endpoint string) (*sns.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func NewSNSSink(client SNSPublisher, topicARN string) (*SNSSink, error) {
	if strings.TrimSpace(topicARN) == "" {
		return nil, errors.New("empty sns topic arn")
	}
	return &SNSSink{client: client, topicARN: topicARN}, nil
}

func (s *SNSSink) Name() string { return "sns" }

func (s *SNSSink) Deliver(ctx context.Context, ev StatusChanged) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(data)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"subject": {DataType: aws.String("String"), StringValue: aws.String(string(ev.Subject))},
			"status":  {DataType: aws.String("String"), StringValue: aws.String(ev.Status)},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish %s: %w", s.topicARN, err)
	}
	return nil
}
