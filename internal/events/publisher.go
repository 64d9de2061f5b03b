// Package events publishes redemption events to SNS for downstream
// analytics. Publishing is best-effort; the redemption row is the record.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// EventRedemptionRecorded is the event type published after a redemption
// commit.
const EventRedemptionRecorded = "redemption.recorded"

// Publisher sends domain events to an SNS topic.
type Publisher struct {
	client   *sns.Client
	topicARN string
}

// RedemptionEvent is the payload published after a redemption commit.
type RedemptionEvent struct {
	Type         string    `json:"type"`
	RedemptionID string    `json:"redemption_id"`
	MembershipID string    `json:"membership_id"`
	OfferID      string    `json:"offer_id"`
	BusinessID   string    `json:"business_id"`
	RedeemedAt   time.Time `json:"redeemed_at"`
}

// NewPublisher creates an SNS publisher for the given topic.
func NewPublisher(ctx context.Context, topicARN, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

// PublishRedemption publishes one redemption event.
func (p *Publisher) PublishRedemption(ctx context.Context, event RedemptionEvent) (string, error) {
	event.Type = EventRedemptionRecorded

	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type),
			},
			"business_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.BusinessID),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return *result.MessageId, nil
}
