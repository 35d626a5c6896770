// Package notifications publishes operational alerts: a model's breaker
// opening, or the shared free tier running out. Alerts are best-effort and
// never block the request path.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type AlertType string

const (
	AlertBreakerOpened     AlertType = "breaker_opened"
	AlertFreeTierExhausted AlertType = "free_tier_exhausted"
)

type Alert struct {
	Type    AlertType         `json:"type"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// Notifier publishes alerts.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// SNSNotifier publishes alerts to an SNS topic.
type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func (n *SNSNotifier) Send(ctx context.Context, alert Alert) error {
	message, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(alert.Type)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	slog.Info("alert published", "type", alert.Type)
	return nil
}

// InMemoryNotifier collects alerts in process, for local runs and tests.
type InMemoryNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(_ context.Context, alert Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.alerts = append(n.alerts, alert)
	slog.Info("alert recorded (in-memory)", "type", alert.Type, "message", alert.Message)
	return nil
}

func (n *InMemoryNotifier) Alerts() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Alert, len(n.alerts))
	copy(out, n.alerts)
	return out
}
