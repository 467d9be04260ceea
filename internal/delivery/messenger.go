// Package delivery hands issued codes off to the external delivery
// collaborator. The gate never sends SMS or email itself and never waits
// on delivery confirmation.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"abuse-control/internal/client"
	"abuse-control/internal/model"
	"abuse-control/internal/util"
)

// Messenger publishes issued-code events for the delivery pipeline.
type Messenger interface {
	Dispatch(ctx context.Context, event *model.OTPIssuedEvent) error
}

// KafkaMessenger is the production hand-off: one message per issuance on
// the delivery topic, keyed by owner so a recipient's codes stay ordered.
type KafkaMessenger struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaMessenger(producer *client.KafkaProducer, topic string) *KafkaMessenger {
	return &KafkaMessenger{producer: producer, topic: topic}
}

func (m *KafkaMessenger) Dispatch(ctx context.Context, event *model.OTPIssuedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery event: %w", err)
	}

	headers := map[string]string{"purpose": event.Purpose}
	if err := m.producer.ProduceMessage(ctx, m.topic, []byte(event.OwnerID), payload, headers); err != nil {
		return fmt.Errorf("failed to publish delivery event: %w", err)
	}

	util.Info("OTP delivery dispatched",
		zap.String("challenge_id", event.ChallengeID),
		zap.String("purpose", event.Purpose))
	return nil
}

// LogMessenger is the development stand-in: it logs the code instead of
// publishing. Never wire it in production.
type LogMessenger struct{}

func (LogMessenger) Dispatch(_ context.Context, event *model.OTPIssuedEvent) error {
	util.Info("OTP delivery (dev log sink)",
		zap.String("challenge_id", event.ChallengeID),
		zap.String("owner_id", event.OwnerID),
		zap.String("code", event.Code),
		zap.Time("expires_at", event.ExpiresAt))
	return nil
}
