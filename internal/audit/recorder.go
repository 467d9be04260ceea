// Package audit fans abuse-control events out to the analytics plane:
// Kafka for downstream consumers, ClickHouse for aggregate queries and
// Elasticsearch for operator search. Every sink is fire-and-forget; a
// slow or dead sink never stalls a login.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"abuse-control/internal/bucketing"
	"abuse-control/internal/client"
	"abuse-control/internal/config"
	"abuse-control/internal/model"
	"abuse-control/internal/util"
)

// Event types emitted by the gate.
const (
	EventLockoutApplied   = "lockout_applied"
	EventLockoutExpired   = "lockout_expired"
	EventLockoutCleared   = "lockout_cleared"
	EventCountersReset    = "counters_reset"
	EventScreeningBlocked = "screening_blocked"
	EventScreeningBypass  = "screening_bypass"
	EventOTPIssued        = "otp_issued"
	EventOTPConsumed      = "otp_consumed"
	EventOTPExhausted     = "otp_exhausted"
	EventOTPThrottled     = "otp_throttled"
)

const sinkTimeout = 10 * time.Second

// Recorder is the single audit entry point. Nil sinks are skipped, so a
// partially wired environment (dev without ClickHouse, say) still records
// to whatever is present.
type Recorder struct {
	kafka      *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	bucketing  *bucketing.BucketingManager
	topic      string
	index      string
}

func NewRecorder(
	kafka *client.KafkaProducer,
	clickhouse *client.ClickHouseClient,
	es *client.ESClient,
	bucketingManager *bucketing.BucketingManager,
	cfg *config.Config,
) *Recorder {
	return &Recorder{
		kafka:      kafka,
		clickhouse: clickhouse,
		es:         es,
		bucketing:  bucketingManager,
		topic:      cfg.Kafka.AuditTopic,
		index:      cfg.Elasticsearch.AuditIndex,
	}
}

// Record stamps the event and dispatches it to all sinks in the
// background. It returns immediately.
func (r *Recorder) Record(event *model.AuditEvent) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	event.EventBucket = r.bucketing.EventBucket(event.EventID)

	go r.dispatch(event)
}

// Lockout is a convenience wrapper for the most common event shape.
func (r *Recorder) Lockout(eventType string, rec *model.LockoutRecord) {
	r.Record(&model.AuditEvent{
		EventType:   eventType,
		Scope:       rec.Scope,
		Key:         rec.Key,
		TierName:    rec.TierName,
		LockedUntil: rec.LockedUntil,
		Detail:      rec.Reason,
	})
}

func (r *Recorder) dispatch(event *model.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal audit event", zap.Error(err))
		return
	}

	if r.kafka != nil {
		headers := map[string]string{"event_type": event.EventType}
		if err := r.kafka.ProduceMessage(ctx, r.topic, []byte(event.Key), payload, headers); err != nil {
			util.Warn("Audit event not published to Kafka",
				zap.String("event_type", event.EventType),
				zap.Error(err))
		}
	}

	if r.clickhouse != nil {
		err := r.clickhouse.Exec(ctx, `
			INSERT INTO abuse_audit_events
				(event_id, event_bucket, event_type, scope, key, tier_name, locked_until, detail, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.EventID, event.EventBucket, event.EventType, string(event.Scope),
			event.Key, event.TierName, event.LockedUntil, event.Detail, event.OccurredAt)
		if err != nil {
			util.Warn("Audit event not written to ClickHouse",
				zap.String("event_type", event.EventType),
				zap.Error(err))
		}
	}

	if r.es != nil {
		if _, err := r.es.IndexDocument(r.index, event.EventID, event); err != nil {
			util.Warn("Audit event not indexed",
				zap.String("event_type", event.EventType),
				zap.Error(err))
		}
	}
}

// Search runs an operator query against the audit index.
func (r *Recorder) Search(ctx context.Context, query map[string]interface{}) (map[string]interface{}, error) {
	res, err := r.es.Search(ctx, r.index, query)
	if err != nil {
		return nil, err
	}

	var parsed map[string]interface{}
	if err := r.es.ParseResponse(res, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}
