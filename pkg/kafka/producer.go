package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Producer emits golden-change events
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// GoldenChangeEvent announces one applied history transition. Keyed by master
// ID so one entity's events stay ordered within a partition.
type GoldenChangeEvent struct {
	EventType     string         `json:"event_type"` // golden.opened, golden.superseded, golden.closed, golden.overwritten
	TenantID      string         `json:"tenant_id"`
	MasterID      string         `json:"master_id"`
	EntityType    string         `json:"entity_type"`
	VersionNumber int            `json:"version_number,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	EffectiveFrom time.Time      `json:"effective_from,omitempty"`
	QualityScore  int            `json:"quality_score,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// PublishTransition publishes a golden-change event for an applied transition
func (p *Producer) PublishTransition(ctx context.Context, tenantID, entityType, masterID string, transition *models.Transition) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishTransition")
	defer span.End()

	event := &GoldenChangeEvent{
		TenantID:   tenantID,
		MasterID:   masterID,
		EntityType: entityType,
		Timestamp:  time.Now().UTC(),
	}

	switch transition.Kind {
	case models.TransitionFirstVersion:
		event.EventType = "golden.opened"
	case models.TransitionNewVersion:
		event.EventType = "golden.superseded"
	case models.TransitionClose:
		event.EventType = "golden.closed"
	case models.TransitionOverwrite:
		event.EventType = "golden.overwritten"
	default:
		return nil
	}

	if transition.Opened != nil {
		event.VersionNumber = transition.Opened.VersionNumber
		event.Attributes = transition.Opened.Attributes.Data
		event.EffectiveFrom = transition.Opened.EffectiveStart
		event.QualityScore = transition.Opened.DataQualityScore
	} else if transition.Closed != nil {
		event.VersionNumber = transition.Closed.VersionNumber
		event.EffectiveFrom = transition.Closed.EffectiveEnd
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(masterID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "tenant_id", Value: []byte(tenantID)},
			{Key: "entity_type", Value: []byte(entityType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish golden change event")
		metrics.KafkaMessagesTotal.WithLabelValues(p.topic, "produce_error").Inc()
		return err
	}
	metrics.KafkaMessagesTotal.WithLabelValues(p.topic, "produced").Inc()

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": event.EventType,
		"master_id":  masterID,
	}).Debug("Published golden change event")

	return nil
}
